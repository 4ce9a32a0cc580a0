package shadow

import (
	"bytes"
	"encoding/json"
)

// volatileFields are stripped before comparing two documents for equality;
// they change on every write without reflecting a meaningful body change.
var volatileFields = []string{"version", "timestamp", "metadata"}

// decodeDoc parses doc into a generic map, preserving numeric literals via
// json.Number so "numbers preserved lexically" equality checks do not trip
// over float64 rounding.
func decodeDoc(doc []byte) (map[string]interface{}, error) {
	if len(doc) == 0 {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}

func encodeDoc(m map[string]interface{}) ([]byte, error) {
	return json.Marshal(m)
}

// ExtractVersion returns the numeric "version" field of doc, if present.
func ExtractVersion(doc []byte) (uint64, bool) {
	m, err := decodeDoc(doc)
	if err != nil {
		return 0, false
	}
	return numberField(m, "version")
}

func numberField(m map[string]interface{}, field string) (uint64, bool) {
	v, ok := m[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return uint64(i), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// SetVersion returns a copy of doc with its "version" field set to v.
func SetVersion(doc []byte, v uint64) ([]byte, error) {
	m, err := decodeDoc(doc)
	if err != nil {
		return nil, err
	}
	m["version"] = v
	return encodeDoc(m)
}

func stripVolatile(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, f := range volatileFields {
		delete(out, f)
	}
	return out
}

// CanonicalEqual reports whether a and b represent the same document once
// version, timestamp, and metadata are stripped and both sides are
// marshaled canonically (sorted keys, numeric literals preserved).
func CanonicalEqual(a, b []byte) bool {
	ma, errA := decodeDoc(a)
	mb, errB := decodeDoc(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	ca, err := encodeDoc(stripVolatile(ma))
	if err != nil {
		return false
	}
	cb, err := encodeDoc(stripVolatile(mb))
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// MergePatch applies patch onto base, deleting any key whose patch value is
// JSON null (delete-null-leaves semantics), recursing into nested objects.
// patch's values win on conflicting leaves, which is what makes this
// function double as the "local wins" rule of the three-way merge: the
// caller arranges for the locally-changed delta to be the patch argument.
func MergePatch(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if pv == nil {
			delete(out, k)
			continue
		}
		if pm, ok := pv.(map[string]interface{}); ok {
			if bm, ok := out[k].(map[string]interface{}); ok {
				out[k] = MergePatch(bm, pm)
				continue
			}
			out[k] = MergePatch(map[string]interface{}{}, pm)
			continue
		}
		out[k] = pv
	}
	return out
}

// DiffLeaves returns a sparse patch of everything that differs between
// oldDoc and newDoc: changed or added leaves keep newDoc's value, removed
// leaves become explicit nulls (delete-null-leaves shape), recursing into
// nested objects so a change anywhere in a subtree does not require
// replacing the whole subtree.
func DiffLeaves(oldDoc, newDoc map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, nv := range newDoc {
		ov, existed := oldDoc[k]
		if !existed {
			out[k] = nv
			continue
		}
		nm, nIsMap := nv.(map[string]interface{})
		om, oIsMap := ov.(map[string]interface{})
		if nIsMap && oIsMap {
			if d := DiffLeaves(om, nm); len(d) > 0 {
				out[k] = d
			}
			continue
		}
		if !jsonEqual(ov, nv) {
			out[k] = nv
		}
	}
	for k := range oldDoc {
		if _, still := newDoc[k]; !still {
			out[k] = nil
		}
	}
	return out
}

func jsonEqual(a, b interface{}) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// mergeBytes is the []byte convenience wrapper around MergePatch used by
// executors that hold raw document bytes.
func mergeBytes(base, patch []byte) ([]byte, error) {
	bm, err := decodeDoc(base)
	if err != nil {
		return nil, err
	}
	pm, err := decodeDoc(patch)
	if err != nil {
		return nil, err
	}
	return encodeDoc(MergePatch(bm, pm))
}

func diffBytes(oldDoc, newDoc []byte) (map[string]interface{}, error) {
	om, err := decodeDoc(oldDoc)
	if err != nil {
		return nil, err
	}
	nm, err := decodeDoc(newDoc)
	if err != nil {
		return nil, err
	}
	return DiffLeaves(om, nm), nil
}
