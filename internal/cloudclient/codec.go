package cloudclient

import (
	"bytes"
	"encoding/json"
)

func decode(doc []byte) (cloudShadowBody, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var m cloudShadowBody
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func encode(body cloudShadowBody) ([]byte, error) {
	return json.Marshal(body)
}
