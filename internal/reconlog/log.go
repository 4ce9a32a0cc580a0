// Package reconlog records the outcome of every FullShadow reconcile for
// operator visibility, a feature original_source keeps
// (ShadowManager surfaces sync state per shadow) that spec.md's
// distillation omits. Adapted from the teacher's ConflictRepository
// (internal/repository/conflict_repository.go, which recorded note-edit
// conflicts); this variant uses kivik like the rest of this repo's cloud
// adapters rather than the teacher's bespoke net/http client, since kivik
// is already wired for the same database.
package reconlog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kivik/kivik/v4"
	"github.com/google/uuid"

	"shadowsync/internal/shadow"
)

// Decision classifies which branch of the FullShadow decision table
// produced an entry.
type Decision string

const (
	DecisionNoOp            Decision = "no_op"
	DecisionOverwriteLocal  Decision = "overwrite_local"
	DecisionOverwriteCloud  Decision = "overwrite_cloud"
	DecisionThreeWayMerge   Decision = "three_way_merge"
	DecisionClearedBothGone Decision = "cleared_both_absent"
)

// Entry is one recorded reconcile outcome.
type Entry struct {
	ID           string
	Key          shadow.Key
	Decision     Decision
	CloudVersion uint64
	LocalVersion uint64
	RecordedAt   time.Time
}

// Log appends and lists reconciliation entries.
type Log interface {
	Record(ctx context.Context, e Entry) error
	History(ctx context.Context, key shadow.Key, limit int) ([]Entry, error)
}

type couchLog struct {
	db *kivik.DB
}

// New returns a Log backed by the named CouchDB database on client.
func New(client *kivik.Client, dbName string) Log {
	return &couchLog{db: client.DB(dbName)}
}

type entryDoc struct {
	ID           string `json:"_id"`
	DocType      string `json:"doc_type"`
	ThingName    string `json:"thing_name"`
	ShadowName   string `json:"shadow_name"`
	Decision     string `json:"decision"`
	CloudVersion uint64 `json:"cloud_version"`
	LocalVersion uint64 `json:"local_version"`
	RecordedAt   string `json:"recorded_at"`
}

func (l *couchLog) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	doc := entryDoc{
		ID:           fmt.Sprintf("reconlog:%s", e.ID),
		DocType:      "reconcile_entry",
		ThingName:    e.Key.ThingName,
		ShadowName:   e.Key.ShadowName,
		Decision:     string(e.Decision),
		CloudVersion: e.CloudVersion,
		LocalVersion: e.LocalVersion,
		RecordedAt:   e.RecordedAt.Format(time.RFC3339Nano),
	}
	if _, err := l.db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("reconlog: record %s: %w", e.Key, err)
	}
	return nil
}

func (l *couchLog) History(ctx context.Context, key shadow.Key, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":    "reconcile_entry",
			"thing_name":  key.ThingName,
			"shadow_name": key.ShadowName,
		},
		"sort":  []map[string]string{{"recorded_at": "desc"}},
		"limit": limit,
	}
	rows := l.db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconlog: history %s: %w", key, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var doc entryDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		out = append(out, docToEntry(doc))
	}
	return out, nil
}

func docToEntry(doc entryDoc) Entry {
	recordedAt, _ := time.Parse(time.RFC3339Nano, doc.RecordedAt)
	return Entry{
		ID:           doc.ID,
		Key:          shadow.Key{ThingName: doc.ThingName, ShadowName: doc.ShadowName},
		Decision:     Decision(doc.Decision),
		CloudVersion: doc.CloudVersion,
		LocalVersion: doc.LocalVersion,
		RecordedAt:   recordedAt,
	}
}
