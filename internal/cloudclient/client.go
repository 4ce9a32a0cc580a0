// Package cloudclient adapts a CouchDB database, reached through
// go-kivik/kivik, to the shadow.CloudClient interface the core reconciles
// against. It is grounded directly on the teacher's
// CouchDBWorkspaceRepository (internal/repository/workspace_repository.go):
// same client/db handle shape, same kivik.HTTPStatus(err) 409/404
// translation, generalized from an owner-scoped document type to shadow
// documents addressed by (thingName, shadowName).
package cloudclient

import (
	"context"
	"fmt"

	"github.com/go-kivik/kivik/v4"

	"shadowsync/internal/shadow"
)

// Client is a shadow.CloudClient backed by one CouchDB database holding
// one document per shadow (spec 3's cloud shadow body stored verbatim, `version`
// kept as an explicit JSON field rather than relying on CouchDB's `_rev`,
// since the core's optimistic-concurrency contract is versioned by an
// integer the executors compare and increment themselves).
type Client struct {
	db *kivik.DB
}

// shadowDoc is the CouchDB envelope around a shadow body: _id/_rev are
// CouchDB's own revision bookkeeping (needed to Put/Delete at all), Body
// carries the shadow's actual JSON exactly as the core produced it.
type shadowDoc struct {
	ID   string          `json:"_id"`
	Rev  string          `json:"_rev,omitempty"`
	Body cloudShadowBody `json:"body"`
}

type cloudShadowBody = map[string]interface{}

// New returns a Client operating against the named CouchDB database on
// client.
func New(client *kivik.Client, dbName string) *Client {
	return &Client{db: client.DB(dbName)}
}

func docID(key shadow.Key) string {
	if key.IsClassic() {
		return key.ThingName
	}
	return key.ThingName + "/" + key.ShadowName
}

func (c *Client) GetThingShadow(ctx context.Context, key shadow.Key) ([]byte, uint64, error) {
	row := c.db.Get(ctx, docID(key))
	var doc shadowDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, 0, shadow.ErrShadowNotFound
		}
		return nil, 0, shadow.Retryable(fmt.Errorf("cloudclient: get %s: %w", key, err))
	}
	body := mustEncode(doc.Body)
	version, _ := shadow.ExtractVersion(body)
	return body, version, nil
}

func (c *Client) UpdateThingShadow(ctx context.Context, key shadow.Key, doc []byte, expectedVersion uint64) (uint64, error) {
	body, err := decode(doc)
	if err != nil {
		return 0, shadow.Skip(fmt.Errorf("cloudclient: decode %s: %w", key, err))
	}

	id := docID(key)
	rev := ""
	existing := c.db.Get(ctx, id)
	var existingDoc shadowDoc
	if err := existing.ScanDoc(&existingDoc); err == nil {
		rev = existingDoc.Rev
		existingVersion := extractOrZero(existingDoc.Body)
		if existingVersion != expectedVersion {
			return 0, shadow.Conflict(shadow.ErrVersionConflict)
		}
	} else if kivik.HTTPStatus(err) != 404 {
		return 0, shadow.Retryable(fmt.Errorf("cloudclient: read-before-write %s: %w", key, err))
	} else if expectedVersion != 0 {
		return 0, shadow.Conflict(shadow.ErrVersionConflict)
	}

	newDoc := shadowDoc{ID: id, Rev: rev, Body: body}
	if _, err := c.db.Put(ctx, id, newDoc); err != nil {
		if kivik.HTTPStatus(err) == 409 {
			return 0, shadow.Conflict(shadow.ErrVersionConflict)
		}
		if kivik.HTTPStatus(err) == 401 || kivik.HTTPStatus(err) == 403 {
			return 0, shadow.Skip(fmt.Errorf("cloudclient: unauthorized put %s: %w", key, err))
		}
		return 0, shadow.Retryable(fmt.Errorf("cloudclient: put %s: %w", key, err))
	}
	return extractOrZero(body), nil
}

func (c *Client) DeleteThingShadow(ctx context.Context, key shadow.Key, expectedVersion uint64) error {
	id := docID(key)
	row := c.db.Get(ctx, id)
	var doc shadowDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil
		}
		return shadow.Retryable(fmt.Errorf("cloudclient: read-before-delete %s: %w", key, err))
	}
	if extractOrZero(doc.Body) != expectedVersion {
		return shadow.Conflict(shadow.ErrVersionConflict)
	}
	if _, err := c.db.Delete(ctx, id, doc.Rev); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil
		}
		if kivik.HTTPStatus(err) == 409 {
			return shadow.Conflict(shadow.ErrVersionConflict)
		}
		return shadow.Retryable(fmt.Errorf("cloudclient: delete %s: %w", key, err))
	}
	return nil
}

func extractOrZero(body cloudShadowBody) uint64 {
	v, _ := shadow.ExtractVersion(mustEncode(body))
	return v
}

func mustEncode(body cloudShadowBody) []byte {
	b, err := encode(body)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
