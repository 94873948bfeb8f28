package orchestrator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/avfoundry/tams/pkg/metastore"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// pageToken is the decoded continuation token: the sort key of the
// last row a page consumed. Listing resumes strictly after it, so rows
// created or deleted between pages can neither shift nor repeat what
// later pages return.
type pageToken struct {
	ID        string `json:"id,omitempty"`
	StartSec  int64  `json:"start_sec,omitempty"`
	StartNsec int64  `json:"start_nsec,omitempty"`
	ObjectID  string `json:"object_id,omitempty"`
}

func encodePageToken(t pageToken) string {
	raw, _ := json.Marshal(t)
	return base64.URLEncoding.EncodeToString(raw)
}

func decodePageToken(s string) (pageToken, error) {
	var t pageToken
	if s == "" {
		return t, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid page token: %w", err)
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("invalid page token: %w", err)
	}
	return t, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

// afterID resumes an id-ordered listing.
func afterID(t pageToken) metastore.Predicate {
	if t.ID == "" {
		return nil
	}
	return metastore.Gt("id", t.ID)
}

// afterSegment resumes a (start_sec, start_nsec, object_id) ordered
// listing within one flow.
func afterSegment(t pageToken) metastore.Predicate {
	if t.ObjectID == "" {
		return nil
	}
	return metastore.Or(
		metastore.Gt("start_sec", t.StartSec),
		metastore.And(
			metastore.Eq("start_sec", t.StartSec),
			metastore.Gt("start_nsec", t.StartNsec),
		),
		metastore.And(
			metastore.Eq("start_sec", t.StartSec),
			metastore.Eq("start_nsec", t.StartNsec),
			metastore.Gt("object_id", t.ObjectID),
		),
	)
}

// afterObject resumes an object listing. Reference rows for ids up to
// and including the token have already been emitted.
func afterObject(t pageToken) metastore.Predicate {
	if t.ID == "" {
		return nil
	}
	return metastore.Gt("object_id", t.ID)
}
