package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avfoundry/tams/pkg/metastore"
)

func TestCanonicalKeyShape(t *testing.T) {
	req := metastore.QueryRequest{
		Table:     "flows",
		Predicate: metastore.Eq("id", "flow-1"),
	}
	assert.Equal(t, `flows|*|eq(id,s:"flow-1")||0`, CanonicalKey(req))

	req = metastore.QueryRequest{
		Table:     "segments",
		Columns:   []string{"object_id", "start_sec"},
		Predicate: metastore.Eq("flow_id", "flow-1"),
		OrderBy: []metastore.Ordering{
			{Column: "start_sec", Desc: true},
			{Column: "start_nsec"},
		},
		Limit: 100,
	}
	assert.Equal(t, `segments|object_id,start_sec|eq(flow_id,s:"flow-1")|start_sec desc,start_nsec|100`, CanonicalKey(req))
}

func TestCanonicalKeyIsOrderInsensitive(t *testing.T) {
	a := metastore.QueryRequest{
		Table: "sources",
		Predicate: metastore.And(
			metastore.Eq("format", "urn:x-nmos:format:video"),
			metastore.Eq("deleted", false),
		),
	}
	b := metastore.QueryRequest{
		Table: "sources",
		Predicate: metastore.And(
			metastore.Eq("deleted", false),
			metastore.Eq("format", "urn:x-nmos:format:video"),
		),
	}
	assert.Equal(t, CanonicalKey(a), CanonicalKey(b))

	a.Columns = []string{"id", "format"}
	b.Columns = []string{"format", "id"}
	assert.Equal(t, CanonicalKey(a), CanonicalKey(b))
}

func TestCanonicalKeyIgnoresSplitHint(t *testing.T) {
	req := metastore.QueryRequest{
		Table:     "segments",
		Predicate: metastore.Eq("flow_id", "flow-1"),
	}
	split := req
	split.SplitHint = 4
	assert.Equal(t, CanonicalKey(req), CanonicalKey(split),
		"parallelism does not change the answer, so it must not change the key")
}

func TestCanonicalKeyDistinguishesRequests(t *testing.T) {
	base := metastore.QueryRequest{
		Table:     "flows",
		Predicate: metastore.Eq("source_id", "src-1"),
	}

	limited := base
	limited.Limit = 10
	assert.NotEqual(t, CanonicalKey(base), CanonicalKey(limited))

	narrower := base
	narrower.Predicate = metastore.And(
		metastore.Eq("source_id", "src-1"),
		metastore.Eq("deleted", false),
	)
	assert.NotEqual(t, CanonicalKey(base), CanonicalKey(narrower))

	ordered := base
	ordered.OrderBy = []metastore.Ordering{{Column: "created", Desc: true}}
	assert.NotEqual(t, CanonicalKey(base), CanonicalKey(ordered))
}

func TestInvalidationPrefix(t *testing.T) {
	flowKey := CanonicalKey(metastore.QueryRequest{
		Table:     "flows",
		Predicate: metastore.Eq("source_id", "src-1"),
	})
	assert.True(t, strings.HasPrefix(flowKey, InvalidationPrefix("flows")))
	assert.False(t, strings.HasPrefix(flowKey, InvalidationPrefix("sources")))

	// A table whose name extends another must not share its prefix.
	refKey := CanonicalKey(metastore.QueryRequest{Table: "object_refs"})
	assert.False(t, strings.HasPrefix(refKey, InvalidationPrefix("objects")))
}
