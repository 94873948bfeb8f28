package query

import (
	"sort"
	"strconv"
	"strings"

	"github.com/avfoundry/tams/pkg/metastore"
)

// CanonicalKey renders a read request deterministically as
// table|columns|predicate|order|limit. Requests that differ only in
// construction order produce the same key, so cached results are
// shared across equivalent reads. SplitHint is deliberately absent:
// how a query is parallelized does not change its answer.
func CanonicalKey(req metastore.QueryRequest) string {
	var b strings.Builder
	b.WriteString(req.Table)
	b.WriteByte('|')

	if len(req.Columns) == 0 {
		b.WriteByte('*')
	} else {
		cols := make([]string, len(req.Columns))
		copy(cols, req.Columns)
		sort.Strings(cols)
		b.WriteString(strings.Join(cols, ","))
	}
	b.WriteByte('|')

	b.WriteString(metastore.CanonicalPredicate(req.Predicate))
	b.WriteByte('|')

	for i, ord := range req.OrderBy {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(ord.Column)
		if ord.Desc {
			b.WriteString(" desc")
		}
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(req.Limit))

	return b.String()
}

// InvalidationPrefix is the key prefix shared by every cached read of a
// table. Writes drop cached entries by this prefix.
func InvalidationPrefix(table string) string {
	return table + "|"
}
