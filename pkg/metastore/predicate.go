package metastore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Predicate is a filter tree over one table's columns. Build trees
// with the package constructors; the closed set of node types compiles
// to parameterized SQL, evaluates in memory, and renders to a
// deterministic canonical form for cache keys.
type Predicate interface {
	isPredicate()
}

type cmpOp string

const (
	opEq cmpOp = "="
	opNe cmpOp = "<>"
	opLt cmpOp = "<"
	opLe cmpOp = "<="
	opGt cmpOp = ">"
	opGe cmpOp = ">="
)

type cmpPred struct {
	column string
	op     cmpOp
	value  any
}

type inPred struct {
	column string
	values []any
}

type nullPred struct{ column string }

type likePred struct {
	column  string
	pattern string
}

type andPred struct{ preds []Predicate }

type orPred struct{ preds []Predicate }

type notPred struct{ pred Predicate }

func (*cmpPred) isPredicate()  {}
func (*inPred) isPredicate()   {}
func (*nullPred) isPredicate() {}
func (*likePred) isPredicate() {}
func (*andPred) isPredicate()  {}
func (*orPred) isPredicate()   {}
func (*notPred) isPredicate()  {}

// Eq matches rows where column equals value.
func Eq(column string, value any) Predicate { return &cmpPred{column, opEq, value} }

// Ne matches rows where column differs from value.
func Ne(column string, value any) Predicate { return &cmpPred{column, opNe, value} }

// Lt matches rows where column is less than value.
func Lt(column string, value any) Predicate { return &cmpPred{column, opLt, value} }

// Le matches rows where column is at most value.
func Le(column string, value any) Predicate { return &cmpPred{column, opLe, value} }

// Gt matches rows where column is greater than value.
func Gt(column string, value any) Predicate { return &cmpPred{column, opGt, value} }

// Ge matches rows where column is at least value.
func Ge(column string, value any) Predicate { return &cmpPred{column, opGe, value} }

// In matches rows where column equals any of the values.
func In(column string, values ...any) Predicate { return &inPred{column, values} }

// IsNull matches rows where column is null or absent.
func IsNull(column string) Predicate { return &nullPred{column} }

// Like matches rows where column matches a SQL LIKE pattern.
func Like(column, pattern string) Predicate { return &likePred{column, pattern} }

// And conjoins predicates. Nil operands are dropped; an empty
// conjunction is the match-all nil predicate.
func And(preds ...Predicate) Predicate {
	kept := filterNil(preds)
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &andPred{kept}
}

// Or disjoins predicates. Nil operands are dropped.
func Or(preds ...Predicate) Predicate {
	kept := filterNil(preds)
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &orPred{kept}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	if p == nil {
		return nil
	}
	return &notPred{p}
}

func filterNil(preds []Predicate) []Predicate {
	kept := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	return kept
}

// CompileSQL renders the predicate as a parameterized WHERE fragment
// for the given dialect. A nil predicate compiles to a match-all
// clause. Values are never interpolated.
func CompileSQL(p Predicate, dialect Dialect) (string, []any, error) {
	c := &sqlCompiler{dialect: dialect}
	clause, err := c.compile(p)
	if err != nil {
		return "", nil, err
	}
	return clause, c.args, nil
}

type sqlCompiler struct {
	dialect Dialect
	args    []any
}

func (c *sqlCompiler) placeholder(value any) string {
	c.args = append(c.args, value)
	if c.dialect == DialectPostgres {
		return "$" + strconv.Itoa(len(c.args))
	}
	return "?"
}

func (c *sqlCompiler) compile(p Predicate) (string, error) {
	if p == nil {
		return "1 = 1", nil
	}

	switch pred := p.(type) {
	case *cmpPred:
		return fmt.Sprintf("%s %s %s", pred.column, pred.op, c.placeholder(pred.value)), nil

	case *inPred:
		if len(pred.values) == 0 {
			// IN over nothing matches nothing.
			return "1 = 0", nil
		}
		marks := make([]string, len(pred.values))
		for i, v := range pred.values {
			marks[i] = c.placeholder(v)
		}
		return fmt.Sprintf("%s IN (%s)", pred.column, strings.Join(marks, ", ")), nil

	case *nullPred:
		return pred.column + " IS NULL", nil

	case *likePred:
		return fmt.Sprintf("%s LIKE %s", pred.column, c.placeholder(pred.pattern)), nil

	case *andPred:
		return c.compileJunction(pred.preds, " AND ")

	case *orPred:
		return c.compileJunction(pred.preds, " OR ")

	case *notPred:
		inner, err := c.compile(pred.pred)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil

	default:
		return "", fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *sqlCompiler) compileJunction(preds []Predicate, sep string) (string, error) {
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		clause, err := c.compile(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+clause+")")
	}
	return strings.Join(parts, sep), nil
}

// CanonicalPredicate renders the predicate deterministically:
// commutative operands and IN values are sorted, values carry a type
// marker. Two predicates with the same meaning built in a different
// order render identically, which makes the result usable as a cache
// key component.
func CanonicalPredicate(p Predicate) string {
	if p == nil {
		return "all"
	}

	switch pred := p.(type) {
	case *cmpPred:
		var name string
		switch pred.op {
		case opEq:
			name = "eq"
		case opNe:
			name = "ne"
		case opLt:
			name = "lt"
		case opLe:
			name = "le"
		case opGt:
			name = "gt"
		case opGe:
			name = "ge"
		}
		return name + "(" + pred.column + "," + canonicalValue(pred.value) + ")"

	case *inPred:
		vals := make([]string, len(pred.values))
		for i, v := range pred.values {
			vals[i] = canonicalValue(v)
		}
		sort.Strings(vals)
		return "in(" + pred.column + ",[" + strings.Join(vals, ",") + "])"

	case *nullPred:
		return "null(" + pred.column + ")"

	case *likePred:
		return "like(" + pred.column + "," + canonicalValue(pred.pattern) + ")"

	case *andPred:
		return canonicalJunction("and", pred.preds)

	case *orPred:
		return canonicalJunction("or", pred.preds)

	case *notPred:
		return "not(" + CanonicalPredicate(pred.pred) + ")"

	default:
		return fmt.Sprintf("unknown(%T)", p)
	}
}

func canonicalJunction(name string, preds []Predicate) string {
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = CanonicalPredicate(p)
	}
	sort.Strings(parts)
	return name + "(" + strings.Join(parts, ",") + ")"
}

func canonicalValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "s:" + strconv.Quote(val)
	case []byte:
		return "s:" + strconv.Quote(string(val))
	case bool:
		return "b:" + strconv.FormatBool(val)
	case int:
		return "i:" + strconv.FormatInt(int64(val), 10)
	case int32:
		return "i:" + strconv.FormatInt(int64(val), 10)
	case int64:
		return "i:" + strconv.FormatInt(val, 10)
	case float64:
		return "f:" + strconv.FormatFloat(val, 'g', -1, 64)
	case time.Time:
		return "t:" + val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("x:%v", val)
	}
}

// EqualityColumns reports the columns pinned to a single value when the
// predicate is a pure conjunction of equality terms. ok is false for
// any other shape, where the predicate can match a range of rows.
func EqualityColumns(p Predicate) (cols map[string]bool, ok bool) {
	if p == nil {
		return nil, false
	}
	cols = make(map[string]bool)
	if !collectEqColumns(p, cols) {
		return nil, false
	}
	return cols, true
}

func collectEqColumns(p Predicate, cols map[string]bool) bool {
	switch pred := p.(type) {
	case *cmpPred:
		if pred.op != opEq {
			return false
		}
		cols[pred.column] = true
		return true
	case *andPred:
		for _, sub := range pred.preds {
			if !collectEqColumns(sub, cols) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Eval applies the predicate to a row, with SQL null semantics:
// comparisons against an absent or null column are false, and only
// IsNull matches them. A nil predicate matches everything.
func Eval(p Predicate, row Row) bool {
	if p == nil {
		return true
	}

	switch pred := p.(type) {
	case *cmpPred:
		c, ok := compareValues(row[pred.column], pred.value)
		if !ok {
			return false
		}
		switch pred.op {
		case opEq:
			return c == 0
		case opNe:
			return c != 0
		case opLt:
			return c < 0
		case opLe:
			return c <= 0
		case opGt:
			return c > 0
		case opGe:
			return c >= 0
		}
		return false

	case *inPred:
		for _, v := range pred.values {
			if c, ok := compareValues(row[pred.column], v); ok && c == 0 {
				return true
			}
		}
		return false

	case *nullPred:
		v, ok := row[pred.column]
		return !ok || v == nil

	case *likePred:
		s, ok := asString(row[pred.column])
		if !ok {
			return false
		}
		return likeMatch(s, pred.pattern)

	case *andPred:
		for _, sub := range pred.preds {
			if !Eval(sub, row) {
				return false
			}
		}
		return true

	case *orPred:
		for _, sub := range pred.preds {
			if Eval(sub, row) {
				return true
			}
		}
		return false

	case *notPred:
		return !Eval(pred.pred, row)

	default:
		return false
	}
}

// compareValues orders two column values of compatible types. The
// boolean is false when either side is null or the types cannot be
// compared.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}

	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}

	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		if !bok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		}
		return 0, true
	}

	if ab, aok := asBool(a); aok {
		bb, bok := asBool(b)
		if !bok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		}
		return 1, true
	}

	as, aok := asString(a)
	bs, bok := asString(b)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

// likeMatch implements SQL LIKE: '%' matches any run, '_' any single
// byte.
func likeMatch(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		return s != "" && likeMatch(s[1:], pattern[1:])
	default:
		return s != "" && s[0] == pattern[0] && likeMatch(s[1:], pattern[1:])
	}
}
