package filter

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for filter compilation
var (
	ErrUnsupportedOperator = errors.New("unsupported filter operator")
	ErrInvalidExpression   = errors.New("invalid filter expression")
)

// Operator is a SCIM-style comparison operator.
type Operator string

const (
	OpEquals     Operator = "eq"
	OpContains   Operator = "co"
	OpStartsWith Operator = "sw"
	OpEndsWith   Operator = "ew"
)

// Expression is a single attribute predicate. Multiple expressions combine
// with logical AND; OR and grouping are not supported.
type Expression struct {
	Attribute string
	Operator  Operator
	Value     string
}

// primaryColumns maps primary attribute names to organization table columns.
// Anything not listed here is treated as a dynamic meta attribute and matched
// through the attribute side table.
var primaryColumns = map[string]string{
	"id":           "o.org_id::text",
	"name":         "o.name",
	"description":  "o.description",
	"status":       "o.status",
	"type":         "o.org_type",
	"handle":       "o.org_handle",
	"parentId":     "o.parent_id::text",
	"created":      "o.created_at",
	"lastModified": "o.last_modified",
}

// timestampColumns are primary attributes whose bound values need a
// store-specific timestamp cast.
var timestampColumns = map[string]bool{
	"created":      true,
	"lastModified": true,
}

// Clause is a compiled boolean fragment plus its bound values. The fragment
// references values only through positional placeholders; no caller-supplied
// text is ever concatenated into SQL.
type Clause struct {
	// SQL is the boolean fragment, empty when no expressions were given.
	SQL string

	// Args are the bound values, in placeholder order.
	Args []any

	// TimestampArgs holds the zero-based positions within Args that carry
	// timestamp values, so the store can apply driver-specific casting or
	// parsing before binding.
	TimestampArgs []int
}

// Builder compiles expression lists into parameterized SQL fragments.
// A Builder is stateful for a single compilation: the placeholder counter and
// meta-attribute alias counter live here. It must not be shared across
// concurrent requests.
type Builder struct {
	argIndex int
	aliasSeq int

	args          []any
	conds         []string
	timestampArgs []int
}

// NewBuilder returns a builder whose first placeholder is $startIndex.
// Callers that already bound values pass the next free index.
func NewBuilder(startIndex int) *Builder {
	if startIndex < 1 {
		startIndex = 1
	}
	return &Builder{argIndex: startIndex}
}

// NextArgIndex returns the next free placeholder index after compilation.
func (b *Builder) NextArgIndex() int {
	return b.argIndex
}

// Compile translates the expressions into a single AND-combined clause.
func (b *Builder) Compile(exprs []Expression) (Clause, error) {
	for _, expr := range exprs {
		if expr.Attribute == "" {
			return Clause{}, fmt.Errorf("%w: empty attribute name", ErrInvalidExpression)
		}
		if column, ok := primaryColumns[expr.Attribute]; ok {
			if err := b.compilePrimary(expr, column); err != nil {
				return Clause{}, err
			}
			continue
		}
		if err := b.compileMeta(expr); err != nil {
			return Clause{}, err
		}
	}

	return Clause{
		SQL:           strings.Join(b.conds, " AND "),
		Args:          b.args,
		TimestampArgs: b.timestampArgs,
	}, nil
}

func (b *Builder) compilePrimary(expr Expression, column string) error {
	if timestampColumns[expr.Attribute] {
		// Timestamp comparison only makes sense for exact match with the
		// supported operator set.
		if expr.Operator != OpEquals {
			return fmt.Errorf("%w: %q on timestamp attribute %q", ErrUnsupportedOperator, expr.Operator, expr.Attribute)
		}
		b.timestampArgs = append(b.timestampArgs, len(b.args))
		b.conds = append(b.conds, fmt.Sprintf("%s = $%d::timestamptz", column, b.argIndex))
		b.args = append(b.args, expr.Value)
		b.argIndex++
		return nil
	}

	cond, value, err := comparison(column, expr.Operator, expr.Value, b.argIndex)
	if err != nil {
		return err
	}
	b.conds = append(b.conds, cond)
	b.args = append(b.args, value)
	b.argIndex++
	return nil
}

// compileMeta matches a dynamic attribute through the attribute side table.
// Each predicate gets its own alias so repeated predicates on the same key
// never collide.
func (b *Builder) compileMeta(expr Expression) error {
	b.aliasSeq++
	alias := fmt.Sprintf("oa%d", b.aliasSeq)

	cond, value, err := comparison(alias+".attr_value", expr.Operator, expr.Value, b.argIndex+1)
	if err != nil {
		return err
	}

	b.conds = append(b.conds, fmt.Sprintf(
		"EXISTS (SELECT 1 FROM organization_attributes %[1]s WHERE %[1]s.org_id = o.org_id AND %[1]s.attr_key = $%[2]d AND %[3]s)",
		alias, b.argIndex, cond,
	))
	b.args = append(b.args, expr.Attribute, value)
	b.argIndex += 2
	return nil
}

// comparison renders one operator against a column, returning the condition
// and the value to bind. LIKE wildcards in the caller's value are escaped so
// they match literally.
func comparison(column string, op Operator, value string, argIndex int) (string, string, error) {
	switch op {
	case OpEquals:
		return fmt.Sprintf("%s = $%d", column, argIndex), value, nil
	case OpContains:
		return fmt.Sprintf("%s LIKE $%d", column, argIndex), "%" + escapeLike(value) + "%", nil
	case OpStartsWith:
		return fmt.Sprintf("%s LIKE $%d", column, argIndex), escapeLike(value) + "%", nil
	case OpEndsWith:
		return fmt.Sprintf("%s LIKE $%d", column, argIndex), "%" + escapeLike(value), nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedOperator, op)
	}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// Match evaluates a single expression against a raw value, mirroring the SQL
// semantics. The in-memory store uses this to apply the same filters without a
// database.
func Match(op Operator, value, candidate string) (bool, error) {
	switch op {
	case OpEquals:
		return candidate == value, nil
	case OpContains:
		return strings.Contains(candidate, value), nil
	case OpStartsWith:
		return strings.HasPrefix(candidate, value), nil
	case OpEndsWith:
		return strings.HasSuffix(candidate, value), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, op)
	}
}
