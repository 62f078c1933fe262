package database

import (
	"fmt"
	"strings"
)

// QueryBuilder helps construct SQL queries safely. Conditions use ? and are
// renumbered to $n placeholders in the order they are added.
type QueryBuilder struct {
	table      string
	selections []string
	conditions []string
	args       []interface{}
	argCounter int
	orderBy    []string
	limit      *int
	offset     *int
}

// NewQueryBuilder starts a query against table
func NewQueryBuilder(table string) *QueryBuilder {
	return &QueryBuilder{
		table:      table,
		selections: []string{"*"},
	}
}

// Select sets the columns to select
func (qb *QueryBuilder) Select(columns ...string) *QueryBuilder {
	qb.selections = columns
	return qb
}

// Where adds a condition joined with AND
func (qb *QueryBuilder) Where(condition string, args ...interface{}) *QueryBuilder {
	for _, arg := range args {
		qb.argCounter++
		condition = strings.Replace(condition, "?", fmt.Sprintf("$%d", qb.argCounter), 1)
		qb.args = append(qb.args, arg)
	}
	qb.conditions = append(qb.conditions, condition)
	return qb
}

// OrderBy adds an ORDER BY column
func (qb *QueryBuilder) OrderBy(column string, desc bool) *QueryBuilder {
	order := column
	if desc {
		order += " DESC"
	}
	qb.orderBy = append(qb.orderBy, order)
	return qb
}

// Limit sets the LIMIT
func (qb *QueryBuilder) Limit(limit int) *QueryBuilder {
	qb.limit = &limit
	return qb
}

// Offset sets the OFFSET
func (qb *QueryBuilder) Offset(offset int) *QueryBuilder {
	qb.offset = &offset
	return qb
}

// Build constructs the final SQL query
func (qb *QueryBuilder) Build() (string, []interface{}) {
	var query strings.Builder

	query.WriteString("SELECT ")
	query.WriteString(strings.Join(qb.selections, ", "))
	query.WriteString(" FROM ")
	query.WriteString(qb.table)
	qb.writeWhere(&query)

	if len(qb.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(qb.orderBy, ", "))
	}
	if qb.limit != nil {
		fmt.Fprintf(&query, " LIMIT %d", *qb.limit)
	}
	if qb.offset != nil && *qb.offset > 0 {
		fmt.Fprintf(&query, " OFFSET %d", *qb.offset)
	}
	return query.String(), qb.args
}

// BuildCount constructs a COUNT(*) over the same conditions, ignoring
// ordering and paging
func (qb *QueryBuilder) BuildCount() (string, []interface{}) {
	var query strings.Builder
	query.WriteString("SELECT COUNT(*) FROM ")
	query.WriteString(qb.table)
	qb.writeWhere(&query)
	return query.String(), qb.args
}

func (qb *QueryBuilder) writeWhere(query *strings.Builder) {
	if len(qb.conditions) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(qb.conditions, " AND "))
	}
}

// likePattern escapes LIKE metacharacters and wraps s for a substring match
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
