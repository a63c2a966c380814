// Package schema holds the in-code dataset catalog: each store package
// declares a Schema describing its tables and columns, and the query server
// and admin CLI merge them into a single registry.
package schema

type Schema struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Tables      []TableInfo `json:"tables"`
}

type TableInfo struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Columns     []ColumnInfo `json:"columns"`
}

// LakeName returns the physical name to look for in the lake. SCD2 dimension
// tables materialize under a _current suffix; everything else lands under its
// declared name.
func (t TableInfo) LakeName() string {
	if isSCD2Table(t) {
		return t.Name + "_current"
	}
	return t.Name
}

type ColumnInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Merge concatenates slices in declaration order. Used to assemble the
// dataset registry from per-store schema declarations.
func Merge[T any](xs ...[]T) []T {
	n := 0
	for _, s := range xs {
		n += len(s)
	}
	out := make([]T, 0, n)
	for _, s := range xs {
		out = append(out, s...)
	}
	return out
}
