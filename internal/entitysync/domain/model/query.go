package model

import "iter"

// QueryMode selects the shape of a query result.
type QueryMode string

const (
	QueryModeSingle QueryMode = "single"
	QueryModeAll    QueryMode = "all"
	QueryModeStream QueryMode = "stream"
	QueryModeCount  QueryMode = "count"
)

// Valid reports whether m is a known mode.
func (m QueryMode) Valid() bool {
	switch m {
	case QueryModeSingle, QueryModeAll, QueryModeStream, QueryModeCount:
		return true
	}
	return false
}

// Live reports whether the mode keeps a subscription open after the snapshot.
func (m QueryMode) Live() bool {
	return m == QueryModeAll || m == QueryModeStream
}

// Query asks the store for the records of one collection matching Filter.
// A Limit of zero means unbounded.
type Query struct {
	Collection      string
	Filter          Filter
	Mode            QueryMode
	Limit           int
	ExcludeArchived bool
}

// QueryResult carries the mode-specific outcome of a query. Exactly one of
// Record, Records, Count or Stream is meaningful, chosen by Mode.
type QueryResult struct {
	Mode    QueryMode
	Record  *Record
	Records []*Record
	Count   int
	Stream  iter.Seq2[*Record, error]
}
