package models

// QueryResult is the output of executing a saved query, produced by the
// external query-execution engine. Rows carry the raw result set; Metric and
// Goal are the scalar pair used by goal-condition alerts.
type QueryResult struct {
	Columns []string         `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows"`
	Metric  *float64         `json:"metric,omitempty"`
	Goal    *float64         `json:"goal,omitempty"`
	Title   string           `json:"title,omitempty"`
}

// Empty reports whether the result set contains no rows.
func (r *QueryResult) Empty() bool {
	return r == nil || len(r.Rows) == 0
}
