package search

import "context"

// ResultType identifies the kind of ledger entity in a search result.
type ResultType string

const (
	ResultProposal ResultType = "proposal"
	ResultFunding  ResultType = "funding"
	ResultVault    ResultType = "vault"
)

// ParseResultType accepts the empty string as "all types".
func ParseResultType(value string) (ResultType, bool) {
	switch ResultType(value) {
	case "", ResultProposal, ResultFunding, ResultVault:
		return ResultType(value), true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Category string     `json:"category"`
	Status   string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterCategory string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// Record is the data indexed for any searchable entity.
type Record struct {
	Type        ResultType `json:"-"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Status      string     `json:"status,omitempty"`
	FileName    string     `json:"fileName,omitempty"`
}
