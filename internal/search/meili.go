package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxProposals = "conclave_proposals"
	idxFunding   = "conclave_funding"
	idxVault     = "conclave_vault"
)

type meiliIndex struct {
	uid        string
	rtyp       ResultType
	filterable []string
	searchable []string
}

var meiliIndexes = []meiliIndex{
	{idxProposals, ResultProposal, []string{"category", "status"}, []string{"title", "description"}},
	{idxFunding, ResultFunding, []string{"category", "status"}, []string{"title", "description"}},
	{idxVault, ResultVault, []string{"category"}, []string{"title", "description", "fileName"}},
}

// ensure creates the index if needed and pushes its attribute settings.
// Errors are logged; an index that already exists is the common case.
func (idx meiliIndex) ensure(client meili.ServiceManager) {
	if _, err := client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
		log.Printf("search: index %s not created: %v", idx.uid, err)
	}
	attrs := make([]interface{}, 0, len(idx.filterable))
	for _, field := range idx.filterable {
		attrs = append(attrs, field)
	}
	handle := client.Index(idx.uid)
	if _, err := handle.UpdateFilterableAttributes(&attrs); err != nil {
		log.Printf("search: filterable attributes for %s: %v", idx.uid, err)
	}
	searchable := append([]string(nil), idx.searchable...)
	if _, err := handle.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: searchable attributes for %s: %v", idx.uid, err)
	}
}

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to Meilisearch and prepares the ledger indexes. When the
// server is down the searcher starts unhealthy and the probe loop brings it
// back once the server answers.
func NewMeili(url, apiKey string) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
	}
	if !m.probe() {
		log.Printf("search: meilisearch unavailable at %s, using fallback until it recovers", url)
	}
	go m.watch(10 * time.Second)
	return m
}

// probe checks server health and reconfigures indexes on an
// unhealthy-to-healthy transition.
func (m *Meili) probe() bool {
	_, err := m.client.Health()
	up := err == nil
	was := m.healthy.Swap(up)
	switch {
	case up && !was:
		for _, idx := range meiliIndexes {
			idx.ensure(m.client)
		}
	case !up && was:
		log.Printf("search: meilisearch went away: %v", err)
	}
	return up
}

func (m *Meili) watch(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// Close stops the health probe.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries every index (or the filtered one) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit, offset := pageBounds(q)

	var queries []*meili.SearchRequest
	for _, idx := range meiliIndexes {
		if q.FilterType != "" && q.FilterType != idx.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              idx.uid,
			Query:                 q.Text,
			Limit:                 int64(limit),
			Offset:                int64(offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}
		if q.FilterCategory != "" {
			sr.Filter = []string{fmt.Sprintf("category = %q", q.FilterCategory)}
		}
		queries = append(queries, sr)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexFor(rtyp ResultType) string {
	for _, idx := range meiliIndexes {
		if idx.rtyp == rtyp {
			return idx.uid
		}
	}
	return ""
}

func indexToResultType(uid string) ResultType {
	for _, idx := range meiliIndexes {
		if idx.uid == uid {
			return idx.rtyp
		}
	}
	return ""
}

type hitFields struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FileName    string `json:"fileName"`
	Category    string `json:"category"`
	Status      string `json:"status"`
}

// hitToResult prefers the highlighted copy of title and description.
// Undecodable fields are left empty.
func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	var plain, marked hitFields
	decodeHit(hit, &plain)
	if raw, ok := hit["_formatted"]; ok {
		_ = json.Unmarshal(raw, &marked)
	}
	return Result{
		Type:     rtyp,
		ID:       plain.ID,
		Title:    firstNonBlank(marked.Title, plain.Title),
		Snippet:  firstNonBlank(marked.Description, plain.Description, plain.FileName),
		Category: plain.Category,
		Status:   plain.Status,
	}
}

func decodeHit(hit meili.Hit, into *hitFields) {
	fields := map[string]*string{
		"id": &into.ID, "title": &into.Title, "description": &into.Description,
		"fileName": &into.FileName, "category": &into.Category, "status": &into.Status,
	}
	for key, dst := range fields {
		if raw, ok := hit[key]; ok {
			_ = json.Unmarshal(raw, dst)
		}
	}
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Index adds or updates records, grouped by their index.
func (m *Meili) Index(records []Record) error {
	grouped := map[string][]Record{}
	for _, rec := range records {
		uid := indexFor(rec.Type)
		if uid == "" {
			return fmt.Errorf("no index for record type %q", rec.Type)
		}
		grouped[uid] = append(grouped[uid], rec)
	}
	for uid, batch := range grouped {
		if _, err := m.client.Index(uid).AddDocuments(batch, nil); err != nil {
			return fmt.Errorf("index %s: %w", uid, err)
		}
	}
	return nil
}

func (m *Meili) Delete(rtyp ResultType, id string) error {
	uid := indexFor(rtyp)
	if uid == "" {
		return fmt.Errorf("no index for record type %q", rtyp)
	}
	_, err := m.client.Index(uid).DeleteDocument(id, nil)
	return err
}
