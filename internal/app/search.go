package app

import (
	"context"

	"conclave/api/internal/rbac"
	"conclave/api/internal/search"
	"conclave/api/internal/store"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if q.Text == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	if q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.search.Search(ctx, q), nil
}

// searchRecords loads every searchable document from the ledger store.
func (s *Service) searchRecords(ctx context.Context) ([]search.Record, error) {
	proposals, err := s.store.ListProposals(ctx, store.ProposalFilter{})
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListFundingItems(ctx)
	if err != nil {
		return nil, err
	}
	vaultItems, err := s.store.ListVaultItems(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]search.Record, 0, len(proposals)+len(items)+len(vaultItems))
	for _, proposal := range proposals {
		records = append(records, proposalSearchRecord(proposal))
	}
	for _, item := range items {
		records = append(records, fundingSearchRecord(item))
	}
	for _, item := range vaultItems {
		records = append(records, vaultSearchRecord(item))
	}
	return records, nil
}
