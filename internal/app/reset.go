package app

import (
	"context"
	"errors"
	"net/http"

	"conclave/api/internal/events"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/rbac"
	"conclave/api/internal/store"
)

// ResetReport summarizes an administrative vote reset.
type ResetReport struct {
	ProposalsReset int `json:"proposalsReset"`
	BallotsRemoved int `json:"ballotsRemoved"`
	MembersReset   int `json:"membersReset"`
}

// ResetVotes clears every ballot and tally. Each proposal and each member is
// reset on its own, so an interrupted reset can simply be run again.
func (s *Service) ResetVotes(ctx context.Context, session Session, confirm bool) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	if !confirm {
		return nil, errConfirmationRequired("Resetting removes every ballot and tally.")
	}

	report := ResetReport{}
	proposalIDs, err := s.store.ListProposalIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, proposalID := range proposalIDs {
		result, err := s.store.ResetProposalTallies(ctx, proposalID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, s.partialReset(report, err)
		}
		report.ProposalsReset++
		report.BallotsRemoved += result.BallotsRemoved
		if result.BallotsRemoved > 0 {
			if proposal, err := s.store.GetProposal(ctx, proposalID); err == nil {
				s.recordProposal(proposal, gitrepo.EventReset, session)
			}
		}
	}
	s.bus.Notify(ctx, events.TopicProposals)

	memberIDs, err := s.store.ListMemberIDs(ctx)
	if err != nil {
		return nil, s.partialReset(report, err)
	}
	for _, memberID := range memberIDs {
		if err := s.store.ClearMemberVoted(ctx, memberID); err != nil {
			return nil, s.partialReset(report, err)
		}
		report.MembersReset++
	}
	s.bus.Notify(ctx, events.TopicMembers)
	s.metrics.Reset()

	return map[string]any{"report": report}, nil
}

func (s *Service) partialReset(report ResetReport, err error) error {
	return domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error(), map[string]any{"partial": report})
}
