package app

import (
	"context"
	"math"
	"strings"

	"conclave/api/internal/events"
	"conclave/api/internal/ledger"
	"conclave/api/internal/rbac"
	"conclave/api/internal/search"
	"conclave/api/internal/store"
	"conclave/api/internal/util"
)

type CreateFundingInput struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	TargetAmount int64  `json:"targetAmount"`
}

// CommitInput carries the amount as a JSON number so fractional values can
// be rejected as a validation error rather than a decode failure.
type CommitInput struct {
	Amount *float64 `json:"amount"`
}

// maxAmount is the largest pledge a JSON number carries exactly.
const maxAmount = 1 << 53

type PriorityVoteInput struct {
	Direction string `json:"direction"`
}

func fundingPayload(item store.FundingItem) map[string]any {
	return map[string]any{
		"id":               item.ID,
		"title":            item.Title,
		"description":      item.Description,
		"category":         item.Category,
		"targetAmount":     item.TargetAmount,
		"currentCommitted": item.CurrentCommitted,
		"percentFunded":    percentFunded(item.CurrentCommitted, item.TargetAmount),
		"priorityScore":    item.PriorityScore,
		"status":           item.Status,
		"createdBy":        item.CreatedBy,
		"createdAt":        formatTime(item.CreatedAt),
	}
}

func percentFunded(committed, target int64) int64 {
	if target <= 0 || committed <= 0 {
		return 0
	}
	return committed * 100 / target
}

func fundingSearchRecord(item store.FundingItem) search.Record {
	return search.Record{
		Type:        search.ResultFunding,
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		Category:    item.Category,
		Status:      item.Status,
	}
}

func (s *Service) ListFunding(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.fundingList(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

func (s *Service) fundingList(ctx context.Context) ([]map[string]any, error) {
	items, err := s.store.ListFundingItems(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, fundingPayload(item))
	}
	return payload, nil
}

// GetFunding returns an item with the caller's own commitment to it.
func (s *Service) GetFunding(ctx context.Context, session Session, itemID string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	item, err := s.store.GetFundingItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	commitments, err := s.store.ListItemCommitments(ctx, itemID)
	if err != nil {
		return nil, err
	}
	var mine int64
	for _, commitment := range commitments {
		if commitment.MemberID == session.MemberID {
			mine = commitment.Amount
			break
		}
	}
	return map[string]any{
		"item":         fundingPayload(item),
		"myCommitment": mine,
		"backers":      len(commitments),
	}, nil
}

func (s *Service) CreateFundingItem(ctx context.Context, session Session, input CreateFundingInput) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errValidation("Title is required.")
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		category = ledger.CategoryGeneral
	}
	if !ledger.ValidCategory(category) {
		return nil, errValidation("Unknown category.")
	}
	if err := ledger.ValidateTarget(input.TargetAmount); err != nil {
		return nil, errValidation("Target amount must be greater than zero.")
	}

	item := store.FundingItem{
		ID:           util.NewID("fund"),
		Title:        title,
		Description:  strings.TrimSpace(input.Description),
		Category:     category,
		TargetAmount: input.TargetAmount,
		Status:       store.FundingActive,
		CreatedBy:    session.MemberID,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateFundingItem(ctx, item); err != nil {
		return nil, err
	}
	s.search.Index(fundingSearchRecord(item))
	s.bus.Notify(ctx, events.TopicFunding)
	return map[string]any{"item": fundingPayload(item)}, nil
}

// Commit overwrites the member's pledge to an item. The item total moves by
// the difference, so repeating the same amount changes nothing.
func (s *Service) Commit(ctx context.Context, session Session, itemID string, input CommitInput) (map[string]any, error) {
	if err := s.require(session, rbac.ActionCommit); err != nil {
		return nil, err
	}
	if input.Amount == nil {
		return nil, errValidation("Amount is required.")
	}
	raw := *input.Amount
	if raw != math.Trunc(raw) || raw > maxAmount {
		return nil, errValidation("Amount must be a whole number.")
	}
	amount := int64(raw)
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, errValidation("Amount must be zero or more.")
	}

	result, err := s.store.Commit(ctx, store.Commitment{
		MemberID:  session.MemberID,
		ItemID:    itemID,
		Amount:    amount,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	changed := result.Delta != 0
	s.metrics.Commitment(changed)
	if changed {
		s.bus.Notify(ctx, events.TopicFunding)
	}
	return map[string]any{
		"item":     fundingPayload(result.Item),
		"amount":   amount,
		"previous": result.Previous,
		"delta":    result.Delta,
		"changed":  changed,
	}, nil
}

// VotePriority toggles the member's priority vote on a proposal or funding
// item. Repeating the held direction clears the vote.
func (s *Service) VotePriority(ctx context.Context, session Session, target store.PriorityTarget, direction string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionVote); err != nil {
		return nil, err
	}
	requested, err := ledger.ParseDirection(direction)
	if err != nil {
		return nil, errValidation("Direction must be up or down.")
	}
	result, err := s.store.ApplyPriorityVote(ctx, session.MemberID, target, requested)
	if err != nil {
		return nil, err
	}
	s.metrics.PriorityVote(target.Kind)
	if result.Delta != 0 {
		switch target.Kind {
		case store.TargetProposal:
			s.bus.Notify(ctx, events.TopicProposals)
		case store.TargetFunding:
			s.bus.Notify(ctx, events.TopicFunding)
		}
	}
	return map[string]any{
		"targetType":    target.Kind,
		"targetId":      target.ID,
		"direction":     result.Vote.Direction,
		"delta":         result.Delta,
		"priorityScore": result.Score,
	}, nil
}
