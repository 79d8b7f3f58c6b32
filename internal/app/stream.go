package app

import (
	"context"
	"fmt"
	"strings"

	"conclave/api/internal/events"
	"conclave/api/internal/rbac"
	"conclave/api/internal/store"
)

// loadTopic reads the full current state of a subscription topic.
func (s *Service) loadTopic(ctx context.Context, topic string) (any, error) {
	switch topic {
	case events.TopicProposals:
		return s.proposalList(ctx, store.ProposalFilter{})
	case events.TopicFunding:
		return s.fundingList(ctx)
	case events.TopicWhitelist:
		return s.whitelistEntries(ctx)
	case events.TopicMembers:
		return s.memberList(ctx)
	case events.TopicVault:
		return s.vaultList(ctx)
	}
	if proposalID, ok := commentsProposalID(topic); ok {
		return s.commentList(ctx, proposalID)
	}
	return nil, fmt.Errorf("%w: %s", events.ErrUnknownTopic, topic)
}

func commentsProposalID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, events.TopicProposals+"/")
	if !ok {
		return "", false
	}
	proposalID, ok := strings.CutSuffix(rest, "/comments")
	if !ok || proposalID == "" || strings.Contains(proposalID, "/") {
		return "", false
	}
	return proposalID, true
}

// Subscribe delivers the current snapshot of topic to handler and then a
// new snapshot after every change. The whitelist topic is admin-only.
func (s *Service) Subscribe(ctx context.Context, session Session, topic string, handler func(events.Snapshot)) (func(), error) {
	action := rbac.ActionRead
	if topic == events.TopicWhitelist {
		action = rbac.ActionAdmin
	}
	if err := s.require(session, action); err != nil {
		return nil, err
	}
	return s.bus.Subscribe(ctx, topic, handler)
}

// RefreshTopic reloads topic for local subscribers. It is called for change
// notifications received from other instances.
func (s *Service) RefreshTopic(ctx context.Context, topic string) {
	s.bus.Refresh(ctx, topic)
}
