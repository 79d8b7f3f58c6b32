package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"conclave/api/internal/events"
	"conclave/api/internal/ledger"
	"conclave/api/internal/rbac"
	"conclave/api/internal/store"
)

type AddWhitelistInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func whitelistPayload(entry store.WhitelistEntry) map[string]any {
	return map[string]any{
		"email":   entry.Email,
		"role":    entry.Role,
		"addedBy": entry.AddedBy,
		"addedAt": formatTime(entry.AddedAt),
	}
}

func memberPayload(member store.Member) map[string]any {
	return map[string]any{
		"id":          member.ID,
		"email":       member.Email,
		"displayName": member.DisplayName,
		"photoURL":    member.PhotoURL,
		"role":        member.Role,
		"hasVoted":    member.HasVoted,
		"joinedAt":    formatTime(member.JoinedAt),
		"lastLogin":   formatTime(member.LastLogin),
	}
}

func (s *Service) ListWhitelist(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	entries, err := s.whitelistEntries(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (s *Service) whitelistEntries(ctx context.Context) ([]map[string]any, error) {
	entries, err := s.store.ListWhitelist(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, whitelistPayload(entry))
	}
	return items, nil
}

// AddWhitelistEntry admits a new e-mail address. An invitation is mailed
// when SMTP is configured; a failed invitation does not undo the entry.
func (s *Service) AddWhitelistEntry(ctx context.Context, session Session, input AddWhitelistInput) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	email := ledger.NormalizeEmail(input.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, errValidation("A valid e-mail address is required.")
	}
	role := ledger.RoleMember
	if strings.TrimSpace(input.Role) != "" {
		parsed, ok := ledger.ParseRole(input.Role)
		if !ok {
			return nil, errValidation("Role must be member or admin.")
		}
		role = parsed
	}

	entry := store.WhitelistEntry{
		Email:   email,
		Role:    string(role),
		AddedBy: session.Email,
		AddedAt: s.now(),
	}
	if err := s.store.AddWhitelistEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, domainError(http.StatusConflict, "ALREADY_EXISTS", "This e-mail address is already whitelisted.", nil)
		}
		return nil, err
	}
	s.bus.Notify(ctx, events.TopicWhitelist)
	s.bus.Notify(ctx, events.TopicMembers)

	invited := false
	if s.mailer != nil && s.mailer.IsConfigured() {
		if err := s.mailer.SendInvite(email, entry.Role, displayName(session.MemberName, session.Email), s.cfg.PortalURL); err != nil {
			log.Printf("access: invite %s: %v", email, err)
		} else {
			invited = true
		}
	}
	return map[string]any{"entry": whitelistPayload(entry), "invited": invited}, nil
}

func (s *Service) UpdateWhitelistRole(ctx context.Context, session Session, email, role string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	email = ledger.NormalizeEmail(email)
	parsed, ok := ledger.ParseRole(role)
	if !ok {
		return nil, errValidation("Role must be member or admin.")
	}
	if email == session.Email {
		return nil, errValidation("You cannot change your own access.")
	}
	entry, err := s.store.UpdateWhitelistRole(ctx, email, string(parsed))
	if err != nil {
		return nil, err
	}
	s.bus.Notify(ctx, events.TopicWhitelist)
	s.bus.Notify(ctx, events.TopicMembers)
	return map[string]any{"entry": whitelistPayload(entry)}, nil
}

// RemoveWhitelistEntry revokes access for email and ends the refresh
// sessions of every member signed in under it.
func (s *Service) RemoveWhitelistEntry(ctx context.Context, session Session, email string, confirm bool) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	email = ledger.NormalizeEmail(email)
	if email == session.Email {
		return nil, errValidation("You cannot change your own access.")
	}
	if !confirm {
		return nil, errConfirmationRequired("Removing a whitelist entry revokes that member's access.")
	}
	memberIDs, err := s.store.RemoveWhitelistEntry(ctx, email)
	if err != nil {
		return nil, err
	}
	for _, memberID := range memberIDs {
		if err := s.sessions.RevokeMemberSessions(ctx, memberID); err != nil {
			log.Printf("access: revoke sessions for %s: %v", memberID, err)
		}
	}
	s.bus.Notify(ctx, events.TopicWhitelist)
	s.bus.Notify(ctx, events.TopicMembers)
	return map[string]any{"email": email, "revokedMembers": memberIDs}, nil
}

func (s *Service) ListMembers(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.memberList(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"members": members}, nil
}

func (s *Service) memberList(ctx context.Context) ([]map[string]any, error) {
	members, err := s.store.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, memberPayload(member))
	}
	return items, nil
}

// Me returns the signed-in member's profile with everything they have cast:
// ballots keyed by proposal, priority votes and funding commitments.
func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
	member, err := s.store.GetMember(ctx, session.MemberID)
	if err != nil {
		return nil, err
	}
	ballots, err := s.store.ListMemberBallots(ctx, session.MemberID)
	if err != nil {
		return nil, err
	}
	votes := make(map[string]any, len(ballots))
	for _, ballot := range ballots {
		votes[ballot.ProposalID] = ballotPayload(ballot)
	}

	priorityVotes, err := s.store.ListMemberPriorityVotes(ctx, session.MemberID)
	if err != nil {
		return nil, err
	}
	priority := make([]map[string]any, 0, len(priorityVotes))
	for _, vote := range priorityVotes {
		priority = append(priority, map[string]any{
			"targetType": vote.Target.Kind,
			"targetId":   vote.Target.ID,
			"direction":  vote.Direction,
			"updatedAt":  formatTime(vote.UpdatedAt),
		})
	}

	commitments, err := s.store.ListMemberCommitments(ctx, session.MemberID)
	if err != nil {
		return nil, err
	}
	committed := make([]map[string]any, 0, len(commitments))
	for _, commitment := range commitments {
		committed = append(committed, commitmentPayload(commitment))
	}

	return map[string]any{
		"member":        memberPayload(member),
		"votes":         votes,
		"priorityVotes": priority,
		"commitments":   committed,
	}, nil
}

func ballotPayload(ballot store.Ballot) map[string]any {
	payload := map[string]any{
		"proposalId": ballot.ProposalID,
		"castAt":     formatTime(ballot.CastAt),
		"forfeited":  ballot.ForfeitedAt != nil,
	}
	if ballot.OptionID != "" {
		payload["optionId"] = ballot.OptionID
	} else {
		payload["motion"] = ballot.Motion
	}
	return payload
}

func commitmentPayload(commitment store.Commitment) map[string]any {
	return map[string]any{
		"itemId":    commitment.ItemID,
		"memberId":  commitment.MemberID,
		"amount":    commitment.Amount,
		"updatedAt": formatTime(commitment.UpdatedAt),
	}
}
