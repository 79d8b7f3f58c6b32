package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"conclave/api/internal/events"
	"conclave/api/internal/export"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/ledger"
	"conclave/api/internal/rbac"
	"conclave/api/internal/search"
	"conclave/api/internal/store"
	"conclave/api/internal/util"
)

type CreateProposalInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Options     []string `json:"options"`
}

type OptionInput struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type UpdateProposalInput struct {
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Category       string        `json:"category"`
	Options        []OptionInput `json:"options"`
	ConfirmForfeit bool          `json:"confirmForfeit"`
}

// BallotInput names exactly one of an option or a special motion.
type BallotInput struct {
	OptionID string `json:"optionId"`
	Motion   string `json:"motion"`
}

type CommentInput struct {
	Text string `json:"text"`
}

const maxCommentLength = 4000

func proposalPayload(p store.Proposal, whitelistSize int) map[string]any {
	options := make([]map[string]any, 0, len(p.Options))
	for _, option := range p.Options {
		options = append(options, map[string]any{
			"id":    option.ID,
			"label": option.Label,
			"votes": option.Votes,
		})
	}
	motions := make(map[string]int, len(ledger.Motions))
	for _, motion := range ledger.Motions {
		motions[string(motion)] = p.AdvancedVotes[string(motion)]
	}
	return map[string]any{
		"id":            p.ID,
		"title":         p.Title,
		"description":   p.Description,
		"category":      p.Category,
		"options":       options,
		"advancedVotes": motions,
		"totalVotes":    p.TotalVotes,
		"priorityScore": p.PriorityScore,
		"status":        p.Status,
		"createdBy":     p.CreatedBy,
		"creatorName":   p.CreatorName,
		"createdAt":     formatTime(p.CreatedAt),
		"updatedAt":     formatTime(p.UpdatedAt),
		"participation": ledger.Participation(p.TotalVotes, whitelistSize),
	}
}

func proposalRecord(p store.Proposal, event, actor string) gitrepo.Record {
	lines := make([]gitrepo.RecordLine, 0, len(p.Options))
	for _, option := range p.Options {
		lines = append(lines, gitrepo.RecordLine{ID: option.ID, Label: option.Label, Votes: option.Votes})
	}
	motions := make(map[string]int, len(p.AdvancedVotes))
	for motion, count := range p.AdvancedVotes {
		motions[motion] = count
	}
	return gitrepo.Record{
		ProposalID:    p.ID,
		Event:         event,
		Title:         p.Title,
		Description:   p.Description,
		Category:      p.Category,
		Status:        p.Status,
		Options:       lines,
		Motions:       motions,
		TotalVotes:    p.TotalVotes,
		PriorityScore: p.PriorityScore,
		Actor:         actor,
	}
}

func proposalSearchRecord(p store.Proposal) search.Record {
	return search.Record{
		Type:        search.ResultProposal,
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		Status:      p.Status,
	}
}

// recordProposal appends to the records archive. The ledger write has
// already committed, so failures are logged rather than returned.
func (s *Service) recordProposal(p store.Proposal, event string, session Session) {
	if s.records == nil {
		return
	}
	rec := proposalRecord(p, event, session.MemberName)
	rec.RecordedAt = s.now()
	if _, err := s.records.Append(rec, session.Email); err != nil {
		log.Printf("records: append %s %s: %v", event, p.ID, err)
	}
}

func (s *Service) whitelistSize(ctx context.Context) (int, error) {
	return s.store.CountWhitelist(ctx)
}

func (s *Service) ListProposals(ctx context.Context, session Session, filter store.ProposalFilter) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if filter.Category != "" && !ledger.ValidCategory(filter.Category) {
		return nil, errValidation("Unknown category.")
	}
	items, err := s.proposalList(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"proposals": items}, nil
}

func (s *Service) proposalList(ctx context.Context, filter store.ProposalFilter) ([]map[string]any, error) {
	proposals, err := s.store.ListProposals(ctx, filter)
	if err != nil {
		return nil, err
	}
	size, err := s.whitelistSize(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(proposals))
	for _, proposal := range proposals {
		items = append(items, proposalPayload(proposal, size))
	}
	return items, nil
}

func (s *Service) GetProposal(ctx context.Context, session Session, proposalID string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	size, err := s.whitelistSize(ctx)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"proposal": proposalPayload(proposal, size)}
	ballot, err := s.store.GetBallot(ctx, session.MemberID, proposalID)
	switch {
	case err == nil:
		payload["myBallot"] = ballotPayload(ballot)
	case errors.Is(err, store.ErrNotFound):
		payload["myBallot"] = nil
	default:
		return nil, err
	}
	return payload, nil
}

func (s *Service) CreateProposal(ctx context.Context, session Session, input CreateProposalInput) (map[string]any, error) {
	if err := s.require(session, rbac.ActionPropose); err != nil {
		return nil, err
	}
	title, description, category, err := validateProposalContent(input.Title, input.Description, input.Category)
	if err != nil {
		return nil, err
	}
	labels := ledger.CleanOptionLabels(input.Options)
	if len(labels) < ledger.MinOptions {
		return nil, errValidation("A proposal needs at least two options.")
	}
	options := make([]store.ProposalOption, 0, len(labels))
	for i, label := range labels {
		options = append(options, store.ProposalOption{ID: ledger.OptionID(i + 1), Label: label})
	}

	now := s.now()
	proposal := store.Proposal{
		ID:          util.NewID("prop"),
		Title:       title,
		Description: description,
		Category:    category,
		Options:     options,
		Status:      store.ProposalActive,
		CreatedBy:   session.MemberID,
		CreatorName: session.MemberName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProposal(ctx, proposal); err != nil {
		return nil, err
	}
	created, err := s.store.GetProposal(ctx, proposal.ID)
	if err != nil {
		return nil, err
	}
	s.search.Index(proposalSearchRecord(created))
	s.bus.Notify(ctx, events.TopicProposals)

	size, err := s.whitelistSize(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"proposal": proposalPayload(created, size)}, nil
}

func validateProposalContent(title, description, category string) (string, string, string, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	category = strings.TrimSpace(category)
	if title == "" {
		return "", "", "", errValidation("Title is required.")
	}
	if description == "" {
		return "", "", "", errValidation("Description is required.")
	}
	if category == "" {
		category = ledger.CategoryGeneral
	}
	if !ledger.ValidCategory(category) {
		return "", "", "", errValidation("Unknown category.")
	}
	return title, description, category, nil
}

// ownedProposal loads a proposal the session may manage: admins manage
// every proposal, members only their own.
func (s *Service) ownedProposal(ctx context.Context, session Session, proposalID string) (store.Proposal, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return store.Proposal{}, err
	}
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	if !s.Can(session.Role, rbac.ActionAdmin) && proposal.CreatedBy != session.MemberID {
		return store.Proposal{}, errForbidden()
	}
	return proposal, nil
}

// UpdateProposal replaces a proposal's content. Removing an option that
// holds votes forfeits them and needs ConfirmForfeit.
func (s *Service) UpdateProposal(ctx context.Context, session Session, proposalID string, input UpdateProposalInput) (map[string]any, error) {
	if _, err := s.ownedProposal(ctx, session, proposalID); err != nil {
		return nil, err
	}
	title, description, category, err := validateProposalContent(input.Title, input.Description, input.Category)
	if err != nil {
		return nil, err
	}
	options := make([]store.ProposalOption, 0, len(input.Options))
	for _, option := range input.Options {
		label := strings.TrimSpace(option.Label)
		if label == "" {
			continue
		}
		options = append(options, store.ProposalOption{ID: strings.TrimSpace(option.ID), Label: label})
	}
	if len(options) < ledger.MinOptions {
		return nil, errValidation("A proposal needs at least two options.")
	}

	updated, err := s.store.UpdateProposalContent(ctx, proposalID, store.ProposalEdit{
		Title:          title,
		Description:    description,
		Category:       category,
		Options:        options,
		ConfirmForfeit: input.ConfirmForfeit,
	})
	if err != nil {
		return nil, err
	}
	s.recordProposal(updated, gitrepo.EventEdited, session)
	s.search.Index(proposalSearchRecord(updated))
	s.bus.Notify(ctx, events.TopicProposals)

	size, err := s.whitelistSize(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"proposal": proposalPayload(updated, size)}, nil
}

func (s *Service) ArchiveProposal(ctx context.Context, session Session, proposalID string, confirm bool) (map[string]any, error) {
	if _, err := s.ownedProposal(ctx, session, proposalID); err != nil {
		return nil, err
	}
	if !confirm {
		return nil, errConfirmationRequired("Archiving closes the proposal to further ballots.")
	}
	archived, err := s.store.SetProposalStatus(ctx, proposalID, store.ProposalActive, store.ProposalArchived)
	if err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			return nil, domainError(http.StatusConflict, "PRECONDITION_FAILED", "Only active proposals can be archived.", nil)
		}
		return nil, err
	}
	s.recordProposal(archived, gitrepo.EventArchived, session)
	s.search.Index(proposalSearchRecord(archived))
	s.bus.Notify(ctx, events.TopicProposals)

	size, err := s.whitelistSize(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"proposal": proposalPayload(archived, size)}, nil
}

func (s *Service) DeleteProposal(ctx context.Context, session Session, proposalID string, confirm bool) (map[string]any, error) {
	proposal, err := s.ownedProposal(ctx, session, proposalID)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return nil, errConfirmationRequired("Deleting a proposal removes it and its ballots permanently.")
	}
	if err := s.store.DeleteProposal(ctx, proposalID); err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			return nil, domainError(http.StatusConflict, "PRECONDITION_FAILED", "Archive the proposal before deleting it.", nil)
		}
		return nil, err
	}
	proposal.Status = store.ProposalDeleted
	s.recordProposal(proposal, gitrepo.EventDeleted, session)
	s.search.Delete(search.ResultProposal, proposalID)
	s.bus.Notify(ctx, events.TopicProposals)
	return map[string]any{"deleted": true, "id": proposalID}, nil
}

// CastBallot records the member's one ballot on a proposal. A second ballot
// is not an error: nothing is written and recorded is false.
func (s *Service) CastBallot(ctx context.Context, session Session, proposalID string, input BallotInput) (map[string]any, error) {
	if err := s.require(session, rbac.ActionVote); err != nil {
		return nil, err
	}
	optionID := strings.TrimSpace(input.OptionID)
	motionValue := strings.TrimSpace(input.Motion)
	if (optionID == "") == (motionValue == "") {
		return nil, errValidation("Choose exactly one option or motion.")
	}
	ballot := store.Ballot{
		MemberID:   session.MemberID,
		ProposalID: proposalID,
		OptionID:   optionID,
		CastAt:     s.now(),
	}
	if motionValue != "" {
		motion, ok := ledger.ParseMotion(motionValue)
		if !ok {
			return nil, errValidation("Motion must be abstain, quash or defer.")
		}
		ballot.Motion = string(motion)
	}

	recorded := true
	proposal, err := s.store.CastBallot(ctx, ballot)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadyVoted):
		recorded = false
		proposal, err = s.store.GetProposal(ctx, proposalID)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, store.ErrPrecondition):
		return nil, domainError(http.StatusConflict, "PRECONDITION_FAILED", "Ballots are only accepted on active proposals.", nil)
	case errors.Is(err, store.ErrInvalidChoice):
		return nil, errValidation("The proposal has no such option.")
	default:
		return nil, err
	}
	s.metrics.Ballot(recorded)
	if recorded {
		s.bus.Notify(ctx, events.TopicProposals)
		s.bus.Notify(ctx, events.TopicMembers)
	}

	size, err := s.whitelistSize(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"recorded": recorded, "proposal": proposalPayload(proposal, size)}, nil
}

// AdjustPriority moves a proposal's priority score by one step without
// recording a member vote.
func (s *Service) AdjustPriority(ctx context.Context, session Session, proposalID, direction string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionVote); err != nil {
		return nil, err
	}
	parsed, err := ledger.ParseDirection(direction)
	if err != nil {
		return nil, errValidation("Direction must be up or down.")
	}
	proposal, err := s.store.AdjustProposalPriority(ctx, proposalID, parsed.Value())
	if err != nil {
		return nil, err
	}
	s.bus.Notify(ctx, events.TopicProposals)
	size, err := s.whitelistSize(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"proposal": proposalPayload(proposal, size)}, nil
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":         comment.ID,
		"proposalId": comment.ProposalID,
		"authorId":   comment.AuthorID,
		"authorName": comment.AuthorName,
		"text":       comment.Text,
		"createdAt":  formatTime(comment.CreatedAt),
	}
}

func (s *Service) ListComments(ctx context.Context, session Session, proposalID string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	comments, err := s.commentList(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"comments": comments}, nil
}

func (s *Service) commentList(ctx context.Context, proposalID string) ([]map[string]any, error) {
	comments, err := s.store.ListComments(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return items, nil
}

func (s *Service) AddComment(ctx context.Context, session Session, proposalID string, input CommentInput) (map[string]any, error) {
	if err := s.require(session, rbac.ActionComment); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, errValidation("Comment text is required.")
	}
	if len(text) > maxCommentLength {
		return nil, errValidation("Comment is too long.")
	}
	comment := store.Comment{
		ID:         util.NewTimeID("cmt"),
		ProposalID: proposalID,
		AuthorID:   session.MemberID,
		AuthorName: session.MemberName,
		Text:       text,
		CreatedAt:  s.now(),
	}
	if err := s.store.AddComment(ctx, comment); err != nil {
		return nil, err
	}
	s.bus.Notify(ctx, events.CommentsTopic(proposalID))
	return map[string]any{"comment": commentPayload(comment)}, nil
}

// ProposalRecords lists the archived records of a proposal, or returns a
// single record when hash is set.
func (s *Service) ProposalRecords(ctx context.Context, session Session, proposalID, hash string, limit int) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.records == nil {
		return nil, domainError(http.StatusServiceUnavailable, "RECORDS_UNAVAILABLE", "Records archive is not configured.", nil)
	}
	if hash != "" {
		record, err := s.records.Read(proposalID, hash)
		if err != nil {
			return nil, err
		}
		return map[string]any{"record": record}, nil
	}
	entries, err := s.records.History(proposalID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"proposalId": proposalID, "records": entries}, nil
}

func (s *Service) ExportProposal(ctx context.Context, session Session, req export.Request) (*export.Result, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, req)
}

// exportSource adapts the data store to the report exporter.
type exportSource struct {
	store dataStore
}

func (e exportSource) ProposalInfo(ctx context.Context, id string) (export.ProposalInfo, error) {
	p, err := e.store.GetProposal(ctx, id)
	if err != nil {
		return export.ProposalInfo{}, err
	}
	info := export.ProposalInfo{
		ID:            p.ID,
		Title:         p.Title,
		Description:   p.Description,
		Category:      p.Category,
		Status:        p.Status,
		CreatorName:   p.CreatorName,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
		TotalVotes:    p.TotalVotes,
		PriorityScore: p.PriorityScore,
	}
	for _, option := range p.Options {
		info.Options = append(info.Options, export.TallyLine{Label: option.Label, Votes: option.Votes})
	}
	for _, motion := range ledger.Motions {
		info.Motions = append(info.Motions, export.TallyLine{Label: string(motion), Votes: p.AdvancedVotes[string(motion)]})
	}
	return info, nil
}

func (e exportSource) ProposalComments(ctx context.Context, id string) ([]export.CommentInfo, error) {
	comments, err := e.store.ListComments(ctx, id)
	if err != nil {
		return nil, err
	}
	items := make([]export.CommentInfo, 0, len(comments))
	for _, comment := range comments {
		items = append(items, export.CommentInfo{Author: comment.AuthorName, Text: comment.Text, CreatedAt: comment.CreatedAt})
	}
	return items, nil
}

func (e exportSource) WhitelistSize(ctx context.Context) (int, error) {
	return e.store.CountWhitelist(ctx)
}
