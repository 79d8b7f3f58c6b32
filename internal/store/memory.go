package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"conclave/api/internal/ledger"
)

type ballotKey struct {
	memberID   string
	proposalID string
}

type commitmentKey struct {
	memberID string
	itemID   string
}

type priorityKey struct {
	memberID string
	kind     string
	id       string
}

type refreshRecord struct {
	memberID  string
	expiresAt time.Time
	revoked   bool
}

// MemoryStore is an in-process implementation of the ledger store. Every
// command runs under a single mutex, which gives it the same all-or-nothing
// behaviour the Postgres store gets from transactions. Reads return copies.
type MemoryStore struct {
	mu sync.Mutex

	seeded      bool
	whitelist   map[string]WhitelistEntry
	members     map[string]Member
	proposals   map[string]Proposal
	ballots     map[ballotKey]Ballot
	comments    map[string][]Comment
	funding     map[string]FundingItem
	commitments map[commitmentKey]Commitment
	priority    map[priorityKey]PriorityVote
	vault       map[string]VaultItem
	refresh     map[string]refreshRecord
	revoked     map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		whitelist:   make(map[string]WhitelistEntry),
		members:     make(map[string]Member),
		proposals:   make(map[string]Proposal),
		ballots:     make(map[ballotKey]Ballot),
		comments:    make(map[string][]Comment),
		funding:     make(map[string]FundingItem),
		commitments: make(map[commitmentKey]Commitment),
		priority:    make(map[priorityKey]PriorityVote),
		vault:       make(map[string]VaultItem),
		refresh:     make(map[string]refreshRecord),
		revoked:     make(map[string]time.Time),
	}
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneProposal(p Proposal) Proposal {
	out := p
	out.Options = append([]ProposalOption(nil), p.Options...)
	out.AdvancedVotes = make(map[string]int, len(p.AdvancedVotes))
	for k, v := range p.AdvancedVotes {
		out.AdvancedVotes[k] = v
	}
	return out
}

func (m *MemoryStore) SeedWhitelistIfEmpty(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seeded || len(m.whitelist) > 0 {
		return false, nil
	}
	m.seeded = true
	m.whitelist[email] = WhitelistEntry{Email: email, Role: string(ledger.RoleAdmin), AddedBy: "seed", AddedAt: time.Now().UTC()}
	return true, nil
}

func (m *MemoryStore) GetWhitelistEntry(_ context.Context, email string) (WhitelistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.whitelist[email]
	if !ok {
		return WhitelistEntry{}, ErrNotFound
	}
	return entry, nil
}

func (m *MemoryStore) ListWhitelist(context.Context) ([]WhitelistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]WhitelistEntry, 0, len(m.whitelist))
	for _, entry := range m.whitelist {
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].AddedAt.Equal(items[j].AddedAt) {
			return items[i].Email < items[j].Email
		}
		return items[i].AddedAt.Before(items[j].AddedAt)
	})
	return items, nil
}

func (m *MemoryStore) CountWhitelist(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.whitelist), nil
}

func (m *MemoryStore) AddWhitelistEntry(_ context.Context, entry WhitelistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.whitelist[entry.Email]; ok {
		return ErrAlreadyExists
	}
	m.whitelist[entry.Email] = entry
	return nil
}

func (m *MemoryStore) UpdateWhitelistRole(_ context.Context, email, role string) (WhitelistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.whitelist[email]
	if !ok {
		return WhitelistEntry{}, ErrNotFound
	}
	entry.Role = role
	m.whitelist[email] = entry
	return entry, nil
}

func (m *MemoryStore) RemoveWhitelistEntry(_ context.Context, email string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.whitelist[email]; !ok {
		return nil, ErrNotFound
	}
	delete(m.whitelist, email)
	ids := make([]string, 0)
	for id, member := range m.members {
		if member.Email == email {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// projectMember fills the role from the whitelist. Callers hold m.mu.
func (m *MemoryStore) projectMember(member Member) Member {
	member.Role = m.whitelist[member.Email].Role
	return member
}

func (m *MemoryStore) EnsureMember(_ context.Context, member Member) (Member, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.members[member.ID]
	if ok {
		existing.DisplayName = member.DisplayName
		existing.PhotoURL = member.PhotoURL
		existing.LastLogin = member.LastLogin
		m.members[member.ID] = existing
		return m.projectMember(existing), false, nil
	}
	created := Member{
		ID:          member.ID,
		Email:       member.Email,
		DisplayName: member.DisplayName,
		PhotoURL:    member.PhotoURL,
		JoinedAt:    member.LastLogin,
		LastLogin:   member.LastLogin,
	}
	m.members[member.ID] = created
	return m.projectMember(created), true, nil
}

func (m *MemoryStore) GetMember(_ context.Context, memberID string) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok {
		return Member{}, ErrNotFound
	}
	return m.projectMember(member), nil
}

func (m *MemoryStore) ListMembers(context.Context) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		items = append(items, m.projectMember(member))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].JoinedAt.Equal(items[j].JoinedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].JoinedAt.Before(items[j].JoinedAt)
	})
	return items, nil
}

func (m *MemoryStore) ListMemberIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.members))
	for id := range m.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) ClearMemberVoted(_ context.Context, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if member, ok := m.members[memberID]; ok {
		member.HasVoted = false
		m.members[memberID] = member
	}
	return nil
}

func (m *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, memberID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = refreshRecord{memberID: memberID, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.refresh[tokenHash]
	if !ok || record.revoked || !time.Now().Before(record.expiresAt) {
		return "", ErrNotFound
	}
	return record.memberID, nil
}

func (m *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.refresh[tokenHash]; ok {
		record.revoked = true
		m.refresh[tokenHash] = record
	}
	return nil
}

func (m *MemoryStore) RevokeMemberSessions(_ context.Context, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, record := range m.refresh {
		if record.memberID == memberID {
			record.revoked = true
			m.refresh[hash] = record
		}
	}
	return nil
}

func (m *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = exp
	return nil
}

func (m *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

func (m *MemoryStore) CreateProposal(_ context.Context, proposal Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[proposal.ID]; ok {
		return ErrAlreadyExists
	}
	stored := cloneProposal(proposal)
	for i := range stored.Options {
		stored.Options[i].Votes = 0
	}
	stored.NextOptionIndex = ledger.NextOptionIndex(optionIDs(stored.Options))
	stored.AdvancedVotes = emptyMotionTally()
	stored.TotalVotes = 0
	stored.PriorityScore = 0
	stored.UpdatedAt = proposal.CreatedAt
	m.proposals[proposal.ID] = stored
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, proposalID string) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return cloneProposal(proposal), nil
}

func (m *MemoryStore) ListProposals(_ context.Context, filter ProposalFilter) ([]Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Proposal, 0, len(m.proposals))
	for _, proposal := range m.proposals {
		if filter.Category != "" && proposal.Category != filter.Category {
			continue
		}
		if filter.Status != "" && proposal.Status != filter.Status {
			continue
		}
		items = append(items, cloneProposal(proposal))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].PriorityScore != items[j].PriorityScore {
			return items[i].PriorityScore > items[j].PriorityScore
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (m *MemoryStore) ListProposalIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.proposals))
	for id := range m.proposals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) UpdateProposalContent(_ context.Context, proposalID string, edit ProposalEdit) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	plan := planOptionEdit(proposal.Options, edit.Options, proposal.NextOptionIndex)
	if err := forfeitCheck(plan, edit.ConfirmForfeit); err != nil {
		return Proposal{}, err
	}

	now := time.Now().UTC()
	for _, removed := range plan.removed {
		for key, ballot := range m.ballots {
			if key.proposalID == proposalID && ballot.OptionID == removed.ID && ballot.ForfeitedAt == nil {
				at := now
				ballot.ForfeitedAt = &at
				m.ballots[key] = ballot
			}
		}
	}

	proposal = cloneProposal(proposal)
	proposal.Title = edit.Title
	proposal.Description = edit.Description
	proposal.Category = edit.Category
	proposal.Options = plan.next
	proposal.NextOptionIndex = plan.nextIndex
	proposal.TotalVotes -= plan.forfeitVotes
	proposal.UpdatedAt = now
	m.proposals[proposalID] = proposal
	return cloneProposal(proposal), nil
}

func (m *MemoryStore) SetProposalStatus(_ context.Context, proposalID, from, to string) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if proposal.Status != from {
		return Proposal{}, ErrPrecondition
	}
	proposal.Status = to
	proposal.UpdatedAt = time.Now().UTC()
	m.proposals[proposalID] = proposal
	return cloneProposal(proposal), nil
}

func (m *MemoryStore) DeleteProposal(_ context.Context, proposalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok {
		return ErrNotFound
	}
	if proposal.Status != ProposalArchived {
		return ErrPrecondition
	}
	delete(m.proposals, proposalID)
	delete(m.comments, proposalID)
	for key := range m.ballots {
		if key.proposalID == proposalID {
			delete(m.ballots, key)
		}
	}
	for key := range m.priority {
		if key.kind == TargetProposal && key.id == proposalID {
			delete(m.priority, key)
		}
	}
	return nil
}

func (m *MemoryStore) AdjustProposalPriority(_ context.Context, proposalID string, delta int) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	proposal.PriorityScore += delta
	m.proposals[proposalID] = proposal
	return cloneProposal(proposal), nil
}

func (m *MemoryStore) CastBallot(_ context.Context, ballot Ballot) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[ballot.ProposalID]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if proposal.Status != ProposalActive {
		return Proposal{}, ErrPrecondition
	}
	key := ballotKey{memberID: ballot.MemberID, proposalID: ballot.ProposalID}
	if _, exists := m.ballots[key]; exists {
		return Proposal{}, ErrAlreadyVoted
	}

	proposal = cloneProposal(proposal)
	if ballot.OptionID != "" {
		found := false
		for i := range proposal.Options {
			if proposal.Options[i].ID == ballot.OptionID {
				proposal.Options[i].Votes++
				found = true
				break
			}
		}
		if !found {
			return Proposal{}, ErrInvalidChoice
		}
	} else {
		if _, ok := proposal.AdvancedVotes[ballot.Motion]; !ok {
			return Proposal{}, ErrInvalidChoice
		}
		proposal.AdvancedVotes[ballot.Motion]++
	}
	proposal.TotalVotes++
	proposal.UpdatedAt = ballot.CastAt

	ballot.ID = ledger.BallotID(ballot.MemberID, ballot.ProposalID)
	m.ballots[key] = ballot
	m.proposals[ballot.ProposalID] = proposal
	if member, ok := m.members[ballot.MemberID]; ok {
		member.HasVoted = true
		m.members[ballot.MemberID] = member
	}
	return cloneProposal(proposal), nil
}

func (m *MemoryStore) GetBallot(_ context.Context, memberID, proposalID string) (Ballot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ballot, ok := m.ballots[ballotKey{memberID: memberID, proposalID: proposalID}]
	if !ok {
		return Ballot{}, ErrNotFound
	}
	return ballot, nil
}

func (m *MemoryStore) ListMemberBallots(_ context.Context, memberID string) ([]Ballot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Ballot, 0)
	for key, ballot := range m.ballots {
		if key.memberID == memberID {
			items = append(items, ballot)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CastAt.Before(items[j].CastAt) })
	return items, nil
}

func (m *MemoryStore) ResetProposalTallies(_ context.Context, proposalID string) (ResetReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok {
		return ResetReport{}, ErrNotFound
	}
	report := ResetReport{ProposalID: proposalID}
	for key := range m.ballots {
		if key.proposalID == proposalID {
			delete(m.ballots, key)
			report.BallotsRemoved++
		}
	}
	proposal = cloneProposal(proposal)
	for i := range proposal.Options {
		proposal.Options[i].Votes = 0
	}
	proposal.AdvancedVotes = emptyMotionTally()
	proposal.TotalVotes = 0
	proposal.UpdatedAt = time.Now().UTC()
	m.proposals[proposalID] = proposal
	return report, nil
}

func (m *MemoryStore) AddComment(_ context.Context, comment Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[comment.ProposalID]; !ok {
		return ErrNotFound
	}
	m.comments[comment.ProposalID] = append(m.comments[comment.ProposalID], comment)
	return nil
}

func (m *MemoryStore) ListComments(_ context.Context, proposalID string) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[proposalID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Comment{}, m.comments[proposalID]...), nil
}

func (m *MemoryStore) CreateFundingItem(_ context.Context, item FundingItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.funding[item.ID]; ok {
		return ErrAlreadyExists
	}
	m.funding[item.ID] = item
	return nil
}

func (m *MemoryStore) SeedFundingItem(_ context.Context, item FundingItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.funding) > 0 {
		return false, nil
	}
	m.funding[item.ID] = item
	return true, nil
}

func (m *MemoryStore) GetFundingItem(_ context.Context, itemID string) (FundingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.funding[itemID]
	if !ok {
		return FundingItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) ListFundingItems(context.Context) ([]FundingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]FundingItem, 0, len(m.funding))
	for _, item := range m.funding {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].PriorityScore != items[j].PriorityScore {
			return items[i].PriorityScore > items[j].PriorityScore
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (m *MemoryStore) Commit(_ context.Context, commitment Commitment) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.funding[commitment.ItemID]
	if !ok {
		return CommitResult{}, ErrNotFound
	}
	key := commitmentKey{memberID: commitment.MemberID, itemID: commitment.ItemID}
	previous := m.commitments[key].Amount
	delta := ledger.CommitmentDelta(previous, commitment.Amount)
	m.commitments[key] = commitment
	item.CurrentCommitted += delta
	m.funding[commitment.ItemID] = item
	return CommitResult{Item: item, Previous: previous, Delta: delta}, nil
}

func (m *MemoryStore) listCommitments(match func(commitmentKey) bool) []Commitment {
	items := make([]Commitment, 0)
	for key, commitment := range m.commitments {
		if match(key) && commitment.Amount > 0 {
			items = append(items, commitment)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.Before(items[j].UpdatedAt) })
	return items
}

func (m *MemoryStore) ListMemberCommitments(_ context.Context, memberID string) ([]Commitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCommitments(func(k commitmentKey) bool { return k.memberID == memberID }), nil
}

func (m *MemoryStore) ListItemCommitments(_ context.Context, itemID string) ([]Commitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCommitments(func(k commitmentKey) bool { return k.itemID == itemID }), nil
}

func (m *MemoryStore) ApplyPriorityVote(_ context.Context, memberID string, target PriorityTarget, requested ledger.Direction) (PriorityResult, error) {
	if _, err := priorityTable(target.Kind); err != nil {
		return PriorityResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var score *int
	switch target.Kind {
	case TargetProposal:
		proposal, ok := m.proposals[target.ID]
		if !ok {
			return PriorityResult{}, ErrNotFound
		}
		score = &proposal.PriorityScore
		defer func() { m.proposals[target.ID] = proposal }()
	case TargetFunding:
		item, ok := m.funding[target.ID]
		if !ok {
			return PriorityResult{}, ErrNotFound
		}
		score = &item.PriorityScore
		defer func() { m.funding[target.ID] = item }()
	}

	key := priorityKey{memberID: memberID, kind: target.Kind, id: target.ID}
	current := ledger.Direction(m.priority[key].Direction)
	next := ledger.Toggle(current, requested)
	delta := ledger.ScoreDelta(current, next)
	*score += delta

	vote := PriorityVote{MemberID: memberID, Target: target, Direction: string(next), UpdatedAt: time.Now().UTC()}
	m.priority[key] = vote
	return PriorityResult{Vote: vote, Delta: delta, Score: *score}, nil
}

func (m *MemoryStore) ListMemberPriorityVotes(_ context.Context, memberID string) ([]PriorityVote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]PriorityVote, 0)
	for key, vote := range m.priority {
		if key.memberID == memberID && vote.Direction != "" {
			items = append(items, vote)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.Before(items[j].UpdatedAt) })
	return items, nil
}

func (m *MemoryStore) InsertVaultItem(_ context.Context, item VaultItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vault[item.ID] = item
	return nil
}

func (m *MemoryStore) GetVaultItem(_ context.Context, id string) (VaultItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.vault[id]
	if !ok {
		return VaultItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) ListVaultItems(context.Context) ([]VaultItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]VaultItem, 0, len(m.vault))
	for _, item := range m.vault {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UploadedAt.After(items[j].UploadedAt) })
	return items, nil
}

func (m *MemoryStore) DeleteVaultItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vault[id]; !ok {
		return ErrNotFound
	}
	delete(m.vault, id)
	return nil
}
