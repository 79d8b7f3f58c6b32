package store

import "time"

const (
	ProposalActive   = "active"
	ProposalArchived = "archived"
	// ProposalDeleted is only ever written to the records archive; deleted
	// proposals leave the store.
	ProposalDeleted  = "deleted"

	FundingActive = "active"

	TargetProposal = "proposal"
	TargetFunding  = "funding"
)

type WhitelistEntry struct {
	Email   string
	Role    string
	AddedBy string
	AddedAt time.Time
}

// Member is a signed-in participant. Role is projected from the whitelist
// entry for Email and is empty when that entry no longer exists.
type Member struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    string
	Role        string
	HasVoted    bool
	JoinedAt    time.Time
	LastLogin   time.Time
}

type ProposalOption struct {
	ID    string
	Label string
	Votes int
}

type Proposal struct {
	ID            string
	Title         string
	Description   string
	Category      string
	Options       []ProposalOption
	AdvancedVotes map[string]int
	TotalVotes    int
	PriorityScore int
	Status        string
	CreatedBy     string
	CreatorName   string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// NextOptionIndex is the index the next added option receives. It only
	// grows, so ids of removed options stay retired.
	NextOptionIndex int
}

// OptionVotes sums the option tallies.
func (p Proposal) OptionVotes() int {
	total := 0
	for _, option := range p.Options {
		total += option.Votes
	}
	return total
}

// MotionVotes sums the special motion tallies.
func (p Proposal) MotionVotes() int {
	total := 0
	for _, count := range p.AdvancedVotes {
		total += count
	}
	return total
}

func (p Proposal) Option(id string) (ProposalOption, bool) {
	for _, option := range p.Options {
		if option.ID == id {
			return option, true
		}
	}
	return ProposalOption{}, false
}

// ProposalEdit replaces a proposal's content. Options with an ID keep their
// tally; options without one are appended with fresh ids.
type ProposalEdit struct {
	Title          string
	Description    string
	Category       string
	Options        []ProposalOption
	ConfirmForfeit bool
}

type ProposalFilter struct {
	Category string
	Status   string
	Limit    int
}

// Ballot records that a member has acted on a proposal. Exactly one of
// OptionID and Motion is set.
type Ballot struct {
	ID          string
	MemberID    string
	ProposalID  string
	OptionID    string
	Motion      string
	CastAt      time.Time
	ForfeitedAt *time.Time
}

type Comment struct {
	ID         string
	ProposalID string
	AuthorID   string
	AuthorName string
	Text       string
	CreatedAt  time.Time
}

type FundingItem struct {
	ID               string
	Title            string
	Description      string
	Category         string
	TargetAmount     int64
	CurrentCommitted int64
	PriorityScore    int
	Status           string
	CreatedBy        string
	CreatedAt        time.Time
}

type Commitment struct {
	MemberID  string
	ItemID    string
	Amount    int64
	UpdatedAt time.Time
}

// CommitResult reports the effect of overwriting a commitment.
type CommitResult struct {
	Item     FundingItem
	Previous int64
	Delta    int64
}

type PriorityTarget struct {
	Kind string
	ID   string
}

type PriorityVote struct {
	MemberID  string
	Target    PriorityTarget
	Direction string
	UpdatedAt time.Time
}

// PriorityResult reports the effect of a priority vote command.
type PriorityResult struct {
	Vote  PriorityVote
	Delta int
	Score int
}

type VaultItem struct {
	ID          string
	Title       string
	Description string
	Category    string
	FileName    string
	FileURL     string
	StoragePath string
	FileSize    int64
	ContentType string
	UploadedBy  string
	UploadedAt  time.Time
}

// ResetReport summarizes the effect of resetting one proposal's tallies.
type ResetReport struct {
	ProposalID     string
	BallotsRemoved int
}
