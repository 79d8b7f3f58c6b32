package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"conclave/api/internal/ledger"
)

// ledgerStore is the method set both store implementations share.
type ledgerStore interface {
	SeedWhitelistIfEmpty(context.Context, string) (bool, error)
	GetWhitelistEntry(context.Context, string) (WhitelistEntry, error)
	CountWhitelist(context.Context) (int, error)
	AddWhitelistEntry(context.Context, WhitelistEntry) error
	UpdateWhitelistRole(context.Context, string, string) (WhitelistEntry, error)
	RemoveWhitelistEntry(context.Context, string) ([]string, error)
	EnsureMember(context.Context, Member) (Member, bool, error)
	GetMember(context.Context, string) (Member, error)
	CreateProposal(context.Context, Proposal) error
	GetProposal(context.Context, string) (Proposal, error)
	UpdateProposalContent(context.Context, string, ProposalEdit) (Proposal, error)
	SetProposalStatus(context.Context, string, string, string) (Proposal, error)
	DeleteProposal(context.Context, string) error
	CastBallot(context.Context, Ballot) (Proposal, error)
	GetBallot(context.Context, string, string) (Ballot, error)
	ResetProposalTallies(context.Context, string) (ResetReport, error)
	AddComment(context.Context, Comment) error
	ListComments(context.Context, string) ([]Comment, error)
	SeedFundingItem(context.Context, FundingItem) (bool, error)
	CreateFundingItem(context.Context, FundingItem) error
	GetFundingItem(context.Context, string) (FundingItem, error)
	Commit(context.Context, Commitment) (CommitResult, error)
	ApplyPriorityVote(context.Context, string, PriorityTarget, ledger.Direction) (PriorityResult, error)
}

type storeFactory struct {
	name string
	open func(t *testing.T) ledgerStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(*testing.T) ledgerStore { return NewMemoryStore() }},
		{name: "postgres", open: openPostgresForTest},
	}
}

func openPostgresForTest(t *testing.T) ledgerStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CONCLAVE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CONCLAVE_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func eachStore(t *testing.T, fn func(t *testing.T, s ledgerStore)) {
	for _, factory := range storeFactories() {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			fn(t, factory.open(t))
		})
	}
}

func seedProposal(t *testing.T, s ledgerStore, id string, labels ...string) Proposal {
	t.Helper()
	options := make([]ProposalOption, 0, len(labels))
	for i, label := range labels {
		options = append(options, ProposalOption{ID: ledger.OptionID(i + 1), Label: label})
	}
	proposal := Proposal{
		ID:          id,
		Title:       "Fund the library wing",
		Description: "Allocate the next grant round.",
		Category:    ledger.CategoryEducation,
		Options:     options,
		Status:      ProposalActive,
		CreatedBy:   "member-admin",
		CreatorName: "Admin",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateProposal(context.Background(), proposal); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return proposal
}

func seedMember(t *testing.T, s ledgerStore, id, email string) {
	t.Helper()
	if _, _, err := s.EnsureMember(context.Background(), Member{ID: id, Email: email, DisplayName: id, LastLogin: time.Now().UTC()}); err != nil {
		t.Fatalf("ensure member %s: %v", id, err)
	}
}

func assertTallyInvariant(t *testing.T, p Proposal) {
	t.Helper()
	if got := p.OptionVotes() + p.MotionVotes(); got != p.TotalVotes {
		t.Fatalf("tally invariant broken: options+motions=%d totalVotes=%d", got, p.TotalVotes)
	}
}

func TestSeedWhitelistOnceUnderConcurrency(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		var wg sync.WaitGroup
		var seeded atomic.Int32
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.SeedWhitelistIfEmpty(ctx, fmt.Sprintf("founder%d@example.org", i))
				if err != nil {
					t.Errorf("seed %d: %v", i, err)
					return
				}
				if ok {
					seeded.Add(1)
				}
			}(i)
		}
		wg.Wait()

		if seeded.Load() != 1 {
			t.Fatalf("expected exactly one seed, got %d", seeded.Load())
		}
		count, err := s.CountWhitelist(ctx)
		if err != nil {
			t.Fatalf("count whitelist: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected one whitelist entry, got %d", count)
		}

		ok, err := s.SeedWhitelistIfEmpty(ctx, "late@example.org")
		if err != nil || ok {
			t.Fatalf("expected no seed once populated, got %v %v", ok, err)
		}
	})
}

func TestCastBallotOncePerMember(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		seedProposal(t, s, "p1", "Yes", "No")
		seedMember(t, s, "m1", "m1@example.org")

		updated, err := s.CastBallot(ctx, Ballot{MemberID: "m1", ProposalID: "p1", OptionID: "opt1", CastAt: time.Now().UTC()})
		if err != nil {
			t.Fatalf("cast ballot: %v", err)
		}
		if updated.TotalVotes != 1 || updated.Options[0].Votes != 1 {
			t.Fatalf("unexpected tallies after ballot: %+v", updated)
		}

		_, err = s.CastBallot(ctx, Ballot{MemberID: "m1", ProposalID: "p1", Motion: string(ledger.MotionAbstain), CastAt: time.Now().UTC()})
		if !errors.Is(err, ErrAlreadyVoted) {
			t.Fatalf("expected ErrAlreadyVoted, got %v", err)
		}

		proposal, err := s.GetProposal(ctx, "p1")
		if err != nil {
			t.Fatalf("get proposal: %v", err)
		}
		if proposal.TotalVotes != 1 || proposal.AdvancedVotes[string(ledger.MotionAbstain)] != 0 {
			t.Fatalf("duplicate ballot changed tallies: %+v", proposal)
		}
		assertTallyInvariant(t, proposal)

		member, err := s.GetMember(ctx, "m1")
		if err != nil {
			t.Fatalf("get member: %v", err)
		}
		if !member.HasVoted {
			t.Fatal("expected member to be marked as voted")
		}
	})
}

func TestConcurrentBallotsKeepTallyInvariant(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		seedProposal(t, s, "p1", "Yes", "No", "Later")

		const members = 40
		for i := 0; i < members; i++ {
			seedMember(t, s, fmt.Sprintf("m%d", i), fmt.Sprintf("m%d@example.org", i))
		}

		var wg sync.WaitGroup
		var duplicates atomic.Int32
		for i := 0; i < members; i++ {
			for attempt := 0; attempt < 2; attempt++ {
				wg.Add(1)
				go func(i, attempt int) {
					defer wg.Done()
					ballot := Ballot{MemberID: fmt.Sprintf("m%d", i), ProposalID: "p1", CastAt: time.Now().UTC()}
					switch i % 4 {
					case 3:
						ballot.Motion = string(ledger.MotionDefer)
					default:
						ballot.OptionID = ledger.OptionID(i%3 + 1)
					}
					if attempt == 1 {
						ballot.OptionID = "opt1"
						ballot.Motion = ""
					}
					_, err := s.CastBallot(ctx, ballot)
					if errors.Is(err, ErrAlreadyVoted) {
						duplicates.Add(1)
						return
					}
					if err != nil {
						t.Errorf("cast ballot for m%d: %v", i, err)
					}
				}(i, attempt)
			}
		}
		wg.Wait()

		proposal, err := s.GetProposal(ctx, "p1")
		if err != nil {
			t.Fatalf("get proposal: %v", err)
		}
		if proposal.TotalVotes != members {
			t.Fatalf("expected %d votes, got %d", members, proposal.TotalVotes)
		}
		if duplicates.Load() != members {
			t.Fatalf("expected %d rejected duplicates, got %d", members, duplicates.Load())
		}
		assertTallyInvariant(t, proposal)
	})
}

func TestCastBallotPreconditions(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		seedProposal(t, s, "p1", "Yes", "No")

		if _, err := s.CastBallot(ctx, Ballot{MemberID: "m1", ProposalID: "p1", OptionID: "opt9", CastAt: time.Now().UTC()}); !errors.Is(err, ErrInvalidChoice) {
			t.Fatalf("expected ErrInvalidChoice, got %v", err)
		}
		if _, err := s.GetBallot(ctx, "m1", "p1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("rejected ballot must not be stored, got %v", err)
		}

		if _, err := s.CastBallot(ctx, Ballot{MemberID: "m1", ProposalID: "missing", OptionID: "opt1", CastAt: time.Now().UTC()}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		if _, err := s.SetProposalStatus(ctx, "p1", ProposalActive, ProposalArchived); err != nil {
			t.Fatalf("archive: %v", err)
		}
		if _, err := s.CastBallot(ctx, Ballot{MemberID: "m1", ProposalID: "p1", OptionID: "opt1", CastAt: time.Now().UTC()}); !errors.Is(err, ErrPrecondition) {
			t.Fatalf("expected ErrPrecondition on archived proposal, got %v", err)
		}
	})
}

func TestCommitOverwritesAndAppliesDelta(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		if err := s.CreateFundingItem(ctx, FundingItem{ID: "f1", Title: "Clinic", Category: ledger.CategoryHealth, TargetAmount: 10000, Status: FundingActive, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("create funding item: %v", err)
		}

		steps := []struct {
			member    string
			amount    int64
			delta     int64
			committed int64
		}{
			{member: "m1", amount: 500, delta: 500, committed: 500},
			{member: "m1", amount: 500, delta: 0, committed: 500},
			{member: "m1", amount: 200, delta: -300, committed: 200},
			{member: "m2", amount: 1000, delta: 1000, committed: 1200},
			{member: "m1", amount: 0, delta: -200, committed: 1000},
		}
		for i, step := range steps {
			result, err := s.Commit(ctx, Commitment{MemberID: step.member, ItemID: "f1", Amount: step.amount, UpdatedAt: time.Now().UTC()})
			if err != nil {
				t.Fatalf("step %d commit: %v", i, err)
			}
			if result.Delta != step.delta {
				t.Fatalf("step %d: expected delta %d, got %d", i, step.delta, result.Delta)
			}
			if result.Item.CurrentCommitted != step.committed {
				t.Fatalf("step %d: expected committed %d, got %d", i, step.committed, result.Item.CurrentCommitted)
			}
		}

		if _, err := s.Commit(ctx, Commitment{MemberID: "m1", ItemID: "missing", Amount: 5, UpdatedAt: time.Now().UTC()}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown item, got %v", err)
		}
	})
}

func TestConcurrentCommitsCommute(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		if err := s.CreateFundingItem(ctx, FundingItem{ID: "f1", Title: "Scholarships", Category: ledger.CategoryEducation, TargetAmount: 100000, Status: FundingActive, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("create funding item: %v", err)
		}

		const members = 25
		var wg sync.WaitGroup
		for i := 0; i < members; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				member := fmt.Sprintf("m%d", i)
				for _, amount := range []int64{100, 300, int64(10 * (i + 1))} {
					if _, err := s.Commit(ctx, Commitment{MemberID: member, ItemID: "f1", Amount: amount, UpdatedAt: time.Now().UTC()}); err != nil {
						t.Errorf("commit %s: %v", member, err)
						return
					}
				}
			}(i)
		}
		wg.Wait()

		item, err := s.GetFundingItem(ctx, "f1")
		if err != nil {
			t.Fatalf("get funding item: %v", err)
		}
		var want int64
		for i := 0; i < members; i++ {
			want += int64(10 * (i + 1))
		}
		if item.CurrentCommitted != want {
			t.Fatalf("expected committed %d, got %d", want, item.CurrentCommitted)
		}
	})
}

func TestPriorityVoteToggle(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		if err := s.CreateFundingItem(ctx, FundingItem{ID: "f1", Title: "Wells", Category: ledger.CategoryEnvironment, TargetAmount: 5000, Status: FundingActive, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("create funding item: %v", err)
		}
		target := PriorityTarget{Kind: TargetFunding, ID: "f1"}

		steps := []struct {
			direction ledger.Direction
			delta     int
			score     int
			state     string
		}{
			{direction: ledger.DirectionUp, delta: 1, score: 1, state: "up"},
			{direction: ledger.DirectionDown, delta: -2, score: -1, state: "down"},
			{direction: ledger.DirectionDown, delta: 1, score: 0, state: ""},
		}
		for i, step := range steps {
			result, err := s.ApplyPriorityVote(ctx, "m1", target, step.direction)
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			if result.Delta != step.delta || result.Score != step.score || result.Vote.Direction != step.state {
				t.Fatalf("step %d: got delta=%d score=%d state=%q", i, result.Delta, result.Score, result.Vote.Direction)
			}
		}

		if _, err := s.ApplyPriorityVote(ctx, "m1", PriorityTarget{Kind: TargetFunding, ID: "missing"}, ledger.DirectionUp); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestConcurrentPriorityVotesSumToScore(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		seedProposal(t, s, "p1", "Yes", "No")
		target := PriorityTarget{Kind: TargetProposal, ID: "p1"}

		const members = 30
		var wg sync.WaitGroup
		for i := 0; i < members; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				member := fmt.Sprintf("m%d", i)
				directions := []ledger.Direction{ledger.DirectionUp}
				if i%3 == 0 {
					directions = []ledger.Direction{ledger.DirectionUp, ledger.DirectionDown}
				}
				for _, d := range directions {
					if _, err := s.ApplyPriorityVote(ctx, member, target, d); err != nil {
						t.Errorf("priority vote %s: %v", member, err)
					}
				}
			}(i)
		}
		wg.Wait()

		proposal, err := s.GetProposal(ctx, "p1")
		if err != nil {
			t.Fatalf("get proposal: %v", err)
		}
		down := members / 3
		want := (members - down) - down
		if proposal.PriorityScore != want {
			t.Fatalf("expected score %d, got %d", want, proposal.PriorityScore)
		}
	})
}

func TestEditForfeitsVotesOnlyWhenConfirmed(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		seedProposal(t, s, "p1", "Yes", "No", "Maybe")
		for i, option := range []string{"opt1", "opt2", "opt2"} {
			member := fmt.Sprintf("m%d", i)
			if _, err := s.CastBallot(ctx, Ballot{MemberID: member, ProposalID: "p1", OptionID: option, CastAt: time.Now().UTC()}); err != nil {
				t.Fatalf("cast ballot: %v", err)
			}
		}

		edit := ProposalEdit{
			Title:       "Fund the library wing (revised)",
			Description: "Revised scope.",
			Category:    ledger.CategoryEducation,
			Options:     []ProposalOption{{ID: "opt1", Label: "Yes"}, {ID: "opt3", Label: "Maybe later"}, {Label: "Split"}},
		}
		_, err := s.UpdateProposalContent(ctx, "p1", edit)
		var forfeit *ForfeitError
		if !errors.As(err, &forfeit) {
			t.Fatalf("expected ForfeitError, got %v", err)
		}
		if forfeit.Votes != 2 || len(forfeit.OptionIDs) != 1 || forfeit.OptionIDs[0] != "opt2" {
			t.Fatalf("unexpected forfeit details: %+v", forfeit)
		}

		edit.ConfirmForfeit = true
		updated, err := s.UpdateProposalContent(ctx, "p1", edit)
		if err != nil {
			t.Fatalf("confirmed edit: %v", err)
		}
		if updated.TotalVotes != 1 {
			t.Fatalf("expected forfeited votes to leave the total, got %d", updated.TotalVotes)
		}
		if len(updated.Options) != 3 || updated.Options[2].ID != "opt4" || updated.Options[1].Label != "Maybe later" {
			t.Fatalf("unexpected options after edit: %+v", updated.Options)
		}
		assertTallyInvariant(t, updated)

		ballot, err := s.GetBallot(ctx, "m1", "p1")
		if err != nil {
			t.Fatalf("get forfeited ballot: %v", err)
		}
		if ballot.ForfeitedAt == nil {
			t.Fatal("expected ballot to be marked forfeited")
		}
		if _, err := s.CastBallot(ctx, Ballot{MemberID: "m1", ProposalID: "p1", OptionID: "opt1", CastAt: time.Now().UTC()}); !errors.Is(err, ErrAlreadyVoted) {
			t.Fatalf("forfeited ballot must stay consumed, got %v", err)
		}
	})
}

func TestRemovedOptionIDsAreNeverReused(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		seedProposal(t, s, "p1", "A", "B", "C")
		if _, err := s.CastBallot(ctx, Ballot{MemberID: "m1", ProposalID: "p1", OptionID: "opt3", CastAt: time.Now().UTC()}); err != nil {
			t.Fatalf("cast ballot: %v", err)
		}

		kept := []ProposalOption{{ID: "opt1", Label: "A"}, {ID: "opt2", Label: "B"}}
		edit := ProposalEdit{Title: "Fund the library wing", Category: ledger.CategoryEducation, Options: kept, ConfirmForfeit: true}
		if _, err := s.UpdateProposalContent(ctx, "p1", edit); err != nil {
			t.Fatalf("remove opt3: %v", err)
		}

		edit.Options = append(kept, ProposalOption{Label: "Brand new D"})
		updated, err := s.UpdateProposalContent(ctx, "p1", edit)
		if err != nil {
			t.Fatalf("add option: %v", err)
		}
		if got := updated.Options[len(updated.Options)-1]; got.ID != "opt4" || got.Label != "Brand new D" {
			t.Fatalf("expected the new option to be opt4, got %+v", updated.Options)
		}
		if updated.NextOptionIndex != 5 {
			t.Fatalf("expected next option index 5, got %d", updated.NextOptionIndex)
		}

		ballot, err := s.GetBallot(ctx, "m1", "p1")
		if err != nil {
			t.Fatalf("get ballot: %v", err)
		}
		if ballot.OptionID != "opt3" || ballot.ForfeitedAt == nil {
			t.Fatalf("expected forfeited ballot on retired opt3, got %+v", ballot)
		}
		for _, option := range updated.Options {
			if option.ID == ballot.OptionID {
				t.Fatalf("retired id %s was handed to %q", option.ID, option.Label)
			}
		}
	})
}

func TestListCommentsUnknownProposal(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		if _, err := s.ListComments(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		seedProposal(t, s, "p1", "Yes", "No")
		comments, err := s.ListComments(ctx, "p1")
		if err != nil || len(comments) != 0 {
			t.Fatalf("expected no comments, got (%v, %v)", comments, err)
		}
		comment := Comment{ID: "c1", ProposalID: "p1", AuthorID: "m1", AuthorName: "Member", Text: "Looks good", CreatedAt: time.Now().UTC()}
		if err := s.AddComment(ctx, comment); err != nil {
			t.Fatalf("add comment: %v", err)
		}
		if comments, err = s.ListComments(ctx, "p1"); err != nil || len(comments) != 1 {
			t.Fatalf("expected one comment, got (%v, %v)", comments, err)
		}
	})
}

func TestResetProposalTalliesIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		seedProposal(t, s, "p1", "Yes", "No")
		if _, err := s.CastBallot(ctx, Ballot{MemberID: "m1", ProposalID: "p1", OptionID: "opt2", CastAt: time.Now().UTC()}); err != nil {
			t.Fatalf("cast ballot: %v", err)
		}
		if _, err := s.CastBallot(ctx, Ballot{MemberID: "m2", ProposalID: "p1", Motion: string(ledger.MotionQuash), CastAt: time.Now().UTC()}); err != nil {
			t.Fatalf("cast motion: %v", err)
		}

		report, err := s.ResetProposalTallies(ctx, "p1")
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if report.BallotsRemoved != 2 {
			t.Fatalf("expected two ballots removed, got %d", report.BallotsRemoved)
		}
		report, err = s.ResetProposalTallies(ctx, "p1")
		if err != nil || report.BallotsRemoved != 0 {
			t.Fatalf("second reset should be a no-op, got %+v %v", report, err)
		}

		proposal, err := s.GetProposal(ctx, "p1")
		if err != nil {
			t.Fatalf("get proposal: %v", err)
		}
		if proposal.TotalVotes != 0 || proposal.OptionVotes() != 0 || proposal.MotionVotes() != 0 {
			t.Fatalf("expected zeroed tallies, got %+v", proposal)
		}
		if _, err := s.CastBallot(ctx, Ballot{MemberID: "m1", ProposalID: "p1", OptionID: "opt1", CastAt: time.Now().UTC()}); err != nil {
			t.Fatalf("member should be able to vote again after reset: %v", err)
		}
	})
}

func TestDeleteProposalRequiresArchive(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		seedProposal(t, s, "p1", "Yes", "No")
		if err := s.DeleteProposal(ctx, "p1"); !errors.Is(err, ErrPrecondition) {
			t.Fatalf("expected ErrPrecondition deleting active proposal, got %v", err)
		}
		if _, err := s.SetProposalStatus(ctx, "p1", ProposalActive, ProposalArchived); err != nil {
			t.Fatalf("archive: %v", err)
		}
		if _, err := s.SetProposalStatus(ctx, "p1", ProposalActive, ProposalArchived); !errors.Is(err, ErrPrecondition) {
			t.Fatalf("expected ErrPrecondition archiving twice, got %v", err)
		}
		if err := s.DeleteProposal(ctx, "p1"); err != nil {
			t.Fatalf("delete archived proposal: %v", err)
		}
		if _, err := s.GetProposal(ctx, "p1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.DeleteProposal(ctx, "p1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
		}
	})
}

func TestWhitelistRoleIsProjectedOntoMember(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		if err := s.AddWhitelistEntry(ctx, WhitelistEntry{Email: "ana@example.org", Role: string(ledger.RoleMember), AddedBy: "admin@example.org", AddedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("add whitelist entry: %v", err)
		}
		if err := s.AddWhitelistEntry(ctx, WhitelistEntry{Email: "ana@example.org", Role: string(ledger.RoleMember), AddedAt: time.Now().UTC()}); !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}

		member, created, err := s.EnsureMember(ctx, Member{ID: "uid-ana", Email: "ana@example.org", DisplayName: "Ana", LastLogin: time.Now().UTC()})
		if err != nil || !created {
			t.Fatalf("ensure member: created=%v err=%v", created, err)
		}
		if member.Role != string(ledger.RoleMember) {
			t.Fatalf("expected member role, got %q", member.Role)
		}

		if _, err := s.UpdateWhitelistRole(ctx, "ana@example.org", string(ledger.RoleAdmin)); err != nil {
			t.Fatalf("update role: %v", err)
		}
		member, created, err = s.EnsureMember(ctx, Member{ID: "uid-ana", Email: "ana@example.org", DisplayName: "Ana B.", LastLogin: time.Now().UTC()})
		if err != nil || created {
			t.Fatalf("second ensure: created=%v err=%v", created, err)
		}
		if member.Role != string(ledger.RoleAdmin) || member.DisplayName != "Ana B." {
			t.Fatalf("unexpected member after role change: %+v", member)
		}

		ids, err := s.RemoveWhitelistEntry(ctx, "ana@example.org")
		if err != nil {
			t.Fatalf("remove whitelist entry: %v", err)
		}
		if len(ids) != 1 || ids[0] != "uid-ana" {
			t.Fatalf("expected removed member ids [uid-ana], got %v", ids)
		}
		member, err = s.GetMember(ctx, "uid-ana")
		if err != nil {
			t.Fatalf("get member: %v", err)
		}
		if member.Role != "" {
			t.Fatalf("expected no role after removal, got %q", member.Role)
		}
		if _, err := s.UpdateWhitelistRole(ctx, "ana@example.org", string(ledger.RoleMember)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSeedFundingItemOnlyWhenEmpty(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledgerStore) {
		ctx := context.Background()
		item := FundingItem{ID: "endowment-seed", Title: "Endowment", Category: ledger.CategoryTopPriority, TargetAmount: 1000000, PriorityScore: 100, Status: FundingActive, CreatedAt: time.Now().UTC()}
		ok, err := s.SeedFundingItem(ctx, item)
		if err != nil || !ok {
			t.Fatalf("first seed: ok=%v err=%v", ok, err)
		}
		ok, err = s.SeedFundingItem(ctx, item)
		if err != nil || ok {
			t.Fatalf("second seed should be skipped: ok=%v err=%v", ok, err)
		}
		stored, err := s.GetFundingItem(ctx, "endowment-seed")
		if err != nil {
			t.Fatalf("get seeded item: %v", err)
		}
		if stored.PriorityScore != 100 || stored.CurrentCommitted != 0 {
			t.Fatalf("unexpected seeded item: %+v", stored)
		}
	})
}
