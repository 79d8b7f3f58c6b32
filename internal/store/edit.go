package store

import (
	"strings"

	"conclave/api/internal/ledger"
)

// optionPlan is the outcome of applying an edited option list to the
// options a proposal currently carries.
type optionPlan struct {
	next         []ProposalOption
	removed      []ProposalOption
	forfeitVotes int
	nextIndex    int
}

func (p optionPlan) removedIDs() []string {
	ids := make([]string, 0, len(p.removed))
	for _, option := range p.removed {
		ids = append(ids, option.ID)
	}
	return ids
}

func optionIDs(options []ProposalOption) []string {
	ids := make([]string, 0, len(options))
	for _, option := range options {
		ids = append(ids, option.ID)
	}
	return ids
}

// planOptionEdit keeps the tally of every edited option whose id already
// exists, gives fresh ids to the rest and reports the options left out.
// New ids start at nextIndex, the proposal's high-water mark, so an id
// freed by an earlier edit is never handed out again and a ballot can only
// ever point at the option it was cast for.
func planOptionEdit(existing, edited []ProposalOption, nextIndex int) optionPlan {
	current := make(map[string]ProposalOption, len(existing))
	for _, option := range existing {
		current[option.ID] = option
	}

	if floor := ledger.NextOptionIndex(optionIDs(existing)); nextIndex < floor {
		nextIndex = floor
	}
	kept := make(map[string]struct{}, len(edited))
	plan := optionPlan{next: make([]ProposalOption, 0, len(edited))}
	for _, option := range edited {
		label := strings.TrimSpace(option.Label)
		if label == "" {
			continue
		}
		if prior, ok := current[option.ID]; ok && option.ID != "" {
			if _, dup := kept[option.ID]; !dup {
				kept[option.ID] = struct{}{}
				plan.next = append(plan.next, ProposalOption{ID: prior.ID, Label: label, Votes: prior.Votes})
				continue
			}
		}
		plan.next = append(plan.next, ProposalOption{ID: ledger.OptionID(nextIndex), Label: label})
		nextIndex++
	}
	plan.nextIndex = nextIndex

	for _, option := range existing {
		if _, ok := kept[option.ID]; ok {
			continue
		}
		plan.removed = append(plan.removed, option)
		plan.forfeitVotes += option.Votes
	}
	return plan
}

// forfeitCheck returns a ForfeitError when the plan drops votes the caller
// has not agreed to give up.
func forfeitCheck(plan optionPlan, confirmed bool) error {
	if plan.forfeitVotes == 0 || confirmed {
		return nil
	}
	return &ForfeitError{OptionIDs: plan.removedIDs(), Votes: plan.forfeitVotes}
}
