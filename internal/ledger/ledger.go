// Package ledger holds the store-independent rules of the governance ledger:
// email normalization, role and category vocabularies, special motions,
// priority vote toggling and commitment deltas.
package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// NormalizeRole maps unknown values to RoleMember.
func NormalizeRole(role string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleMember
	}
}

func ParseRole(role string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleMember:
		return RoleMember, true
	default:
		return "", false
	}
}

// NormalizeEmail is the whitelist key form of an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const (
	CategoryTopPriority = "Top Priority"
	CategoryEducation   = "Education"
	CategoryHealth      = "Health"
	CategoryEnvironment = "Environment"
	CategoryGovernance  = "Governance"
	CategoryGeneral     = "General"
)

var Categories = []string{
	CategoryTopPriority,
	CategoryEducation,
	CategoryHealth,
	CategoryEnvironment,
	CategoryGovernance,
	CategoryGeneral,
}

func ValidCategory(category string) bool {
	for _, candidate := range Categories {
		if candidate == category {
			return true
		}
	}
	return false
}

type Motion string

const (
	MotionAbstain Motion = "abstain"
	MotionQuash   Motion = "quash"
	MotionDefer   Motion = "defer"
)

var Motions = []Motion{MotionAbstain, MotionQuash, MotionDefer}

func ParseMotion(value string) (Motion, bool) {
	switch Motion(strings.ToLower(strings.TrimSpace(value))) {
	case MotionAbstain:
		return MotionAbstain, true
	case MotionQuash:
		return MotionQuash, true
	case MotionDefer:
		return MotionDefer, true
	default:
		return "", false
	}
}

// Direction is a member's priority vote on a single target. The zero value
// means no vote.
type Direction string

const (
	DirectionNone Direction = ""
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

var ErrInvalidDirection = errors.New("direction must be up or down")

func ParseDirection(value string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(value))) {
	case DirectionUp:
		return DirectionUp, nil
	case DirectionDown:
		return DirectionDown, nil
	default:
		return DirectionNone, ErrInvalidDirection
	}
}

func (d Direction) Value() int {
	switch d {
	case DirectionUp:
		return 1
	case DirectionDown:
		return -1
	default:
		return 0
	}
}

// Toggle returns the vote state after a member requests a direction.
// Requesting the direction already held clears the vote.
func Toggle(current, requested Direction) Direction {
	if current == requested {
		return DirectionNone
	}
	return requested
}

// ScoreDelta is the change to apply to a target's priority score when a
// member's vote moves from old to next.
func ScoreDelta(old, next Direction) int {
	return next.Value() - old.Value()
}

// CommitmentDelta is the change to apply to a funding item's committed total
// when a member overwrites their commitment.
func CommitmentDelta(previous, next int64) int64 {
	return next - previous
}

var (
	ErrNegativeAmount = errors.New("amount must be a non-negative integer")
	ErrInvalidTarget  = errors.New("target amount must be greater than zero")
)

func ValidateAmount(amount int64) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	return nil
}

func ValidateTarget(target int64) error {
	if target <= 0 {
		return ErrInvalidTarget
	}
	return nil
}

const optionPrefix = "opt"

// OptionID returns the stable identifier of the n-th option (1-based).
func OptionID(n int) string {
	return optionPrefix + strconv.Itoa(n)
}

// NextOptionIndex returns the index to use for the next new option so that
// ids freed by removed options are never reused.
func NextOptionIndex(existing []string) int {
	highest := 0
	for _, id := range existing {
		if !strings.HasPrefix(id, optionPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, optionPrefix))
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1
}

// MinOptions is the smallest number of options a proposal may carry.
const MinOptions = 2

// CleanOptionLabels trims labels and drops blanks.
func CleanOptionLabels(labels []string) []string {
	cleaned := make([]string, 0, len(labels))
	for _, label := range labels {
		trimmed := strings.TrimSpace(label)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

// Participation is the share of whitelisted members that have cast a ballot,
// in percent rounded down.
func Participation(totalVotes, whitelistSize int) int {
	if whitelistSize <= 0 || totalVotes <= 0 {
		return 0
	}
	pct := totalVotes * 100 / whitelistSize
	if pct > 100 {
		return 100
	}
	return pct
}

// BallotID is the stable id of a member's ballot on a proposal.
func BallotID(memberID, proposalID string) string {
	return fmt.Sprintf("%s_%s", memberID, proposalID)
}
