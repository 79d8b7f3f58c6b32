package store

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyVoted is returned when a ballot already exists for the
	// member and proposal. Nothing was written.
	ErrAlreadyVoted = errors.New("ballot already cast")
	// ErrPrecondition is returned when the document is not in the state the
	// command requires.
	ErrPrecondition = errors.New("precondition failed")
	// ErrInvalidChoice is returned when a ballot names an option or motion
	// the proposal does not carry.
	ErrInvalidChoice = errors.New("invalid ballot choice")
	ErrAlreadyExists = errors.New("already exists")
)

// ForfeitError is returned when an edit would remove options that hold
// votes and the caller has not confirmed the forfeiture.
type ForfeitError struct {
	OptionIDs []string
	Votes     int
}

func (e *ForfeitError) Error() string {
	return fmt.Sprintf("removing options %v forfeits %d votes", e.OptionIDs, e.Votes)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
