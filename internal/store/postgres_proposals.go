package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"conclave/api/internal/ledger"
)

const proposalColumns = `id, title, description, category, total_votes, priority_score, status, created_by, creator_name, created_at, updated_at, next_option_index`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var p Proposal
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Category, &p.TotalVotes, &p.PriorityScore, &p.Status, &p.CreatedBy, &p.CreatorName, &p.CreatedAt, &p.UpdatedAt, &p.NextOptionIndex)
	p.AdvancedVotes = emptyMotionTally()
	return p, err
}

func emptyMotionTally() map[string]int {
	tally := make(map[string]int, len(ledger.Motions))
	for _, motion := range ledger.Motions {
		tally[string(motion)] = 0
	}
	return tally
}

func (s *PostgresStore) CreateProposal(ctx context.Context, proposal Proposal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (id, title, description, category, total_votes, priority_score, status, created_by, creator_name, created_at, updated_at, next_option_index)
			VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7, $8, $8, $9)
		`, proposal.ID, proposal.Title, proposal.Description, proposal.Category, proposal.Status, proposal.CreatedBy, proposal.CreatorName, proposal.CreatedAt,
			ledger.NextOptionIndex(optionIDs(proposal.Options))); err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		for position, option := range proposal.Options {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO proposal_options (proposal_id, id, label, position, votes)
				VALUES ($1, $2, $3, $4, 0)
			`, proposal.ID, option.ID, option.Label, position); err != nil {
				return fmt.Errorf("insert proposal option: %w", err)
			}
		}
		for _, motion := range ledger.Motions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO proposal_motions (proposal_id, motion, votes)
				VALUES ($1, $2, 0)
			`, proposal.ID, string(motion)); err != nil {
				return fmt.Errorf("insert proposal motion: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return s.loadProposal(ctx, s.db, proposalID, false)
}

func (s *PostgresStore) loadProposal(ctx context.Context, q queryer, proposalID string, forUpdate bool) (Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	proposal, err := scanProposal(q.QueryRowContext(ctx, query, proposalID))
	if err != nil {
		return Proposal{}, notFound(err)
	}
	list := []Proposal{proposal}
	if err := s.attachTallies(ctx, q, list); err != nil {
		return Proposal{}, err
	}
	return list[0], nil
}

// attachTallies fills options and motion counts for the given proposals.
func (s *PostgresStore) attachTallies(ctx context.Context, q queryer, proposals []Proposal) error {
	if len(proposals) == 0 {
		return nil
	}
	index := make(map[string]int, len(proposals))
	ids := make([]string, 0, len(proposals))
	for i, proposal := range proposals {
		index[proposal.ID] = i
		ids = append(ids, proposal.ID)
		proposals[i].Options = make([]ProposalOption, 0)
	}

	optionRows, err := q.QueryContext(ctx, `
		SELECT proposal_id, id, label, votes
		FROM proposal_options
		WHERE proposal_id = ANY($1)
		ORDER BY proposal_id, position ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("list proposal options: %w", err)
	}
	defer optionRows.Close()
	for optionRows.Next() {
		var proposalID string
		var option ProposalOption
		if err := optionRows.Scan(&proposalID, &option.ID, &option.Label, &option.Votes); err != nil {
			return fmt.Errorf("scan proposal option: %w", err)
		}
		i := index[proposalID]
		proposals[i].Options = append(proposals[i].Options, option)
	}
	if err := optionRows.Err(); err != nil {
		return fmt.Errorf("iterate proposal options: %w", err)
	}

	motionRows, err := q.QueryContext(ctx, `
		SELECT proposal_id, motion, votes
		FROM proposal_motions
		WHERE proposal_id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("list proposal motions: %w", err)
	}
	defer motionRows.Close()
	for motionRows.Next() {
		var proposalID, motion string
		var votes int
		if err := motionRows.Scan(&proposalID, &motion, &votes); err != nil {
			return fmt.Errorf("scan proposal motion: %w", err)
		}
		proposals[index[proposalID]].AdvancedVotes[motion] = votes
	}
	return motionRows.Err()
}

func (s *PostgresStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error) {
	var where []string
	var args []any
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category=$%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority_score DESC, created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	proposals := make([]Proposal, 0)
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, proposal)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	rows.Close()

	if err := s.attachTallies(ctx, s.db, proposals); err != nil {
		return nil, err
	}
	return proposals, nil
}

func (s *PostgresStore) ListProposalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM proposals ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list proposal ids: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan proposal id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateProposalContent replaces the editable fields of a proposal. Votes
// held by removed options are forfeited: they leave the total and the
// ballots that cast them are marked, but those ballots stay consumed.
func (s *PostgresStore) UpdateProposalContent(ctx context.Context, proposalID string, edit ProposalEdit) (Proposal, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.loadProposal(ctx, tx, proposalID, true)
		if err != nil {
			return err
		}
		plan := planOptionEdit(current.Options, edit.Options, current.NextOptionIndex)
		if err := forfeitCheck(plan, edit.ConfirmForfeit); err != nil {
			return err
		}

		removed := plan.removedIDs()
		if len(removed) > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM proposal_options
				WHERE proposal_id=$1 AND id = ANY($2)
			`, proposalID, removed); err != nil {
				return fmt.Errorf("delete proposal options: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE ballots SET forfeited_at=NOW()
				WHERE proposal_id=$1 AND option_id = ANY($2) AND forfeited_at IS NULL
			`, proposalID, removed); err != nil {
				return fmt.Errorf("forfeit ballots: %w", err)
			}
		}

		for position, option := range plan.next {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO proposal_options (proposal_id, id, label, position, votes)
				VALUES ($1, $2, $3, $4, 0)
				ON CONFLICT (proposal_id, id) DO UPDATE SET label=EXCLUDED.label, position=EXCLUDED.position
			`, proposalID, option.ID, option.Label, position); err != nil {
				return fmt.Errorf("upsert proposal option: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE proposals
			SET title=$2, description=$3, category=$4, total_votes=total_votes-$5,
			    next_option_index=GREATEST(next_option_index, $6), updated_at=NOW()
			WHERE id=$1
		`, proposalID, edit.Title, edit.Description, edit.Category, plan.forfeitVotes, plan.nextIndex); err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	return s.GetProposal(ctx, proposalID)
}

// SetProposalStatus moves a proposal from one status to another. It fails
// with ErrPrecondition when the proposal is not currently in from.
func (s *PostgresStore) SetProposalStatus(ctx context.Context, proposalID, from, to string) (Proposal, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status=$3, updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, proposalID, from, to)
	if err != nil {
		return Proposal{}, fmt.Errorf("update proposal status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Proposal{}, fmt.Errorf("update proposal status rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetProposal(ctx, proposalID); err != nil {
			return Proposal{}, err
		}
		return Proposal{}, ErrPrecondition
	}
	return s.GetProposal(ctx, proposalID)
}

// DeleteProposal removes an archived proposal with its options, motions,
// ballots, comments and priority votes.
func (s *PostgresStore) DeleteProposal(ctx context.Context, proposalID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM proposals WHERE id=$1 AND status=$2`, proposalID, ProposalArchived)
		if err != nil {
			return fmt.Errorf("delete proposal: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete proposal rows: %w", err)
		}
		if affected == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM proposals WHERE id=$1)`, proposalID).Scan(&exists); err != nil {
				return fmt.Errorf("check proposal: %w", err)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrPrecondition
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM priority_votes WHERE target_type=$1 AND target_id=$2
		`, TargetProposal, proposalID); err != nil {
			return fmt.Errorf("delete proposal priority votes: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) AdjustProposalPriority(ctx context.Context, proposalID string, delta int) (Proposal, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET priority_score=priority_score+$2
		WHERE id=$1
	`, proposalID, delta)
	if err != nil {
		return Proposal{}, fmt.Errorf("adjust proposal priority: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Proposal{}, fmt.Errorf("adjust proposal priority rows: %w", err)
	}
	if affected == 0 {
		return Proposal{}, ErrNotFound
	}
	return s.GetProposal(ctx, proposalID)
}

// CastBallot records a member's single ballot on an active proposal and
// increments the chosen tally and the total in the same transaction. A
// second ballot from the same member returns ErrAlreadyVoted and writes
// nothing.
func (s *PostgresStore) CastBallot(ctx context.Context, ballot Ballot) (Proposal, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM proposals WHERE id=$1 FOR UPDATE`, ballot.ProposalID).Scan(&status); err != nil {
			return notFound(err)
		}
		if status != ProposalActive {
			return ErrPrecondition
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO ballots (member_id, proposal_id, option_id, motion, cast_at)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
			ON CONFLICT (member_id, proposal_id) DO NOTHING
		`, ballot.MemberID, ballot.ProposalID, ballot.OptionID, ballot.Motion, ballot.CastAt)
		if err != nil {
			return fmt.Errorf("insert ballot: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert ballot rows: %w", err)
		}
		if affected == 0 {
			return ErrAlreadyVoted
		}

		if ballot.OptionID != "" {
			result, err = tx.ExecContext(ctx, `
				UPDATE proposal_options SET votes=votes+1
				WHERE proposal_id=$1 AND id=$2
			`, ballot.ProposalID, ballot.OptionID)
		} else {
			result, err = tx.ExecContext(ctx, `
				UPDATE proposal_motions SET votes=votes+1
				WHERE proposal_id=$1 AND motion=$2
			`, ballot.ProposalID, ballot.Motion)
		}
		if err != nil {
			return fmt.Errorf("increment tally: %w", err)
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("increment tally rows: %w", err)
		}
		if affected == 0 {
			return ErrInvalidChoice
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE proposals SET total_votes=total_votes+1, updated_at=NOW()
			WHERE id=$1
		`, ballot.ProposalID); err != nil {
			return fmt.Errorf("increment total votes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE members SET has_voted=TRUE WHERE id=$1`, ballot.MemberID); err != nil {
			return fmt.Errorf("mark member voted: %w", err)
		}
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	return s.GetProposal(ctx, ballot.ProposalID)
}

const ballotColumns = `member_id, proposal_id, COALESCE(option_id, ''), COALESCE(motion, ''), cast_at, forfeited_at`

func scanBallot(row interface{ Scan(...any) error }) (Ballot, error) {
	var ballot Ballot
	var forfeited sql.NullTime
	if err := row.Scan(&ballot.MemberID, &ballot.ProposalID, &ballot.OptionID, &ballot.Motion, &ballot.CastAt, &forfeited); err != nil {
		return Ballot{}, err
	}
	if forfeited.Valid {
		at := forfeited.Time
		ballot.ForfeitedAt = &at
	}
	ballot.ID = ledger.BallotID(ballot.MemberID, ballot.ProposalID)
	return ballot, nil
}

func (s *PostgresStore) GetBallot(ctx context.Context, memberID, proposalID string) (Ballot, error) {
	ballot, err := scanBallot(s.db.QueryRowContext(ctx, `
		SELECT `+ballotColumns+`
		FROM ballots
		WHERE member_id=$1 AND proposal_id=$2
	`, memberID, proposalID))
	if err != nil {
		return Ballot{}, notFound(err)
	}
	return ballot, nil
}

func (s *PostgresStore) ListMemberBallots(ctx context.Context, memberID string) ([]Ballot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ballotColumns+`
		FROM ballots
		WHERE member_id=$1
		ORDER BY cast_at ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("list member ballots: %w", err)
	}
	defer rows.Close()
	items := make([]Ballot, 0)
	for rows.Next() {
		ballot, err := scanBallot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ballot: %w", err)
		}
		items = append(items, ballot)
	}
	return items, rows.Err()
}

// ResetProposalTallies deletes the proposal's ballots and zeroes every
// option, motion and total counter in one transaction.
func (s *PostgresStore) ResetProposalTallies(ctx context.Context, proposalID string) (ResetReport, error) {
	report := ResetReport{ProposalID: proposalID}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM proposals WHERE id=$1 FOR UPDATE`, proposalID).Scan(&id); err != nil {
			return notFound(err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM ballots WHERE proposal_id=$1`, proposalID)
		if err != nil {
			return fmt.Errorf("delete ballots: %w", err)
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete ballots rows: %w", err)
		}
		report.BallotsRemoved = int(removed)
		if _, err := tx.ExecContext(ctx, `UPDATE proposal_options SET votes=0 WHERE proposal_id=$1`, proposalID); err != nil {
			return fmt.Errorf("zero option tallies: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE proposal_motions SET votes=0 WHERE proposal_id=$1`, proposalID); err != nil {
			return fmt.Errorf("zero motion tallies: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE proposals SET total_votes=0, updated_at=NOW() WHERE id=$1`, proposalID); err != nil {
			return fmt.Errorf("zero total votes: %w", err)
		}
		return nil
	})
	return report, err
}

func (s *PostgresStore) AddComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposal_comments (id, proposal_id, author_id, author_name, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, comment.ID, comment.ProposalID, comment.AuthorID, comment.AuthorName, comment.Text, comment.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, proposalID string) ([]Comment, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM proposals WHERE id=$1)`, proposalID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check proposal: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, author_id, author_name, body, created_at
		FROM proposal_comments
		WHERE proposal_id=$1
		ORDER BY created_at ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	items := make([]Comment, 0)
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.ProposalID, &comment.AuthorID, &comment.AuthorName, &comment.Text, &comment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, comment)
	}
	return items, rows.Err()
}
