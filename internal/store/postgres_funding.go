package store

import (
	"context"
	"database/sql"
	"fmt"

	"conclave/api/internal/ledger"
)

const fundingColumns = `id, title, description, category, target_amount, current_committed, priority_score, status, created_by, created_at`

func scanFundingItem(row interface{ Scan(...any) error }) (FundingItem, error) {
	var item FundingItem
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.Category, &item.TargetAmount, &item.CurrentCommitted, &item.PriorityScore, &item.Status, &item.CreatedBy, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) CreateFundingItem(ctx context.Context, item FundingItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_items (id, title, description, category, target_amount, current_committed, priority_score, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.Title, item.Description, item.Category, item.TargetAmount, item.CurrentCommitted, item.PriorityScore, item.Status, item.CreatedBy, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert funding item: %w", err)
	}
	return nil
}

// SeedFundingItem inserts item only while the funding collection is empty.
func (s *PostgresStore) SeedFundingItem(ctx context.Context, item FundingItem) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_items (id, title, description, category, target_amount, current_committed, priority_score, status, created_by, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE NOT EXISTS (SELECT 1 FROM funding_items)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.Description, item.Category, item.TargetAmount, item.CurrentCommitted, item.PriorityScore, item.Status, item.CreatedBy, item.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("seed funding item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed funding item rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetFundingItem(ctx context.Context, itemID string) (FundingItem, error) {
	item, err := scanFundingItem(s.db.QueryRowContext(ctx, `SELECT `+fundingColumns+` FROM funding_items WHERE id=$1`, itemID))
	if err != nil {
		return FundingItem{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) ListFundingItems(ctx context.Context) ([]FundingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fundingColumns+`
		FROM funding_items
		ORDER BY priority_score DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list funding items: %w", err)
	}
	defer rows.Close()
	items := make([]FundingItem, 0)
	for rows.Next() {
		item, err := scanFundingItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan funding item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Commit overwrites the member's commitment to an item and moves the item's
// committed total by the difference. The commitment row is locked for the
// duration so concurrent commits by the same member serialize.
func (s *PostgresStore) Commit(ctx context.Context, commitment Commitment) (CommitResult, error) {
	var result CommitResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commitments (member_id, item_id, amount, updated_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (member_id, item_id) DO NOTHING
		`, commitment.MemberID, commitment.ItemID, commitment.UpdatedAt); err != nil {
			if isForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("ensure commitment: %w", err)
		}

		var previous int64
		if err := tx.QueryRowContext(ctx, `
			SELECT amount FROM commitments
			WHERE member_id=$1 AND item_id=$2
			FOR UPDATE
		`, commitment.MemberID, commitment.ItemID).Scan(&previous); err != nil {
			return fmt.Errorf("lock commitment: %w", err)
		}
		delta := ledger.CommitmentDelta(previous, commitment.Amount)

		if _, err := tx.ExecContext(ctx, `
			UPDATE commitments SET amount=$3, updated_at=$4
			WHERE member_id=$1 AND item_id=$2
		`, commitment.MemberID, commitment.ItemID, commitment.Amount, commitment.UpdatedAt); err != nil {
			return fmt.Errorf("update commitment: %w", err)
		}

		item, err := scanFundingItem(tx.QueryRowContext(ctx, `
			UPDATE funding_items SET current_committed=current_committed+$2
			WHERE id=$1
			RETURNING `+fundingColumns, commitment.ItemID, delta))
		if err != nil {
			return notFound(err)
		}
		result = CommitResult{Item: item, Previous: previous, Delta: delta}
		return nil
	})
	return result, err
}

func (s *PostgresStore) listCommitments(ctx context.Context, column, value string) ([]Commitment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, item_id, amount, updated_at
		FROM commitments
		WHERE `+column+`=$1 AND amount > 0
		ORDER BY updated_at ASC
	`, value)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer rows.Close()
	items := make([]Commitment, 0)
	for rows.Next() {
		var c Commitment
		if err := rows.Scan(&c.MemberID, &c.ItemID, &c.Amount, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListMemberCommitments(ctx context.Context, memberID string) ([]Commitment, error) {
	return s.listCommitments(ctx, "member_id", memberID)
}

func (s *PostgresStore) ListItemCommitments(ctx context.Context, itemID string) ([]Commitment, error) {
	return s.listCommitments(ctx, "item_id", itemID)
}

func priorityTable(kind string) (string, error) {
	switch kind {
	case TargetProposal:
		return "proposals", nil
	case TargetFunding:
		return "funding_items", nil
	default:
		return "", fmt.Errorf("unknown priority target %q", kind)
	}
}

// ApplyPriorityVote toggles the member's vote on the target and applies the
// resulting score delta to the target in one transaction.
func (s *PostgresStore) ApplyPriorityVote(ctx context.Context, memberID string, target PriorityTarget, requested ledger.Direction) (PriorityResult, error) {
	table, err := priorityTable(target.Kind)
	if err != nil {
		return PriorityResult{}, err
	}

	var result PriorityResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var score int
		if err := tx.QueryRowContext(ctx, `SELECT priority_score FROM `+table+` WHERE id=$1 FOR UPDATE`, target.ID).Scan(&score); err != nil {
			return notFound(err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO priority_votes (member_id, target_type, target_id, direction)
			VALUES ($1, $2, $3, '')
			ON CONFLICT (member_id, target_type, target_id) DO NOTHING
		`, memberID, target.Kind, target.ID); err != nil {
			return fmt.Errorf("ensure priority vote: %w", err)
		}

		var current string
		if err := tx.QueryRowContext(ctx, `
			SELECT direction FROM priority_votes
			WHERE member_id=$1 AND target_type=$2 AND target_id=$3
			FOR UPDATE
		`, memberID, target.Kind, target.ID).Scan(&current); err != nil {
			return fmt.Errorf("lock priority vote: %w", err)
		}

		next := ledger.Toggle(ledger.Direction(current), requested)
		delta := ledger.ScoreDelta(ledger.Direction(current), next)

		var vote PriorityVote
		if err := tx.QueryRowContext(ctx, `
			UPDATE priority_votes SET direction=$4, updated_at=NOW()
			WHERE member_id=$1 AND target_type=$2 AND target_id=$3
			RETURNING updated_at
		`, memberID, target.Kind, target.ID, string(next)).Scan(&vote.UpdatedAt); err != nil {
			return fmt.Errorf("update priority vote: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			UPDATE `+table+` SET priority_score=priority_score+$2
			WHERE id=$1
			RETURNING priority_score
		`, target.ID, delta).Scan(&score); err != nil {
			return fmt.Errorf("apply priority delta: %w", err)
		}

		vote.MemberID = memberID
		vote.Target = target
		vote.Direction = string(next)
		result = PriorityResult{Vote: vote, Delta: delta, Score: score}
		return nil
	})
	return result, err
}

func (s *PostgresStore) ListMemberPriorityVotes(ctx context.Context, memberID string) ([]PriorityVote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, target_type, target_id, direction, updated_at
		FROM priority_votes
		WHERE member_id=$1 AND direction <> ''
		ORDER BY updated_at ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("list priority votes: %w", err)
	}
	defer rows.Close()
	items := make([]PriorityVote, 0)
	for rows.Next() {
		var vote PriorityVote
		if err := rows.Scan(&vote.MemberID, &vote.Target.Kind, &vote.Target.ID, &vote.Direction, &vote.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan priority vote: %w", err)
		}
		items = append(items, vote)
	}
	return items, rows.Err()
}
