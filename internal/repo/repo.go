package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"testpool/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const testColumns = `id,customer_id,title,COALESCE(description,'') AS description,status,max_participants,current_participants,reward_per_participant,created_at,updated_at`

func scanTest(row *sql.Row) (domain.Test, error) {
	var t domain.Test
	err := row.Scan(&t.ID, &t.CustomerID, &t.Title, &t.Description, &t.Status,
		&t.MaxParticipants, &t.CurrentParticipants, &t.RewardPerParticipant, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTest(ctx context.Context, tx *sql.Tx, t domain.Test) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tests(id,customer_id,title,description,status,max_participants,current_participants,reward_per_participant,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CustomerID, t.Title, nullable(t.Description), t.Status,
		t.MaxParticipants, t.CurrentParticipants, t.RewardPerParticipant, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTest(ctx context.Context, id string) (domain.Test, error) {
	return scanTest(r.DB.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id=?`, id))
}

func (r Repo) GetTestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Test, error) {
	return scanTest(tx.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id=?`, id))
}

type TestFilters struct {
	CustomerID      string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTests(ctx context.Context, f TestFilters) ([]domain.Test, error) {
	var clauses []string
	var args []any
	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id=?")
		args = append(args, f.CustomerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + testColumns + ` FROM tests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Test
	for rows.Next() {
		var t domain.Test
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.Title, &t.Description, &t.Status,
			&t.MaxParticipants, &t.CurrentParticipants, &t.RewardPerParticipant, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTestMeta(ctx context.Context, tx *sql.Tx, id, title string, description *string, updatedAt string) error {
	var fields []string
	var args []any
	if title != "" {
		fields = append(fields, "title=?")
		args = append(args, title)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE tests SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTestLimits rewrites capacity and reward. The engine only allows this
// while the test is a draft.
func (r Repo) UpdateTestLimits(ctx context.Context, tx *sql.Tx, id string, maxParticipants int, reward int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tests SET max_participants=?, reward_per_participant=?, updated_at=? WHERE id=?`,
		maxParticipants, reward, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTestStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tests SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReserveSlot is the single guarded statement that makes admission safe
// under concurrency: the capacity check and the increment are one UPDATE.
// It reports false when the test is full.
func (r Repo) ReserveSlot(ctx context.Context, tx *sql.Tx, testID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tests SET current_participants = current_participants + 1, updated_at=?
WHERE id=? AND current_participants < max_participants`, updatedAt, testID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseSlot returns a reserved slot after a cancel or fail. The guard keeps
// the counter non-negative even if two release paths race.
func (r Repo) ReleaseSlot(ctx context.Context, tx *sql.Tx, testID, updatedAt string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE tests SET current_participants = current_participants - 1, updated_at=?
WHERE id=? AND current_participants > 0`, updatedAt, testID)
	return err
}

func (r Repo) DeleteTest(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountSessionsForTest(ctx context.Context, tx *sql.Tx, testID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE test_id=?`, testID).Scan(&n)
	return n, err
}

func (r Repo) CountCompletedSessions(ctx context.Context, tx *sql.Tx, testID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE test_id=? AND status=?`, testID, domain.SessionCompleted).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
