package repo

import (
	"context"
	"database/sql"

	"testpool/internal/domain"
)

// InsertEarningOnce creates the earning for a completed session. The UNIQUE
// constraint on session_id is the idempotency key: re-running the completion
// pipeline for the same session inserts nothing and reports created=false.
func (r Repo) InsertEarningOnce(ctx context.Context, tx *sql.Tx, e domain.Earning) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO earnings(id,session_id,test_id,tester_id,amount,status,created_at)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(session_id) DO NOTHING`,
		e.ID, e.SessionID, e.TestID, e.TesterID, e.Amount, e.Status, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetEarningBySession(ctx context.Context, sessionID string) (domain.Earning, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,session_id,test_id,tester_id,amount,status,created_at FROM earnings WHERE session_id=?`, sessionID)
	var e domain.Earning
	err := row.Scan(&e.ID, &e.SessionID, &e.TestID, &e.TesterID, &e.Amount, &e.Status, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) ListEarnings(ctx context.Context, testerID string, limit int) ([]domain.Earning, error) {
	query := `SELECT id,session_id,test_id,tester_id,amount,status,created_at FROM earnings WHERE tester_id=? ORDER BY created_at DESC, id DESC`
	args := []any{testerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Earning
	for rows.Next() {
		var e domain.Earning
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TestID, &e.TesterID, &e.Amount, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) SetEarningStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE earnings SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProfile writes the recomputed aggregates for a tester.
func (r Repo) UpsertProfile(ctx context.Context, tx *sql.Tx, p domain.TesterProfile) error {
	var avg any
	if p.AverageRating != nil {
		avg = *p.AverageRating
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO tester_profiles(tester_id,completed_count,total_earnings,average_rating,updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(tester_id) DO UPDATE SET completed_count=excluded.completed_count,
total_earnings=excluded.total_earnings, average_rating=excluded.average_rating, updated_at=excluded.updated_at`,
		p.TesterID, p.CompletedCount, p.TotalEarnings, avg, p.UpdatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, testerID string) (domain.TesterProfile, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT tester_id,completed_count,total_earnings,average_rating,updated_at FROM tester_profiles WHERE tester_id=?`, testerID)
	return scanProfile(row.Scan)
}

func (r Repo) GetProfileTx(ctx context.Context, tx *sql.Tx, testerID string) (domain.TesterProfile, error) {
	row := tx.QueryRowContext(ctx, `SELECT tester_id,completed_count,total_earnings,average_rating,updated_at FROM tester_profiles WHERE tester_id=?`, testerID)
	return scanProfile(row.Scan)
}

func scanProfile(scan func(dest ...any) error) (domain.TesterProfile, error) {
	var p domain.TesterProfile
	var avg sql.NullFloat64
	err := scan(&p.TesterID, &p.CompletedCount, &p.TotalEarnings, &avg, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if avg.Valid {
		p.AverageRating = &avg.Float64
	}
	return p, err
}

// AverageRating re-aggregates the mean over all completed rated sessions for
// the tester. Full recompute on every completion; unrated sessions are
// excluded rather than counted as zero.
func (r Repo) AverageRating(ctx context.Context, tx *sql.Tx, testerID string) (*float64, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT AVG(rating) FROM sessions WHERE tester_id=? AND status=? AND rating IS NOT NULL`,
		testerID, domain.SessionCompleted)
	var avg sql.NullFloat64
	if err := row.Scan(&avg); err != nil {
		return nil, err
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}
