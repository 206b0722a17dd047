package repo

import (
	"context"
	"database/sql"
	"strings"

	"testpool/internal/domain"
)

const sessionColumns = `id,test_id,tester_id,status,started_at,completed_at,duration_seconds,rating,feedback,progress_json`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var completedAt, feedback, progress sql.NullString
	var duration sql.NullInt64
	var rating sql.NullInt64
	err := scan(&s.ID, &s.TestID, &s.TesterID, &s.Status, &s.StartedAt,
		&completedAt, &duration, &rating, &feedback, &progress)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	if duration.Valid {
		s.DurationSeconds = &duration.Int64
	}
	if rating.Valid {
		v := int(rating.Int64)
		s.Rating = &v
	}
	if feedback.Valid {
		s.Feedback = feedback.String
	}
	if progress.Valid {
		s.ProgressJSON = &progress.String
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	var rating any
	if s.Rating != nil {
		rating = *s.Rating
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,test_id,tester_id,status,started_at,completed_at,duration_seconds,rating,feedback,progress_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TestID, s.TesterID, s.Status, s.StartedAt,
		nullableStringPtr(s.CompletedAt), nullableInt64Ptr(s.DurationSeconds), rating,
		nullable(s.Feedback), nullableStringPtr(s.ProgressJSON))
	return err
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	var rating any
	if s.Rating != nil {
		rating = *s.Rating
	}
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, completed_at=?, duration_seconds=?, rating=?, feedback=?, progress_json=? WHERE id=?`,
		s.Status, nullableStringPtr(s.CompletedAt), nullableInt64Ptr(s.DurationSeconds), rating,
		nullable(s.Feedback), nullableStringPtr(s.ProgressJSON), s.ID)
	return err
}

// SetSessionProgress writes progress only while the session is still running,
// so a writer holding a stale snapshot cannot resurrect a terminal session.
func (r Repo) SetSessionProgress(ctx context.Context, tx *sql.Tx, sessionID, progressJSON string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET progress_json=? WHERE id=? AND status=?`,
		progressJSON, sessionID, domain.SessionInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// HasActiveSession reports whether the tester already holds a non-terminal
// session on the test. Must run inside the admission transaction.
func (r Repo) HasActiveSession(ctx context.Context, tx *sql.Tx, testID, testerID string) (bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE test_id=? AND tester_id=? AND status IN (?,?) LIMIT 1`,
		testID, testerID, domain.SessionPending, domain.SessionInProgress)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type SessionFilters struct {
	TestID   string
	TesterID string
	Status   string
	Limit    int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.TestID != "" {
		clauses = append(clauses, "test_id=?")
		args = append(args, f.TestID)
	}
	if f.TesterID != "" {
		clauses = append(clauses, "tester_id=?")
		args = append(args, f.TesterID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// IsParticipant reports whether the tester holds any session, live or
// finished, on the test. Used for room authorization.
func (r Repo) IsParticipant(ctx context.Context, testID, testerID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE test_id=? AND tester_id=? LIMIT 1`, testID, testerID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
