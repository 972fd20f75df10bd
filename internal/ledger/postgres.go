package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Postgres persists the ledger in Postgres. Uniqueness is enforced by two
// indexes: (session_id, student_id) for pipeline rows and
// (student_id, subject, class_date) across both write paths.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates the ledger and runs its schema migration.
func NewPostgres(ctx context.Context, db *sql.DB) (*Postgres, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Postgres{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS attendance_records (
	id           UUID PRIMARY KEY,
	session_id   TEXT NOT NULL DEFAULT '',
	student_id   TEXT NOT NULL,
	student_name TEXT NOT NULL DEFAULT '',
	section      TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL,
	class_date   DATE NOT NULL,
	qr           BOOLEAN NOT NULL DEFAULT FALSE,
	location     BOOLEAN NOT NULL DEFAULT FALSE,
	face         BOOLEAN NOT NULL DEFAULT FALSE,
	by_teacher   BOOLEAN NOT NULL DEFAULT FALSE,
	reference    TEXT NOT NULL DEFAULT '',
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_records_session_student
	ON attendance_records (session_id, student_id) WHERE session_id <> '';

CREATE UNIQUE INDEX IF NOT EXISTS uq_records_student_day
	ON attendance_records (student_id, subject, class_date);

CREATE INDEX IF NOT EXISTS idx_records_session ON attendance_records (session_id);
CREATE INDEX IF NOT EXISTS idx_records_student ON attendance_records (student_id);
`

const recordColumns = `id, session_id, student_id, student_name, section, subject,
	to_char(class_date, 'YYYY-MM-DD'), qr, location, face, by_teacher, reference, recorded_at`

// Record inserts if absent. ON CONFLICT DO NOTHING resolves races on either
// uniqueness key; zero rows affected means a record already exists.
func (p *Postgres) Record(ctx context.Context, e Entry) (Record, Result, error) {
	e = normalize(e)
	date := ClassDate(e.Timestamp)

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, session_id, student_id, student_name, section, subject, class_date,
			 qr, location, face, by_teacher, reference, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT DO NOTHING
	`, uuid.NewString(), e.SessionID, e.StudentID, e.StudentName, e.Section, e.Subject, date,
		e.QR, e.Location, e.Face, e.ByTeacher, e.Reference, e.Timestamp)
	if err != nil {
		return Record{}, "", fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, "", err
	}
	if n == 0 {
		return Record{}, ResultAlreadyRecorded, nil
	}

	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1 AND subject = $2 AND class_date = $3
	`, e.StudentID, e.Subject, date)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, "", err
	}
	return rec, ResultCreated, nil
}

// Query returns matching records ordered by timestamp ascending.
func (p *Postgres) Query(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	var (
		clauses []string
		args    []any
	)
	if f.Subject != "" {
		args = append(args, f.Subject)
		clauses = append(clauses, fmt.Sprintf("subject = $%d", len(args)))
	}
	if f.Section != "" {
		args = append(args, f.Section)
		clauses = append(clauses, fmt.Sprintf("section = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, fmt.Sprintf("recorded_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, fmt.Sprintf("recorded_at <= $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY recorded_at ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// History returns every record for a student, oldest first.
func (p *Postgres) History(ctx context.Context, studentID string) (History, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1
		ORDER BY recorded_at ASC
	`, studentID)
	if err != nil {
		return History{}, err
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return History{}, err
	}
	h := History{StudentID: studentID, Records: recs, TotalRecords: len(recs), Attended: len(recs)}
	if h.TotalRecords > 0 {
		h.Percentage = float64(h.Attended) / float64(h.TotalRecords) * 100
	}
	return h, nil
}

// SessionRecords returns all records written against one session.
func (p *Postgres) SessionRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY recorded_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var r Record
	err := s.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.StudentName, &r.Section, &r.Subject,
		&r.ClassDate, &r.QR, &r.Location, &r.Face, &r.ByTeacher, &r.Reference, &r.Timestamp)
	return r, err
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
