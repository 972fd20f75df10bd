package ledger

import (
	"context"
	"time"
)

// Result discriminates the outcome of a Record call. A duplicate write is not
// an error; the loser simply observes ResultAlreadyRecorded.
type Result string

const (
	ResultCreated         Result = "created"
	ResultAlreadyRecorded Result = "already_recorded"
)

// Entry is a requested ledger write. SessionID is empty for teacher
// overrides, which dedupe on (student, subject, class date) instead.
type Entry struct {
	SessionID   string
	StudentID   string
	StudentName string
	Section     string
	Subject     string
	QR          bool
	Location    bool
	Face        bool
	ByTeacher   bool
	Reference   string
	Timestamp   time.Time
}

// Record is the durable, immutable fact of presence.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name,omitempty"`
	Section     string    `json:"section,omitempty"`
	Subject     string    `json:"subject"`
	ClassDate   string    `json:"class_date"`
	QR          bool      `json:"qr"`
	Location    bool      `json:"location"`
	Face        bool      `json:"face"`
	ByTeacher   bool      `json:"by_teacher"`
	Reference   string    `json:"reference,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter narrows a Query. Zero values mean "any".
type Filter struct {
	Subject string
	Section string
	From    time.Time
	To      time.Time
}

// History is a student's full ledger view. Every record is a presence fact,
// so attended equals the record count; the absence denominator is the
// caller's to supply.
type History struct {
	StudentID    string   `json:"student_id"`
	Records      []Record `json:"records"`
	TotalRecords int      `json:"total_records"`
	Attended     int      `json:"attended"`
	Percentage   float64  `json:"percentage"`
}

// Ledger is the append-only attendance store. Record must be an atomic
// insert-if-absent: concurrent writes for one key leave exactly one record.
type Ledger interface {
	Record(ctx context.Context, e Entry) (Record, Result, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
	History(ctx context.Context, studentID string) (History, error)
	SessionRecords(ctx context.Context, sessionID string) ([]Record, error)
}

// ClassDate formats the calendar day a timestamp falls on, in UTC.
func ClassDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func normalize(e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	return e
}
