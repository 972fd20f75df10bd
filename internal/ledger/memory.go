package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is a mutex-guarded in-memory ledger with the same key semantics as
// the Postgres implementation. Used in dev mode and tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
	byPair  map[string]struct{} // session_id|student_id
	byDay   map[string]struct{} // student_id|subject|class_date
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		byPair: make(map[string]struct{}),
		byDay:  make(map[string]struct{}),
	}
}

// Record inserts if absent under both uniqueness keys.
func (m *Memory) Record(ctx context.Context, e Entry) (Record, Result, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, "", err
	}
	e = normalize(e)
	date := ClassDate(e.Timestamp)
	pairKey := e.SessionID + "|" + e.StudentID
	dayKey := e.StudentID + "|" + e.Subject + "|" + date

	m.mu.Lock()
	defer m.mu.Unlock()

	if e.SessionID != "" {
		if _, dup := m.byPair[pairKey]; dup {
			return Record{}, ResultAlreadyRecorded, nil
		}
	}
	if _, dup := m.byDay[dayKey]; dup {
		return Record{}, ResultAlreadyRecorded, nil
	}

	rec := Record{
		ID:          uuid.NewString(),
		SessionID:   e.SessionID,
		StudentID:   e.StudentID,
		StudentName: e.StudentName,
		Section:     e.Section,
		Subject:     e.Subject,
		ClassDate:   date,
		QR:          e.QR,
		Location:    e.Location,
		Face:        e.Face,
		ByTeacher:   e.ByTeacher,
		Reference:   e.Reference,
		Timestamp:   e.Timestamp,
	}
	m.records = append(m.records, rec)
	if e.SessionID != "" {
		m.byPair[pairKey] = struct{}{}
	}
	m.byDay[dayKey] = struct{}{}
	return rec, ResultCreated, nil
}

// Query returns matching records ordered by timestamp ascending.
func (m *Memory) Query(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range m.records {
		if f.Subject != "" && r.Subject != f.Subject {
			continue
		}
		if f.Section != "" && r.Section != f.Section {
			continue
		}
		if !f.From.IsZero() && r.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.Timestamp.After(f.To) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// History returns every record for a student.
func (m *Memory) History(ctx context.Context, studentID string) (History, error) {
	if err := ctx.Err(); err != nil {
		return History{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := History{StudentID: studentID}
	for _, r := range m.records {
		if r.StudentID == studentID {
			h.Records = append(h.Records, r)
		}
	}
	sort.Slice(h.Records, func(i, j int) bool { return h.Records[i].Timestamp.Before(h.Records[j].Timestamp) })
	h.TotalRecords = len(h.Records)
	h.Attended = len(h.Records)
	if h.TotalRecords > 0 {
		h.Percentage = float64(h.Attended) / float64(h.TotalRecords) * 100
	}
	return h, nil
}

// SessionRecords returns all records written against one session.
func (m *Memory) SessionRecords(ctx context.Context, sessionID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
