package override

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"presence/internal/directory"
	"presence/internal/ledger"
	"presence/internal/metrics"
)

// Outcome statuses per student.
const (
	StatusMarked          = "marked"
	StatusAlreadyRecorded = "already_recorded"
	StatusUnknownStudent  = "unknown_student"
	StatusFailed          = "failed"
)

// Outcome reports what happened for one student in an override call.
type Outcome struct {
	StudentID string `json:"student_id"`
	Status    string `json:"status"`
}

// Service is the teacher-driven path that writes ledger records without
// running the pipeline. Dedup against pipeline records rides the ledger's
// (student, subject, class date) key, since overrides carry no session id.
type Service struct {
	ledger    ledger.Ledger
	directory directory.Resolver
	log       *zap.Logger
	onRecord  func(ledger.Record)
}

// New creates the override service. onRecord may be nil.
func New(l ledger.Ledger, d directory.Resolver, log *zap.Logger, onRecord func(ledger.Record)) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{ledger: l, directory: d, log: log, onRecord: onRecord}
}

// Mark writes an override record per student and returns per-student
// outcomes. A student already marked for this subject today reports
// already_recorded rather than gaining a second record.
func (s *Service) Mark(ctx context.Context, subject, teacherID string, studentIDs []string) ([]Outcome, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject required")
	}
	if len(studentIDs) == 0 {
		return nil, fmt.Errorf("no students provided")
	}

	reference := fmt.Sprintf("manual-%s-%s", teacherID, strings.ReplaceAll(subject, " ", "_"))
	outcomes := make([]Outcome, 0, len(studentIDs))

	for _, id := range studentIDs {
		student, err := s.directory.Student(ctx, id)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				outcomes = append(outcomes, Outcome{StudentID: id, Status: StatusUnknownStudent})
				continue
			}
			return outcomes, fmt.Errorf("resolve student %s: %w", id, err)
		}

		rec, res, err := s.ledger.Record(ctx, ledger.Entry{
			StudentID:   student.ID,
			StudentName: student.Name,
			Section:     student.Section,
			Subject:     subject,
			QR:          false,
			Location:    false,
			Face:        false,
			ByTeacher:   true,
			Reference:   reference,
		})
		if err != nil {
			metrics.LedgerWrites.WithLabelValues("override", "error").Inc()
			s.log.Error("override write failed", zap.String("student_id", id), zap.Error(err))
			outcomes = append(outcomes, Outcome{StudentID: id, Status: StatusFailed})
			continue
		}
		metrics.LedgerWrites.WithLabelValues("override", string(res)).Inc()

		if res == ledger.ResultAlreadyRecorded {
			outcomes = append(outcomes, Outcome{StudentID: id, Status: StatusAlreadyRecorded})
			continue
		}
		if s.onRecord != nil {
			s.onRecord(rec)
		}
		outcomes = append(outcomes, Outcome{StudentID: id, Status: StatusMarked})
		s.log.Info("attendance overridden",
			zap.String("student_id", id),
			zap.String("subject", subject),
			zap.String("teacher_id", teacherID))
	}
	return outcomes, nil
}
