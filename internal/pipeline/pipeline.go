package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"presence/internal/directory"
	"presence/internal/faceclient"
	"presence/internal/geo"
	"presence/internal/ledger"
	"presence/internal/metrics"
	"presence/internal/session"
)

// Step names the three proofs in their fixed order.
type Step string

const (
	StepQR       Step = "QR"
	StepLocation Step = "LOCATION"
	StepFace     Step = "FACE"
)

const (
	stageStart = iota
	stageQR
	stageLocation
	stageFace
)

var (
	// ErrStepOrder signals a step submitted before its predecessor completed.
	ErrStepOrder = errors.New("previous verification step not completed")
	// ErrWrongSection signals a student outside the session's section.
	ErrWrongSection = errors.New("student is not part of this section")
	// ErrLocationRejected signals coordinates outside the classroom tolerance.
	ErrLocationRejected = errors.New("location outside allowed range")
	// ErrFaceRejected signals a failed identity match.
	ErrFaceRejected = errors.New("face verification failed")
	// ErrProviderTimeout signals a capability provider exceeding its bound.
	ErrProviderTimeout = errors.New("verification provider timed out")
	// ErrProviderUnavailable signals a capability provider transport failure.
	ErrProviderUnavailable = errors.New("verification provider unavailable")
)

// FaceVerifier is the identity-match capability.
type FaceVerifier interface {
	Verify(ctx context.Context, image, studentID string) (*faceclient.VerifyResult, error)
}

// State is the client-visible progress of one (session, student) pair.
type State struct {
	SessionID      string           `json:"session_id"`
	StudentID      string           `json:"student_id"`
	StepsCompleted []Step           `json:"steps_completed"`
	Location       *geo.Coordinates `json:"location,omitempty"`
	Complete       bool             `json:"complete"`
}

type progress struct {
	stage    int
	section  string
	name     string
	location *geo.Coordinates
}

// Config wires the pipeline's collaborators.
type Config struct {
	Registry        *session.Registry
	Ledger          ledger.Ledger
	Directory       directory.Resolver
	Geo             geo.Checker
	Face            FaceVerifier
	Classroom       geo.Coordinates
	ToleranceMeters float64
	ProviderTimeout time.Duration
	Log             *zap.Logger
	OnRecord        func(ledger.Record)
}

// Pipeline drives the ordered QR -> LOCATION -> FACE proof sequence and
// requests the ledger write on completion.
type Pipeline struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	states map[string]*progress
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		log:    log,
		states: make(map[string]*progress),
	}
}

func stateKey(sessionID, studentID string) string { return sessionID + "|" + studentID }

// SubmitQR verifies the presented token binds to an active session and that
// the student belongs to the session's section. Re-submission is a no-op.
func (p *Pipeline) SubmitQR(ctx context.Context, sessionID, studentID string) (State, error) {
	sess, err := p.activeSession(sessionID)
	if err != nil {
		metrics.PipelineSteps.WithLabelValues(string(StepQR), "rejected").Inc()
		return State{}, err
	}

	p.mu.Lock()
	st, ok := p.states[stateKey(sessionID, studentID)]
	p.mu.Unlock()
	if !ok {
		student, err := p.cfg.Directory.Student(ctx, studentID)
		if err != nil {
			metrics.PipelineSteps.WithLabelValues(string(StepQR), "rejected").Inc()
			return State{}, fmt.Errorf("resolve student: %w", err)
		}
		if student.Section != sess.Section {
			metrics.PipelineSteps.WithLabelValues(string(StepQR), "rejected").Inc()
			return State{}, ErrWrongSection
		}
		p.mu.Lock()
		st, ok = p.states[stateKey(sessionID, studentID)]
		if !ok {
			st = &progress{section: student.Section, name: student.Name}
			p.states[stateKey(sessionID, studentID)] = st
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	if st.stage < stageQR {
		st.stage = stageQR
	}
	out := p.snapshotLocked(sessionID, studentID, st)
	p.mu.Unlock()

	metrics.PipelineSteps.WithLabelValues(string(StepQR), "ok").Inc()
	p.log.Debug("qr verified", zap.String("session_id", sessionID), zap.String("student_id", studentID))
	return out, nil
}

// SubmitLocation checks the sampled coordinates against the classroom. A
// rejection keeps the state at QR_VERIFIED so the student can retry.
func (p *Pipeline) SubmitLocation(ctx context.Context, sessionID, studentID string, sample geo.Coordinates) (State, error) {
	if _, err := p.activeSession(sessionID); err != nil {
		metrics.PipelineSteps.WithLabelValues(string(StepLocation), "rejected").Inc()
		return State{}, err
	}

	p.mu.Lock()
	st, ok := p.states[stateKey(sessionID, studentID)]
	if !ok || st.stage < stageQR {
		p.mu.Unlock()
		metrics.PipelineSteps.WithLabelValues(string(StepLocation), "rejected").Inc()
		return State{}, ErrStepOrder
	}
	if st.stage >= stageLocation {
		out := p.snapshotLocked(sessionID, studentID, st)
		p.mu.Unlock()
		return out, nil
	}
	p.mu.Unlock()

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	ok, err := p.cfg.Geo.Check(callCtx, sample, p.cfg.Classroom, p.cfg.ToleranceMeters)
	cancel()
	metrics.ObserveProvider("geo", time.Since(start))
	if err != nil {
		metrics.PipelineSteps.WithLabelValues(string(StepLocation), "error").Inc()
		return State{}, providerErr("geodistance", err)
	}
	if !ok {
		metrics.PipelineSteps.WithLabelValues(string(StepLocation), "rejected").Inc()
		return State{}, ErrLocationRejected
	}

	p.mu.Lock()
	if st.stage < stageLocation {
		st.stage = stageLocation
		sampleCopy := sample
		st.location = &sampleCopy
	}
	out := p.snapshotLocked(sessionID, studentID, st)
	p.mu.Unlock()

	metrics.PipelineSteps.WithLabelValues(string(StepLocation), "ok").Inc()
	p.log.Debug("location verified", zap.String("session_id", sessionID), zap.String("student_id", studentID))
	return out, nil
}

// SubmitFace runs the identity match and, on success, writes the ledger
// record. A duplicate write reads as success: the student is marked either way.
func (p *Pipeline) SubmitFace(ctx context.Context, sessionID, studentID, image string) (State, error) {
	sess, err := p.activeSession(sessionID)
	if err != nil {
		metrics.PipelineSteps.WithLabelValues(string(StepFace), "rejected").Inc()
		return State{}, err
	}

	p.mu.Lock()
	st, ok := p.states[stateKey(sessionID, studentID)]
	if !ok || st.stage < stageLocation {
		p.mu.Unlock()
		metrics.PipelineSteps.WithLabelValues(string(StepFace), "rejected").Inc()
		return State{}, ErrStepOrder
	}
	if st.stage >= stageFace {
		out := p.snapshotLocked(sessionID, studentID, st)
		p.mu.Unlock()
		return out, nil
	}
	p.mu.Unlock()

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	result, err := p.cfg.Face.Verify(callCtx, image, studentID)
	cancel()
	metrics.ObserveProvider("face", time.Since(start))
	if err != nil {
		metrics.PipelineSteps.WithLabelValues(string(StepFace), "error").Inc()
		return State{}, providerErr("identity match", err)
	}
	if !result.Verified {
		metrics.PipelineSteps.WithLabelValues(string(StepFace), "rejected").Inc()
		return State{}, ErrFaceRejected
	}

	rec, res, err := p.cfg.Ledger.Record(ctx, ledger.Entry{
		SessionID:   sessionID,
		StudentID:   studentID,
		StudentName: st.name,
		Section:     sess.Section,
		Subject:     sess.Subject,
		QR:          true,
		Location:    true,
		Face:        true,
		ByTeacher:   false,
	})
	if err != nil {
		metrics.LedgerWrites.WithLabelValues("pipeline", "error").Inc()
		return State{}, fmt.Errorf("record attendance: %w", err)
	}
	metrics.LedgerWrites.WithLabelValues("pipeline", string(res)).Inc()
	if res == ledger.ResultCreated && p.cfg.OnRecord != nil {
		p.cfg.OnRecord(rec)
	}

	p.mu.Lock()
	if st.stage < stageFace {
		st.stage = stageFace
	}
	out := p.snapshotLocked(sessionID, studentID, st)
	p.mu.Unlock()

	metrics.PipelineSteps.WithLabelValues(string(StepFace), "ok").Inc()
	p.log.Info("attendance marked",
		zap.String("session_id", sessionID),
		zap.String("student_id", studentID),
		zap.String("result", string(res)),
		zap.Float64("similarity", result.Similarity))
	return out, nil
}

// State returns the current progress for a pair. A pair that never submitted
// QR reports an empty step list.
func (p *Pipeline) State(sessionID, studentID string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[stateKey(sessionID, studentID)]
	if !ok {
		return State{SessionID: sessionID, StudentID: studentID, StepsCompleted: []Step{}}
	}
	return p.snapshotLocked(sessionID, studentID, st)
}

// activeSession maps registry state to the step-level error contract.
func (p *Pipeline) activeSession(sessionID string) (session.Session, error) {
	if err := p.cfg.Registry.Active(sessionID); err != nil {
		return session.Session{}, err
	}
	return p.cfg.Registry.Get(sessionID)
}

func (p *Pipeline) snapshotLocked(sessionID, studentID string, st *progress) State {
	steps := make([]Step, 0, 3)
	if st.stage >= stageQR {
		steps = append(steps, StepQR)
	}
	if st.stage >= stageLocation {
		steps = append(steps, StepLocation)
	}
	if st.stage >= stageFace {
		steps = append(steps, StepFace)
	}
	out := State{
		SessionID:      sessionID,
		StudentID:      studentID,
		StepsCompleted: steps,
		Complete:       st.stage >= stageFace,
	}
	if st.location != nil {
		loc := *st.location
		out.Location = &loc
	}
	return out
}

func providerErr(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", name, ErrProviderTimeout)
	}
	return fmt.Errorf("%s: %v: %w", name, err, ErrProviderUnavailable)
}
