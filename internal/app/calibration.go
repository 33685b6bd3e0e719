package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/engine"
	"github.com/MrWong99/vocalis/internal/feed"
	"github.com/MrWong99/vocalis/internal/observe"
)

// Calibration outcomes recorded in metrics.
const (
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient_samples"
	OutcomeError        = "error"
	OutcomeCancelled    = "cancelled"
)

const defaultSaveTimeout = 10 * time.Second

// CalibrationResult describes a finished calibration run.
type CalibrationResult struct {
	RunID      string               `json:"run_id"`
	FinishedAt time.Time            `json:"finished_at"`
	Profile    *calibration.Profile `json:"profile,omitempty"`
	Error      string               `json:"error,omitempty"`
	Retryable  bool                 `json:"retryable,omitempty"`

	// Persisted is set once the profile has been saved.
	Persisted bool `json:"persisted"`
}

// CalibrationStatus is the response body of GET /v1/calibration.
type CalibrationStatus struct {
	Active   bool                  `json:"active"`
	RunID    string                `json:"run_id,omitempty"`
	Feedback *calibration.Feedback `json:"feedback,omitempty"`
	Last     *CalibrationResult    `json:"last,omitempty"`
}

// CalibrationManager runs calibration on the engine and persists the
// resulting profiles. All exported methods are safe for concurrent use.
type CalibrationManager struct {
	engine      *engine.Engine
	store       calibration.Store
	userID      string
	hub         *feed.Hub
	metrics     *observe.Metrics
	recorder    []calibration.RecorderOption
	saveTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger

	saves sync.WaitGroup

	mu    sync.Mutex
	runID string
	last  *CalibrationResult
}

// CalibrationManagerConfig holds all dependencies for a [CalibrationManager].
type CalibrationManagerConfig struct {
	Engine  *engine.Engine
	Store   calibration.Store
	UserID  string
	Hub     *feed.Hub
	Metrics *observe.Metrics

	// RecorderOptions configure each run's recorder.
	RecorderOptions []calibration.RecorderOption

	SaveTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// NewCalibrationManager returns an idle manager.
func NewCalibrationManager(cfg CalibrationManagerConfig) *CalibrationManager {
	m := &CalibrationManager{
		engine:      cfg.Engine,
		store:       cfg.Store,
		userID:      cfg.UserID,
		hub:         cfg.Hub,
		metrics:     cfg.Metrics,
		recorder:    cfg.RecorderOptions,
		saveTimeout: cfg.SaveTimeout,
		now:         cfg.Now,
		log:         cfg.Logger,
	}
	if m.saveTimeout <= 0 {
		m.saveTimeout = defaultSaveTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// LoadStored loads the user's stored profile and installs it. A missing or
// invalid profile leaves the engine uncalibrated; only store failures are
// returned.
func (m *CalibrationManager) LoadStored(ctx context.Context) (*calibration.Profile, error) {
	p, err := m.store.Load(ctx, m.userID)
	if err != nil {
		return nil, err
	}
	m.engine.ApplyProfile(p)
	if p != nil {
		m.log.Info("calibration profile loaded", "user", m.userID)
	} else {
		m.log.Info("no calibration profile stored, using population thresholds", "user", m.userID)
	}
	return p, nil
}

// Start begins a calibration run and returns its ID. It returns
// [engine.ErrCalibrationActive] while another run is in progress.
func (m *CalibrationManager) Start() (string, error) {
	runID := uuid.NewString()
	rec := calibration.NewRecorder(m.recorder...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.engine.StartCalibration(rec, m.done(runID)); err != nil {
		return "", err
	}
	m.runID = runID
	m.log.Info("calibration started", "run_id", runID)
	return runID, nil
}

// Cancel abandons the running calibration. It reports whether one was
// running.
func (m *CalibrationManager) Cancel(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.engine.CancelCalibration() {
		return false
	}
	m.log.Info("calibration cancelled", "run_id", m.runID)
	m.runID = ""
	if m.metrics != nil {
		m.metrics.RecordCalibration(ctx, OutcomeCancelled)
	}
	return true
}

// Status returns live feedback of the running run and the last result.
func (m *CalibrationManager) Status() CalibrationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := CalibrationStatus{}
	if fb, ok := m.engine.Calibration(); ok {
		st.Active = true
		st.RunID = m.runID
		st.Feedback = &fb
	}
	if m.last != nil {
		last := *m.last
		st.Last = &last
	}
	return st
}

// StoredProfile returns the user's persisted profile, or nil.
func (m *CalibrationManager) StoredProfile(ctx context.Context) (*calibration.Profile, error) {
	return m.store.Load(ctx, m.userID)
}

// Wait blocks until pending profile saves have finished.
func (m *CalibrationManager) Wait() {
	m.saves.Wait()
}

// done returns the engine callback for run runID. It runs on the analysis
// goroutine, so persistence happens in the background.
func (m *CalibrationManager) done(runID string) engine.CalibrationDone {
	return func(p *calibration.Profile, err error) {
		ctx := context.Background()
		res := &CalibrationResult{RunID: runID, FinishedAt: m.now()}

		if err != nil {
			outcome := OutcomeError
			var ise *calibration.InsufficientSamplesError
			if errors.As(err, &ise) {
				outcome = OutcomeInsufficient
				res.Retryable = ise.Retryable()
			}
			res.Error = err.Error()
			m.finish(res)
			if m.metrics != nil {
				m.metrics.RecordCalibration(ctx, outcome)
			}
			if m.hub != nil {
				m.hub.Broadcast(feed.KindCalibrationFailed, res)
			}
			m.log.Warn("calibration failed", "run_id", runID, "err", err)
			return
		}

		m.engine.ApplyProfile(p)
		res.Profile = p
		m.finish(res)
		if m.metrics != nil {
			m.metrics.RecordCalibration(ctx, OutcomeSuccess)
		}
		if m.hub != nil {
			m.hub.Broadcast(feed.KindCalibrationComplete, res)
		}

		m.saves.Add(1)
		go func() {
			defer m.saves.Done()
			m.save(runID, p)
		}()
	}
}

func (m *CalibrationManager) finish(res *CalibrationResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = res
	if m.runID == res.RunID {
		m.runID = ""
	}
}

func (m *CalibrationManager) save(runID string, p *calibration.Profile) {
	ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "app.SaveCalibration")
	err := m.store.Save(ctx, m.userID, p)
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Error("calibration profile not persisted", "run_id", runID, "user", m.userID, "err", err)
		return
	}

	m.mu.Lock()
	if m.last != nil && m.last.RunID == runID {
		m.last.Persisted = true
	}
	m.mu.Unlock()
	m.log.Info("calibration profile saved", "run_id", runID, "user", m.userID)
}
