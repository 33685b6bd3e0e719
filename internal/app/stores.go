package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/calibration/postgres"
	"github.com/MrWong99/vocalis/internal/config"
	"github.com/MrWong99/vocalis/internal/health"
	"github.com/MrWong99/vocalis/internal/observe"
	"github.com/MrWong99/vocalis/internal/resilience"
)

// defaultConnectTimeout bounds store construction unless the entry sets the
// "connect_timeout" option.
const defaultConnectTimeout = 10 * time.Second

// RegisterBuiltinStores registers the memory, file and postgres factories.
func RegisterBuiltinStores(reg *config.Registry) {
	reg.Register(config.StoreMemory, func(context.Context, config.StoreEntry) (calibration.Store, error) {
		return calibration.NewMemoryStore(), nil
	})
	reg.Register(config.StoreFile, func(_ context.Context, e config.StoreEntry) (calibration.Store, error) {
		if e.Dir == "" {
			return nil, errors.New("dir is required")
		}
		return calibration.NewFileStore(e.Dir)
	})
	reg.Register(config.StorePostgres, func(ctx context.Context, e config.StoreEntry) (calibration.Store, error) {
		if e.DSN == "" {
			return nil, errors.New("dsn is required")
		}
		timeout, err := connectTimeout(e)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return postgres.NewStore(ctx, e.DSN)
	})
}

func connectTimeout(e config.StoreEntry) (time.Duration, error) {
	v, ok := e.Options["connect_timeout"]
	if !ok {
		return defaultConnectTimeout, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("connect_timeout: want duration string, got %T", v)
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("connect_timeout: invalid duration %q", s)
	}
	return d, nil
}

// storeSet is the result of [buildStore].
type storeSet struct {
	store   calibration.Store
	checks  []health.Checker
	closers []func() error
}

// buildStore creates every configured backend and chains them behind
// circuit breakers. Backends that fail to start are skipped with a warning as
// long as at least one starts.
func buildStore(ctx context.Context, reg *config.Registry, cfg config.CalibrationConfig, m *observe.Metrics, log *slog.Logger) (*storeSet, error) {
	set := &storeSet{}
	var (
		group *resilience.FallbackGroup[calibration.Store]
		errs  []error
	)
	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
		HalfOpenMax:  cfg.CircuitBreaker.HalfOpenMax,
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("calibration store breaker changed state", "store", name, "from", from.String(), "to", to.String())
		},
	}}

	for _, entry := range cfg.Stores {
		s, err := reg.Create(ctx, entry)
		if err != nil {
			log.Warn("calibration store unavailable", "store", entry.Name, "err", err)
			errs = append(errs, err)
			continue
		}
		if c, ok := s.(interface{ Close() }); ok {
			set.closers = append(set.closers, func() error { c.Close(); return nil })
		}
		if p, ok := s.(health.Pinger); ok {
			set.checks = append(set.checks, health.Checker{Name: "store." + entry.Name, Check: p.Ping, Optional: true})
		}
		if group == nil {
			group = resilience.NewFallbackGroup(s, entry.Name, fbCfg)
		} else {
			group.AddFallback(entry.Name, s)
		}
		log.Info("calibration store ready", "store", entry.Name)
	}
	if group == nil {
		if len(errs) == 0 {
			errs = append(errs, errors.New("no stores configured"))
		}
		return nil, fmt.Errorf("app: calibration store: %w", errors.Join(errs...))
	}

	fb := calibration.NewFallbackStore(group)
	set.checks = append(set.checks, health.BreakerChecker("stores", fb.Backends))
	set.store = &meteredStore{next: fb, metrics: m}
	return set, nil
}

// meteredStore counts store operations by outcome.
type meteredStore struct {
	next    calibration.Store
	metrics *observe.Metrics
}

var _ calibration.Store = (*meteredStore)(nil)

func (s *meteredStore) Load(ctx context.Context, userID string) (*calibration.Profile, error) {
	p, err := s.next.Load(ctx, userID)
	if s.metrics != nil {
		s.metrics.RecordStoreOp(ctx, "load", err)
	}
	return p, err
}

func (s *meteredStore) Save(ctx context.Context, userID string, p *calibration.Profile) error {
	err := s.next.Save(ctx, userID, p)
	if s.metrics != nil {
		s.metrics.RecordStoreOp(ctx, "save", err)
	}
	return err
}
