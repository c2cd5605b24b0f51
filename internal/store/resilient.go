package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promorelay/internal/config"
	"promorelay/internal/logger"
	"promorelay/pkg/circuitbreaker"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/metrics"
	"promorelay/pkg/models"
	"promorelay/pkg/retry"
)

// ResilientStore wraps a backend with metrics, bounded retries and an optional
// circuit breaker. Duplicate keys and missing records are answers, not
// failures: they are neither retried nor counted against the breaker.
type ResilientStore struct {
	next    Store
	backend string
	policy  retry.Policy
	cb      *circuitbreaker.Wrapper
	logger  logger.Logger
}

func NewResilientStore(next Store, backend string, policy retry.Policy, cbCfg config.CircuitBreakerConfig, log logger.Logger) *ResilientStore {
	s := &ResilientStore{
		next:    next,
		backend: backend,
		policy:  policy,
		logger:  log,
	}

	if cbCfg.Enabled {
		cfg := circuitbreaker.DefaultConfig("store-" + backend)
		if cbCfg.MaxRequests > 0 {
			cfg.MaxRequests = cbCfg.MaxRequests
		}
		if cbCfg.Interval > 0 {
			cfg.Interval = cbCfg.Interval
		}
		if cbCfg.Timeout > 0 {
			cfg.Timeout = cbCfg.Timeout
		}
		cfg = cfg.WithRatio(cbCfg.FailureRatio, cbCfg.MinRequests)
		cfg.IsSuccessful = func(err error) bool { return err == nil || isAnswer(err) }
		s.cb = circuitbreaker.NewWrapper(cfg)
	}

	return s
}

func isAnswer(err error) bool {
	return pkgerrors.IsDuplicateKey(err) || pkgerrors.IsNotFound(err)
}

func (s *ResilientStore) FindByKey(ctx context.Context, channel, messageID string) (*models.PersistedMessage, error) {
	var out *models.PersistedMessage
	err := s.do(ctx, "find", func() error {
		var err error
		out, err = s.next.FindByKey(ctx, channel, messageID)
		return err
	})
	return out, err
}

// Insert is retried only when the failure is transient. A retry after a write
// that actually landed comes back as a duplicate key, which callers already
// treat as "already known".
func (s *ResilientStore) Insert(ctx context.Context, msg *models.PersistedMessage) (*models.PersistedMessage, error) {
	var out *models.PersistedMessage
	err := s.do(ctx, "insert", func() error {
		var err error
		out, err = s.next.Insert(ctx, msg)
		return err
	})
	return out, err
}

func (s *ResilientStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return s.do(ctx, "mark_delivered", func() error {
		return s.next.MarkDelivered(ctx, id, at)
	})
}

func (s *ResilientStore) do(ctx context.Context, op string, fn func() error) error {
	start := time.Now()

	err := retry.RetryWithCallback(ctx, s.policy, func() error {
		err := s.call(ctx, fn)
		if err == nil {
			return nil
		}
		if isAnswer(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return retry.NewFatalError(err)
		}
		return err
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("store", s.backend+"."+op).Inc()
		s.logger.WarnwCtx(ctx, "Retrying store operation",
			"backend", s.backend,
			"operation", op,
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})

	status := "success"
	switch {
	case err == nil:
	case pkgerrors.IsDuplicateKey(err):
		status = "duplicate"
	case pkgerrors.IsNotFound(err):
		status = "not_found"
	default:
		status = "error"
	}
	metrics.ObserveStoreOperation(s.backend, op, status, time.Since(start))

	if err != nil && status == "error" {
		return pkgerrors.Wrap(err, pkgerrors.ErrTransientNetwork)
	}
	return err
}

func (s *ResilientStore) call(ctx context.Context, fn func() error) error {
	if s.cb == nil {
		return fn()
	}

	_, err := s.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	s.cb.RecordRequest(err == nil || isAnswer(err))
	if err != nil && s.cb.IsOpen() && !isAnswer(err) {
		return fmt.Errorf("circuit breaker is open for store-%s: %w", s.backend, err)
	}
	return err
}
