package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promorelay/internal/config"
	"promorelay/internal/logger"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/models"
	"promorelay/pkg/retry"
)

// flakyStore fails the first failures calls to Insert before delegating.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) Insert(ctx context.Context, msg *models.PersistedMessage) (*models.PersistedMessage, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.MemoryStore.Insert(ctx, msg)
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
	}
}

func TestResilientStore_RetriesTransientFailures(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	s := NewResilientStore(inner, "memory", fastPolicy(3), config.CircuitBreakerConfig{}, logger.NopLogger())

	rec, err := s.Insert(context.Background(), newRecord("chan", "1"))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientStore_GivesUpAsTransientNetwork(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10}
	s := NewResilientStore(inner, "memory", fastPolicy(2), config.CircuitBreakerConfig{}, logger.NopLogger())

	_, err := s.Insert(context.Background(), newRecord("chan", "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrTransientNetwork)
	assert.Equal(t, 2, inner.calls)
}

func TestResilientStore_DoesNotRetryAnswers(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore()}
	s := NewResilientStore(inner, "memory", fastPolicy(5), config.CircuitBreakerConfig{
		Enabled:      true,
		FailureRatio: 0.5,
		MinRequests:  1,
	}, logger.NopLogger())
	ctx := context.Background()

	_, err := s.Insert(ctx, newRecord("chan", "1"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = s.Insert(ctx, newRecord("chan", "1"))
		assert.True(t, pkgerrors.IsDuplicateKey(err))
	}
	assert.Equal(t, 6, inner.calls)

	_, err = s.FindByKey(ctx, "chan", "missing")
	assert.True(t, pkgerrors.IsNotFound(err))

	// Answers never trip the breaker.
	_, err = s.FindByKey(ctx, "chan", "1")
	assert.NoError(t, err)
}

func TestResilientStore_Contract(t *testing.T) {
	storeContract(t, NewResilientStore(NewMemoryStore(), "memory", fastPolicy(2), config.CircuitBreakerConfig{}, logger.NopLogger()))
}
