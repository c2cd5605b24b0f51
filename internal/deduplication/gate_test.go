package deduplication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promorelay/internal/logger"
	"promorelay/internal/store"
	"promorelay/pkg/models"
	"promorelay/pkg/scheduler"
)

var (
	deliverable = models.ExtractedRecord{
		PrimaryCode:    "PROMO2024",
		AllCodes:       []string{"PROMO2024"},
		DestinationURL: "http://example.com",
		HasCode:        true,
		HasURL:         true,
	}
	partial = models.ExtractedRecord{AllCodes: []string{"ONLYCODE"}}
)

func sourceMessage(id string) models.SourceMessage {
	return models.SourceMessage{
		ID:            id,
		ChannelID:     "100",
		ChannelHandle: "promo_one",
		Text:          "`PROMO2024`\nhttp://example.com",
		Timestamp:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newGate(s store.Store) *Gate {
	return NewGate(s, scheduler.NewFakeClock(time.Date(2026, 5, 1, 12, 5, 0, 0, time.UTC)), logger.NopLogger())
}

func TestGate_Verdicts(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		record  models.ExtractedRecord
		deliver bool
		want    Verdict
	}{
		{name: "delivered", record: deliverable, deliver: true, want: AlreadyDelivered},
		{name: "deliverable but unsent", record: deliverable, want: AlreadyKnownUndelivered},
		{name: "stored ineligible", record: partial, want: KnownIneligible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			g := newGate(s)
			msg := sourceMessage("1")

			verdict, _, err := g.Check(ctx, msg)
			require.NoError(t, err)
			assert.Equal(t, New, verdict)

			verdict, rec, err := g.Record(ctx, msg, "Promo One", tt.record, []string{"bonus"})
			require.NoError(t, err)
			assert.Equal(t, New, verdict)
			assert.Equal(t, "Promo One", rec.ChannelName)
			assert.Equal(t, []string{"bonus"}, rec.MatchedKeywords)

			if tt.deliver {
				require.NoError(t, s.MarkDelivered(ctx, rec.ID, time.Now()))
			}

			verdict, stored, err := g.Check(ctx, msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, verdict)
			assert.Equal(t, rec.ID, stored.ID)
		})
	}
}

func TestGate_RecordTwiceReportsAlreadyKnown(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	g := newGate(s)
	msg := sourceMessage("42")

	verdict, first, err := g.Record(ctx, msg, "Promo One", deliverable, nil)
	require.NoError(t, err)
	assert.Equal(t, New, verdict)

	verdict, second, err := g.Record(ctx, msg, "Promo One", deliverable, nil)
	require.NoError(t, err)
	assert.Equal(t, AlreadyKnownUndelivered, verdict)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.Len())
}

type failingStore struct {
	store.Store
	err error
}

func (f failingStore) FindByKey(context.Context, string, string) (*models.PersistedMessage, error) {
	return nil, f.err
}

func (f failingStore) Insert(context.Context, *models.PersistedMessage) (*models.PersistedMessage, error) {
	return nil, f.err
}

func TestGate_PropagatesStoreFailures(t *testing.T) {
	boom := errors.New("store unavailable")
	g := newGate(failingStore{err: boom})

	_, _, err := g.Check(context.Background(), sourceMessage("1"))
	assert.ErrorIs(t, err, boom)

	_, _, err = g.Record(context.Background(), sourceMessage("1"), "", deliverable, nil)
	assert.ErrorIs(t, err, boom)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "new", New.String())
	assert.Equal(t, "already_delivered", AlreadyDelivered.String())
	assert.Equal(t, "known_undelivered", AlreadyKnownUndelivered.String())
	assert.Equal(t, "known_ineligible", KnownIneligible.String())
}
