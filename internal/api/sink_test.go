package api

import (
	"context"
	"errors"
	"testing"

	"cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/yield-vault/internal/model"
	"github.com/atmx/yield-vault/internal/store"
)

const holder = "0x00000000000000000000000000000000000a11ce"

type fakeReader struct {
	positions map[string]model.PositionView
	statsErr  error
}

func (f *fakeReader) Position(_ context.Context, acct string) (model.PositionView, error) {
	if v, ok := f.positions[acct]; ok {
		return v, nil
	}
	return model.PositionView{}, errors.New("unknown account")
}

func (f *fakeReader) Stats(context.Context) (model.VaultStats, error) {
	return model.VaultStats{TotalAssets: math.NewInt(98_000)}, f.statsErr
}

type failingStore struct{ store.Store }

func (failingStore) InsertEvent(context.Context, *model.Event) error {
	return errors.New("database unavailable")
}

func TestSink_RecordsEventBeforeBinding(t *testing.T) {
	st := store.NewMemoryStore()
	sink := NewSink(st, nil, zerolog.Nop())

	require.NoError(t, sink.Publish(context.Background(), model.Event{ID: "1", Type: model.EventDeposit, Account: holder}))

	events, err := st.ListEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = st.GetPosition(context.Background(), holder)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSink_SnapshotsShareOwner(t *testing.T) {
	st := store.NewMemoryStore()
	sink := NewSink(st, nil, zerolog.Nop())

	pos := model.NewPosition(holder)
	pos.Shares = math.NewInt(98_000)
	sink.Bind(&fakeReader{positions: map[string]model.PositionView{holder: {Position: pos}}})

	ctx := context.Background()
	require.NoError(t, sink.Publish(ctx, model.Event{ID: "1", Type: model.EventParamChanged, Actor: holder}))
	_, err := st.GetPosition(ctx, holder)
	require.ErrorIs(t, err, store.ErrNotFound, "admin events do not snapshot")

	require.NoError(t, sink.Publish(ctx, model.Event{ID: "2", Type: model.EventDeposit, Actor: holder, Account: holder}))
	got, err := st.GetPosition(ctx, holder)
	require.NoError(t, err)
	assert.True(t, math.NewInt(98_000).Equal(got.Shares))

	// Snapshot and stats failures do not fail the publish.
	sink.Bind(&fakeReader{statsErr: errors.New("strategy down")})
	require.NoError(t, sink.Publish(ctx, model.Event{ID: "3", Type: model.EventWithdraw, Account: holder}))
}

func TestSink_StoreFailureReturned(t *testing.T) {
	sink := NewSink(failingStore{}, nil, zerolog.Nop())
	err := sink.Publish(context.Background(), model.Event{ID: "1", Type: model.EventDeposit})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestPositionHolder(t *testing.T) {
	tests := map[model.EventType]string{
		model.EventDeposit:        holder,
		model.EventWithdraw:       holder,
		model.EventProfitWithdraw: holder,
		model.EventRebalance:      "",
		model.EventSharesApproved: "",
	}
	for kind, want := range tests {
		assert.Equal(t, want, positionHolder(model.Event{Type: kind, Account: holder}), string(kind))
	}
}
