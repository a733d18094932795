package api

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/atmx/yield-vault/internal/metrics"
	"github.com/atmx/yield-vault/internal/model"
	"github.com/atmx/yield-vault/internal/store"
	"github.com/atmx/yield-vault/internal/vault"
)

// VaultReader is the read side of the vault the sink needs to snapshot
// positions and balances.
type VaultReader interface {
	Position(ctx context.Context, acct string) (model.PositionView, error)
	Stats(ctx context.Context) (model.VaultStats, error)
}

// Sink receives vault events: it appends them to the audit log, refreshes
// the stored snapshot of the affected position, updates metrics and fans
// the event out to WebSocket clients.
type Sink struct {
	store  store.Store
	hub    *WSHub // optional
	log    zerolog.Logger
	reader atomic.Pointer[VaultReader]
}

var _ vault.EventSink = (*Sink)(nil)

// NewSink creates a sink. Pass nil for hub if broadcasting is not needed.
func NewSink(st store.Store, hub *WSHub, log zerolog.Logger) *Sink {
	return &Sink{store: st, hub: hub, log: log}
}

// Bind attaches the vault the sink reads snapshots from. The vault takes
// the sink at construction, so binding happens afterwards.
func (s *Sink) Bind(r VaultReader) {
	s.reader.Store(&r)
}

// Publish implements vault.EventSink. Only a failure to record the event
// is returned; snapshot and broadcast problems are logged.
func (s *Sink) Publish(ctx context.Context, e model.Event) error {
	if err := s.store.InsertEvent(ctx, &e); err != nil {
		return fmt.Errorf("record %s event: %w", e.Type, err)
	}
	metrics.ObserveEvent(e)

	msg := WSMessage{Type: "event", Event: &e}
	if rp := s.reader.Load(); rp != nil {
		r := *rp
		if holder := positionHolder(e); holder != "" {
			s.snapshot(ctx, r, holder)
		}
		stats, err := r.Stats(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("stats refresh failed")
		} else {
			metrics.ObserveStats(stats)
			msg.Stats = &stats
		}
	}

	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
	return nil
}

func (s *Sink) snapshot(ctx context.Context, r VaultReader, holder string) {
	view, err := r.Position(ctx, holder)
	if err != nil {
		s.log.Warn().Err(err).Str("account", holder).Msg("position snapshot failed")
		return
	}
	if err := s.store.UpsertPosition(ctx, &view.Position); err != nil {
		s.log.Warn().Err(err).Str("account", holder).Msg("position snapshot not stored")
	}
}

// positionHolder returns the account whose shares an event changed.
func positionHolder(e model.Event) string {
	switch e.Type {
	case model.EventDeposit, model.EventWithdraw, model.EventProfitWithdraw:
		return e.Account
	default:
		return ""
	}
}
