package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solace-ai/solace/internal/config"
	"github.com/solace-ai/solace/pkg/models"
)

// monitorTarget is the slice of the manager the monitor needs.
type monitorTarget interface {
	MonitorSnapshots() []MonitorSnapshot
	Request(Event) bool
}

// Monitor drives time-based transitions: idle pause and max-duration
// completion. It never mutates session state itself; it files requests
// with the manager, which re-validates them under its own lock.
type Monitor struct {
	target   monitorTarget
	settings *config.Config

	// marks remember which requests are already in flight per
	// conversation so a slow transition is not re-requested every tick.
	marks map[string]monitorMark
}

type monitorMark struct {
	pause    bool
	complete bool
}

// NewMonitor creates a sweeper over the manager's sessions.
func NewMonitor(target monitorTarget, settings *config.Config) *Monitor {
	if settings == nil {
		settings = config.Default()
	}
	return &Monitor{
		target:   target,
		settings: settings,
		marks:    make(map[string]monitorMark),
	}
}

// Run sweeps on every tick until ctx ends.
func (mon *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(mon.settings.MonitorTick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			mon.sweep(now)
		}
	}
}

// sweep files at most one request per conversation per tick, completion
// taking precedence over pause. A request refused by a full channel leaves
// the mark unset so the next tick retries it; a mark resets as soon as its
// condition stops holding, so a resumed session can be paused again later.
func (mon *Monitor) sweep(now time.Time) {
	snaps := mon.target.MonitorSnapshots()
	live := make(map[string]struct{}, len(snaps))

	for _, snap := range snaps {
		live[snap.ConversationID] = struct{}{}
		mark := mon.marks[snap.ConversationID]

		if snap.Status.IsTerminal() {
			continue
		}

		maxDuration := time.Duration(snap.MaxDurationMinutes) * time.Minute
		if maxDuration <= 0 {
			maxDuration = mon.settings.MaxDuration()
		}
		elapsed := now.Sub(time.UnixMilli(snap.StartedAtEpoch))
		if elapsed >= maxDuration {
			if !mark.complete && mon.target.Request(Event{
				Type:           EventCompleteRequested,
				UserID:         snap.UserID,
				ConversationID: snap.ConversationID,
				Reason:         ReasonMaxDuration,
			}) {
				mark.complete = true
				log.Info().
					Str("conversationId", snap.ConversationID).
					Dur("elapsed", elapsed).
					Msg("Maximum duration reached, requesting completion")
			}
			mon.marks[snap.ConversationID] = mark
			continue
		}
		mark.complete = false

		if snap.Status == models.ConversationStatusActive && now.Sub(snap.LastActivityAt) >= mon.settings.IdleTimeout() {
			if !mark.pause && mon.target.Request(Event{
				Type:           EventPauseRequested,
				UserID:         snap.UserID,
				ConversationID: snap.ConversationID,
				Reason:         ReasonIdle,
			}) {
				mark.pause = true
				log.Info().
					Str("conversationId", snap.ConversationID).
					Dur("idle", now.Sub(snap.LastActivityAt)).
					Msg("Idle timeout reached, requesting pause")
			}
		} else {
			mark.pause = false
		}
		mon.marks[snap.ConversationID] = mark
	}

	for id := range mon.marks {
		if _, ok := live[id]; !ok {
			delete(mon.marks, id)
		}
	}
}
