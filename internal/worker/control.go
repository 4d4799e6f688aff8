// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/metrics"
	"github.com/tgcast/tgcast/internal/pipeline"
	"github.com/tgcast/tgcast/internal/transport"
)

// CommandOp names a worker control operation.
type CommandOp string

const (
	OpPause    CommandOp = "pause"
	OpResume   CommandOp = "resume"
	OpSeek     CommandOp = "seek"
	OpSettings CommandOp = "settings"
)

// Command is one control intent pushed onto the channel's control list.
type Command struct {
	ID      string          `json:"id"`
	Op      CommandOp       `json:"op"`
	Seconds int             `json:"seconds,omitempty"`
	Params  pipeline.Params `json:"params"`
}

// Reply is the worker's answer, written under a TTL-bounded reply key.
type Reply struct {
	OK       bool     `json:"ok"`
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

const (
	controlPopTimeout = time.Second
	replyTTL          = 30 * time.Second
	sendTimeout       = 5 * time.Second
	sendPollInterval  = 50 * time.Millisecond
)

// Send pushes a command to a channel's worker and waits for its reply. It
// is called from the daemon process; the worker answers from controlLoop.
func Send(ctx context.Context, client *redis.Client, channelID string, cmd Command) (Reply, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	blob, err := json.Marshal(cmd)
	if err != nil {
		return Reply{}, apperr.Wrap(apperr.KindInternal, "encode control command", err)
	}
	if err := client.LPush(ctx, coord.ControlKey(channelID), blob).Err(); err != nil {
		return Reply{}, apperr.Wrap(apperr.KindStorageUnavailable, "push control command", err)
	}

	deadline, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	key := coord.ControlReplyKey(channelID, cmd.ID)
	for {
		raw, err := client.Get(deadline, key).Bytes()
		switch {
		case err == nil:
			var reply Reply
			if jerr := json.Unmarshal(raw, &reply); jerr != nil {
				return Reply{}, apperr.Wrap(apperr.KindInternal, "decode control reply", jerr)
			}
			_ = client.Del(ctx, key).Err()
			return reply, nil
		case errors.Is(err, redis.Nil):
			// No reply yet; the worker may be mid-track.
		default:
			return Reply{}, apperr.Wrap(apperr.KindStorageUnavailable, "read control reply", err)
		}

		t := time.NewTimer(sendPollInterval)
		select {
		case <-deadline.Done():
			t.Stop()
			return Reply{}, apperr.WithReason(apperr.KindConflict, apperr.ReasonSessionUnavailable,
				"worker did not answer the control command")
		case <-t.C:
		}
	}
}

// controlLoop drains the channel's control list and applies each command.
// Commands act on in-memory state under w.mu, so applying one is cheap and
// never blocks playback.
func (w *Worker) controlLoop(ctx context.Context) error {
	key := coord.ControlKey(w.cfg.ChannelID)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vals, err := w.deps.Client.BRPop(ctx, controlPopTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Msg("control pop failed")
			t := time.NewTimer(time.Second)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(vals[1]), &cmd); err != nil {
			w.logger.Warn().Err(err).Msg("undecodable control command dropped")
			continue
		}
		reply := w.applyCommand(cmd)
		w.writeReply(ctx, cmd.ID, reply)
	}
}

func (w *Worker) applyCommand(cmd Command) Reply {
	switch cmd.Op {
	case OpPause:
		return w.applyPause()
	case OpResume:
		return w.applyResume()
	case OpSeek:
		return w.applySeek(cmd.Seconds)
	case OpSettings:
		return w.applySettings(cmd.Params)
	default:
		return Reply{Reason: "unknown_op"}
	}
}

// applyPause freezes the position clock and stops feeding the transport.
// The pipeline stays prepared, so resume is instant.
func (w *Worker) applyPause() Reply {
	if w.State() != domain.StreamRunning {
		return Reply{Reason: string(apperr.KindConflict)}
	}
	w.mu.Lock()
	w.paused = true
	gate := w.gate
	w.mu.Unlock()
	if gate != nil {
		gate.setPaused(true)
	}
	w.fire(evPause, "operator")
	return Reply{OK: true}
}

func (w *Worker) applyResume() Reply {
	if w.State() != domain.StreamPaused {
		return Reply{Reason: string(apperr.KindConflict)}
	}
	w.mu.Lock()
	w.paused = false
	gate := w.gate
	w.mu.Unlock()
	if gate != nil {
		gate.setPaused(false)
	}
	w.fire(evResume, "operator")
	return Reply{OK: true}
}

func (w *Worker) applySeek(seconds int) Reply {
	if seconds < 0 {
		return Reply{Reason: apperr.ReasonInvalidPosition}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current.itemID == "" || w.current.stream == nil {
		return Reply{Reason: string(apperr.KindConflict)}
	}
	if w.current.duration > 0 && seconds > w.current.duration {
		return Reply{Reason: apperr.ReasonInvalidPosition}
	}
	seeker, ok := w.current.stream.(transport.Seeker)
	if !ok {
		return Reply{Reason: apperr.ReasonNotSeekable}
	}
	if err := seeker.SeekSeconds(seconds); err != nil {
		return Reply{Reason: reasonFor(err)}
	}
	w.current.position = seconds
	return Reply{OK: true}
}

// applySettings clamps and installs a new parameter bundle. A playing
// track is re-prepared on the next tick so the change lands mid-track.
func (w *Worker) applySettings(params pipeline.Params) Reply {
	clamped, warnings := params.Clamp()
	for _, warning := range warnings {
		w.deps.Publisher.Publish(domain.Event{
			Type:       domain.EventSystemAlert,
			ChannelID:  w.cfg.ChannelID,
			OccurredAt: w.now(),
			Payload: domain.SystemAlert{
				Code:     domain.AlertParamsClamped,
				Severity: "warning",
				Message:  warning,
			},
		})
	}

	w.mu.Lock()
	w.params = clamped
	if w.current.itemID != "" {
		w.reprep = true
	}
	w.mu.Unlock()
	w.logger.Info().Interface("params", clamped).Msg("stream parameters updated")
	return Reply{OK: true, Warnings: warnings}
}

func (w *Worker) writeReply(ctx context.Context, commandID string, reply Reply) {
	if commandID == "" {
		return
	}
	blob, err := json.Marshal(reply)
	if err != nil {
		w.logger.Error().Err(err).Msg("encode control reply failed")
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := w.deps.Client.Set(wctx, coord.ControlReplyKey(w.cfg.ChannelID, commandID),
		blob, replyTTL).Err(); err != nil {
		w.logger.Warn().Err(err).Msg("control reply write failed")
	}
}

// observeLoop reports the listener count: the gauge for operators, the
// TTL'd key for the daemon's auto-end watcher, the event for dashboards.
func (w *Worker) observeLoop(ctx context.Context, session transport.Session) error {
	ticker := time.NewTicker(listenersInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		count, err := session.Participants(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Debug().Err(err).Msg("participant poll failed")
			continue
		}
		metrics.SetListeners(w.cfg.ChannelID, count)
		if err := w.deps.Client.Set(ctx, coord.ListenersKey(w.cfg.ChannelID),
			count, listenersTTL).Err(); err != nil {
			w.logger.Debug().Err(err).Msg("listeners write failed")
		}
		w.deps.Publisher.Publish(domain.Event{
			Type:       domain.EventListenersUpdate,
			ChannelID:  w.cfg.ChannelID,
			OccurredAt: w.now(),
			Payload:    domain.ListenersUpdate{Count: count},
		})
	}
}
