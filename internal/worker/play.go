// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/metrics"
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/resilience"
	"github.com/tgcast/tgcast/internal/transport"
)

// playLoop is the outer track loop from the playback algorithm: take the
// next item, fall back to placeholder on an empty queue, stop when the
// channel's desired state flips.
func (w *Worker) playLoop(ctx context.Context, session transport.Session, ch *domain.Channel) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stop, err := w.desiredStopped(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("desired-state read failed")
		} else if stop {
			return nil
		}

		var item *domain.PlaylistItem
		var nextErr error
		err = resilience.Steps(ctx, storeRetryDelays, func() error {
			var nerr error
			item, _, nerr = w.deps.Queue.Next(ctx, ch.ID, true)
			nextErr = nerr
			if nerr != nil && !apperr.IsKind(nerr, apperr.KindStorageUnavailable) {
				// Corrupt blobs are not retryable; handled below.
				return nil
			}
			return nerr
		})
		if err != nil {
			return err
		}
		if nextErr != nil {
			var corrupt *queue.CorruptItemError
			if errors.As(nextErr, &corrupt) {
				w.failTrack(ctx, ch.ID, corrupt.ItemID, domain.TrackErrorDecode)
				continue
			}
			return nextErr
		}
		if item == nil {
			w.fire(evQueueEmpty, "queue_empty")
			if err := w.playPlaceholder(ctx, session); err != nil {
				if isPlaybackCancel(err) {
					continue
				}
				return err
			}
			continue
		}

		w.fire(evTrackStart, "")
		if err := w.playItem(ctx, session, ch, item); err != nil {
			if errors.Is(err, errStopRequested) {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) desiredStopped(ctx context.Context) (bool, error) {
	ch, err := w.deps.Channels.Get(ctx, w.cfg.ChannelID)
	if err != nil {
		return false, err
	}
	return ch.DesiredState == domain.DesiredStopped, nil
}

// playPlaceholder drives one placeholder iteration. Skip intents and
// parameter changes do not apply here; stop and queue growth do, checked
// at the iteration boundary.
func (w *Worker) playPlaceholder(ctx context.Context, session transport.Session) error {
	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	return session.Play(playCtx, w.placeholder.Stream())
}

// playItem resolves and drives one track, including the transient retry
// ladder. A nil return means the loop continues with the next item;
// errStopRequested unwinds the loop.
func (w *Worker) playItem(ctx context.Context, session transport.Session, ch *domain.Channel, item *domain.PlaylistItem) error {
	if err := w.deps.Items.SetStatus(ctx, item.ID, domain.ItemPlaying); err != nil {
		w.logger.Warn().Err(err).Str(log.FieldItemID, item.ID).Msg("item status write failed")
	}
	w.mu.Lock()
	prevID, prevReason := w.lastItemID, w.lastEndReason
	w.mu.Unlock()
	if prevReason == "" {
		prevReason = domain.TrackChangeNatural
	}
	w.deps.Publisher.Publish(domain.Event{
		Type:       domain.EventTrackChange,
		ChannelID:  ch.ID,
		OccurredAt: w.now(),
		Payload:    domain.TrackChange{Item: *item, PreviousID: prevID, Reason: prevReason},
	})

	transientDelays := w.transientDelays()
	attempt := 0
	resumeAt := 0
	for {
		stream, err := w.prepare(ctx, ch, *item)
		if err != nil {
			w.finishTrack(ctx, ch.ID, item.ID, domain.ItemFailed, trackFailureReason(err))
			return nil
		}
		if resumeAt > 0 {
			if seeker, ok := stream.(transport.Seeker); ok {
				if serr := seeker.SeekSeconds(resumeAt); serr != nil {
					resumeAt = 0
				}
			} else {
				resumeAt = 0
			}
		}
		w.beginTrack(item, stream, resumeAt)

		outcome := w.drive(ctx, session, ch.ID, stream)
		_ = stream.Close()
		switch {
		case outcome == nil:
			w.finishTrack(ctx, ch.ID, item.ID, domain.ItemPlayed, "")
			return nil

		case errors.Is(outcome, errSkipRequested):
			w.finishTrack(ctx, ch.ID, item.ID, domain.ItemSkipped, "")
			return nil

		case errors.Is(outcome, errStopRequested):
			w.finishTrack(ctx, ch.ID, item.ID, domain.ItemSkipped, "")
			return errStopRequested

		case errors.Is(outcome, errParamsChanged):
			// Re-prepare the same item and resume near the old position.
			resumeAt = w.currentPosition()
			continue

		case ctx.Err() != nil:
			w.finishTrack(ctx, ch.ID, item.ID, domain.ItemSkipped, "")
			return ctx.Err()
		}

		switch transport.Classify(outcome) {
		case apperr.KindTransportAuth:
			w.reportAuth(ctx, ch.AccountID)
			w.fire(evFail, "transport_auth")
			w.finishTrack(ctx, ch.ID, item.ID, domain.ItemFailed, domain.TrackErrorTransport)
			return outcome

		case apperr.KindTransportTransient:
			if attempt < len(transientDelays) {
				w.logger.Warn().Err(outcome).Int("attempt", attempt+1).
					Str(log.FieldItemID, item.ID).Msg("transient transport failure, retrying")
				t := time.NewTimer(transientDelays[attempt])
				attempt++
				resumeAt = w.currentPosition()
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
				continue
			}
			w.finishTrack(ctx, ch.ID, item.ID, domain.ItemFailed, domain.TrackErrorTransport)
			return nil

		default:
			w.finishTrack(ctx, ch.ID, item.ID, domain.ItemFailed, domain.TrackErrorTransport)
			return nil
		}
	}
}

// prepare runs the resolve → classify → transcode stages with the current
// parameter bundle.
func (w *Worker) prepare(ctx context.Context, ch *domain.Channel, item domain.PlaylistItem) (transport.Stream, error) {
	raw, err := w.deps.Resolver.Resolve(ctx, item)
	if err != nil {
		return nil, err
	}
	_, classified, err := w.deps.Classifier.Classify(ctx, raw)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	params := w.params
	w.mu.Unlock()
	accepted := w.deps.Transport.AcceptedProfiles(ch.Kind)
	prepared, err := w.deps.Transcoder.Prepare(ctx, classified, accepted, ch.EncoderArgs, params)
	if err != nil {
		_ = classified.Close()
		return nil, err
	}
	return prepared, nil
}

// beginTrack installs the pause gate and the position bookkeeping for a
// freshly prepared stream.
func (w *Worker) beginTrack(item *domain.PlaylistItem, stream transport.Stream, position int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gate = newPauseGate(stream, w.paused)
	w.current = currentTrack{
		itemID:   item.ID,
		stream:   stream,
		position: position,
		duration: item.DurationSeconds,
	}
	w.reprep = false
}

func (w *Worker) currentPosition() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.position
}

// drive feeds the stream to the transport while the ticker loop watches
// for skip intents, desired-state flips, parameter changes and emits
// position updates.
func (w *Worker) drive(ctx context.Context, session transport.Session, channelID string, stream transport.Stream) error {
	w.mu.Lock()
	gate := w.gate
	w.mu.Unlock()

	playCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan error, 1)
	go func() { done <- session.Play(playCtx, gate) }()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	ticks := 0

	for {
		select {
		case err := <-done:
			gate.release()
			// A deliberate cancellation carries its cause; transport errors
			// come back as-is.
			if cause := context.Cause(playCtx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			return err

		case <-ticker.C:
			ticks++
			w.tickPosition(ctx, channelID)

			if id, err := w.deps.Queue.DrainSkip(ctx, channelID); err == nil && id != "" {
				cancel(errSkipRequested)
			}

			w.mu.Lock()
			reprep := w.reprep
			w.mu.Unlock()
			if reprep {
				cancel(errParamsChanged)
			}

			if ticks%desiredPollEvery == 0 {
				if stop, err := w.desiredStopped(ctx); err == nil && stop {
					cancel(errStopRequested)
				}
			}
		}
	}
}

// tickPosition advances the position clock (paused playback stands
// still), persists it for the health surface and emits the once-a-second
// position_update.
func (w *Worker) tickPosition(ctx context.Context, channelID string) {
	w.mu.Lock()
	if !w.paused {
		w.current.position++
	}
	itemID := w.current.itemID
	pos := w.current.position
	dur := w.current.duration
	w.mu.Unlock()
	if itemID == "" {
		return
	}

	if err := w.deps.Client.Set(ctx, coord.PositionKey(channelID),
		strconv.Itoa(pos), positionTTL).Err(); err != nil {
		w.logger.Debug().Err(err).Msg("position write failed")
	}
	if !w.posLimit.Allow() {
		return
	}
	w.deps.Publisher.Publish(domain.Event{
		Type:       domain.EventPositionUpdate,
		ChannelID:  channelID,
		OccurredAt: w.now(),
		Payload: domain.PositionUpdate{
			ItemID:          itemID,
			PositionSeconds: pos,
			DurationSeconds: dur,
		},
	})
}

// finishTrack records the terminal status and the matching events.
func (w *Worker) finishTrack(ctx context.Context, channelID, itemID string, status domain.ItemStatus, reason string) {
	w.mu.Lock()
	w.current = currentTrack{}
	w.gate = nil
	w.lastItemID = itemID
	w.lastEndReason = trackEndReason(status)
	w.mu.Unlock()

	if err := w.deps.Items.SetStatus(ctx, itemID, status); err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		w.logger.Warn().Err(err).Str(log.FieldItemID, itemID).Msg("item status write failed")
	}
	if err := w.deps.Queue.ClearCurrent(ctx, channelID); err != nil {
		w.logger.Warn().Err(err).Msg("clear current failed")
	}

	switch status {
	case domain.ItemPlayed:
		// Only tracks that finished on their own count as played.
		metrics.TracksPlayed.Inc()
	case domain.ItemFailed:
		w.failTrack(ctx, channelID, itemID, reason)
	}
}

func (w *Worker) failTrack(ctx context.Context, channelID, itemID, reason string) {
	_ = ctx
	metrics.TrackErrors.WithLabelValues(channelID, reason).Inc()
	w.deps.Publisher.Publish(domain.Event{
		Type:       domain.EventTrackError,
		ChannelID:  channelID,
		OccurredAt: w.now(),
		Payload:    domain.TrackError{ItemID: itemID, Reason: reason},
	})
	w.logger.Warn().Str(log.FieldItemID, itemID).Str(log.FieldReason, reason).Msg("track failed")
}

// reasonFor surfaces the taxonomy reason in command replies.
func reasonFor(err error) string {
	if r := apperr.ReasonOf(err); r != "" {
		return r
	}
	return string(apperr.KindOf(err))
}

// trackFailureReason folds a prepare-stage error into the closed
// track_error reason set. Anything that kept the source from being
// opened is unreachable; only a source that opened but would not decode
// is a decode failure.
func trackFailureReason(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindDecode:
		return domain.TrackErrorDecode
	case apperr.KindNotFound, apperr.KindValidation, apperr.KindStorageUnavailable,
		apperr.KindTransportTransient, apperr.KindTransportPersistent:
		return domain.TrackErrorUnreachable
	default:
		return domain.TrackErrorUnknown
	}
}

// trackEndReason maps a terminal item status onto the track_change
// reason announced with the next track.
func trackEndReason(status domain.ItemStatus) string {
	switch status {
	case domain.ItemSkipped:
		return domain.TrackChangeSkip
	case domain.ItemFailed:
		return domain.TrackChangeError
	default:
		return domain.TrackChangeNatural
	}
}

func isPlaybackCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

// pauseGate wraps the playing stream so pause stops feeding the transport
// without tearing the pipeline down.
type pauseGate struct {
	inner transport.Stream

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	released bool
}

func newPauseGate(inner transport.Stream, paused bool) *pauseGate {
	g := &pauseGate{inner: inner, paused: paused}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *pauseGate) Read(p []byte) (int, error) {
	g.mu.Lock()
	for g.paused && !g.released {
		g.cond.Wait()
	}
	released := g.released
	g.mu.Unlock()
	if released {
		return 0, io.EOF
	}
	return g.inner.Read(p)
}

func (g *pauseGate) Close() error    { g.release(); return g.inner.Close() }
func (g *pauseGate) Profile() string { return g.inner.Profile() }

// SeekSeconds passes through to the inner stream.
func (g *pauseGate) SeekSeconds(seconds int) error {
	if seeker, ok := g.inner.(transport.Seeker); ok {
		return seeker.SeekSeconds(seconds)
	}
	return apperr.WithReason(apperr.KindValidation, apperr.ReasonNotSeekable,
		"stream does not support seeking")
}

func (g *pauseGate) setPaused(paused bool) {
	g.mu.Lock()
	g.paused = paused
	g.mu.Unlock()
	g.cond.Broadcast()
}

// release unblocks any paused Read permanently.
func (g *pauseGate) release() {
	g.mu.Lock()
	g.released = true
	g.mu.Unlock()
	g.cond.Broadcast()
}
