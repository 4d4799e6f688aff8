// SPDX-License-Identifier: MIT

// Package queue implements the per-channel playback queue on the shared
// store. Two disciplines hide behind one facade: fifo (list) and priority
// (scored set, role base + arrival time, minimum wins). Callers never see
// the storage shape.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/metrics"
)

// Publisher receives queue_update events. The hub satisfies it; tests use
// a recorder.
type Publisher interface {
	Publish(ev domain.Event)
}

// State is a channel queue's metadata view.
type State struct {
	Discipline        domain.Discipline
	MaxLength         int
	CurrentItemID     string
	PlaceholderActive bool
}

// Engine is the queue facade. One instance serves all channels; per-channel
// serialization comes from the store's scripts, not in-process locks.
type Engine struct {
	client *redis.Client
	pub    Publisher
	logger zerolog.Logger

	defaultMaxLen     int
	defaultDiscipline domain.Discipline

	now func() time.Time
}

// New builds the engine. pub may be nil when no fan-out is attached
// (worker-side read paths).
func New(client *redis.Client, pub Publisher, defaultMaxLen int) *Engine {
	return &Engine{
		client:            client,
		pub:               pub,
		logger:            log.WithComponent("queue"),
		defaultMaxLen:     defaultMaxLen,
		defaultDiscipline: domain.DisciplineFIFO,
		now:               time.Now,
	}
}

func (e *Engine) keys(channelID string) (list, zset, state string) {
	return coord.QueueKey(channelID), coord.QueueZKey(channelID), coord.QueueStateKey(channelID)
}

func (e *Engine) emit(channelID string, action domain.QueueAction, item *domain.PlaylistItem, size int, placeholder bool) {
	metrics.SetQueueSize(channelID, size)
	if e.pub == nil {
		return
	}
	e.pub.Publish(domain.Event{
		Type:       domain.EventQueueUpdate,
		ChannelID:  channelID,
		OccurredAt: e.now(),
		Payload: domain.QueueUpdate{
			Action:            action,
			Item:              item,
			Size:              size,
			PlaceholderActive: placeholder,
		},
	})
}

// Add appends item under the channel's discipline and returns its
// position. The requester tier is cached on the item for priority scoring.
func (e *Engine) Add(ctx context.Context, channelID string, item domain.PlaylistItem, tier domain.Tier) (int, error) {
	return e.add(ctx, channelID, item, tier, false)
}

// PriorityAdd inserts item at the front of its role class (vip). Under
// fifo it goes straight to the head.
func (e *Engine) PriorityAdd(ctx context.Context, channelID string, item domain.PlaylistItem) (int, error) {
	return e.add(ctx, channelID, item, domain.TierVIP, true)
}

func (e *Engine) add(ctx context.Context, channelID string, item domain.PlaylistItem, tier domain.Tier, front bool) (int, error) {
	if err := ValidateSource(item.Source); err != nil {
		return 0, err
	}
	now := e.now()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.ChannelID = channelID
	item.Status = domain.ItemQueued
	item.RequesterTier = tier
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	blob, err := json.Marshal(itemBlob{PlaylistItem: item, CreatedUnixMS: item.CreatedAt.UnixMilli()})
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "marshal queue item", err)
	}

	list, zset, state := e.keys(channelID)
	res, err := addScript.Run(ctx, e.client,
		[]string{list, zset, state, coord.ItemKey(channelID, item.ID)},
		item.ID, blob, score(tier, item.CreatedAt),
		string(e.defaultDiscipline), e.defaultMaxLen, boolArg(front),
	).Int64Slice()
	if err != nil {
		return 0, coord.Unavailable("queue add", err)
	}
	pos, size := int(res[0]), int(res[1])
	if pos == -1 {
		return 0, apperr.WithReason(apperr.KindConflict, apperr.ReasonQueueFull,
			"queue at capacity ("+strconv.Itoa(size)+")")
	}

	op, action := "add", domain.QueueActionAdd
	if front {
		op, action = "priority_add", domain.QueueActionPriorityAdd
	}
	metrics.IncQueueOperation(channelID, op)
	e.emit(channelID, action, &item, size, false)
	return pos, nil
}

// Remove deletes a queued item by id.
func (e *Engine) Remove(ctx context.Context, channelID, itemID string) error {
	list, zset, _ := e.keys(channelID)
	res, err := removeScript.Run(ctx, e.client,
		[]string{list, zset, coord.ItemKey(channelID, itemID)}, itemID,
	).Int64Slice()
	if err != nil {
		return coord.Unavailable("queue remove", err)
	}
	if res[0] == -1 {
		return apperr.New(apperr.KindNotFound, "item not queued: "+itemID)
	}
	metrics.IncQueueOperation(channelID, "remove")
	e.emit(channelID, domain.QueueActionRemove, nil, int(res[1]), false)
	return nil
}

// Move repositions a queued item. Only meaningful under fifo; under
// priority the score owns the order.
func (e *Engine) Move(ctx context.Context, channelID, itemID string, newPos int) error {
	list, _, state := e.keys(channelID)
	res, err := moveScript.Run(ctx, e.client,
		[]string{list, state}, itemID, newPos, string(e.defaultDiscipline),
	).Int64Slice()
	if err != nil {
		return coord.Unavailable("queue move", err)
	}
	switch res[0] {
	case -1:
		return apperr.New(apperr.KindNotFound, "item not queued: "+itemID)
	case -2:
		return apperr.WithReason(apperr.KindValidation, apperr.ReasonInvalidPosition,
			"position "+strconv.Itoa(newPos)+" out of range")
	case -3:
		return apperr.WithReason(apperr.KindValidation, apperr.ReasonInvalidPosition,
			"priority queues order by score, not position")
	}
	metrics.IncQueueOperation(channelID, "move")
	e.emit(channelID, domain.QueueActionMove, nil, int(res[1]), false)
	return nil
}

// Skip advances past the current track. With a track playing it only
// records the intent (drained by the worker at a safe point) and returns
// the playing id. With nothing playing it pops the head. Empty queue
// returns "" and emits nothing.
func (e *Engine) Skip(ctx context.Context, channelID string) (string, error) {
	list, zset, state := e.keys(channelID)
	res, err := skipScript.Run(ctx, e.client,
		[]string{state, list, zset, coord.SkipIntentKey(channelID)},
		string(e.defaultDiscipline), coord.ItemKey(channelID, ""),
	).Slice()
	if err != nil {
		return "", coord.Unavailable("queue skip", err)
	}
	mode, _ := res[0].(int64)
	id, _ := res[1].(string)
	switch mode {
	case 0:
		return "", nil
	case 1:
		metrics.IncQueueOperation(channelID, "skip")
		return id, nil
	default:
		size, _ := res[2].(int64)
		metrics.IncQueueOperation(channelID, "skip")
		e.emit(channelID, domain.QueueActionRemove, nil, int(size), false)
		return id, nil
	}
}

// DrainSkip consumes a pending skip intent, returning the intended item id
// or "".
func (e *Engine) DrainSkip(ctx context.Context, channelID string) (string, error) {
	id, err := e.client.GetDel(ctx, coord.SkipIntentKey(channelID)).Result()
	if coord.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", coord.Unavailable("queue drain skip", err)
	}
	return id, nil
}

// Peek returns the head item id without popping, or "".
func (e *Engine) Peek(ctx context.Context, channelID string) (string, error) {
	st, err := e.ReadState(ctx, channelID)
	if err != nil {
		return "", err
	}
	if st.Discipline == domain.DisciplinePriority {
		ids, err := e.client.ZRange(ctx, coord.QueueZKey(channelID), 0, 0).Result()
		if err != nil {
			return "", coord.Unavailable("queue peek", err)
		}
		if len(ids) == 0 {
			return "", nil
		}
		return ids[0], nil
	}
	id, err := e.client.LIndex(ctx, coord.QueueKey(channelID), 0).Result()
	if coord.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", coord.Unavailable("queue peek", err)
	}
	return id, nil
}

// Next pops the head for the worker. With an empty queue and
// desiredRunning it arms the placeholder flag instead and emits the
// queue_update the flag change requires. A corrupt blob yields a
// CorruptItemError; the caller reports it and tries again.
func (e *Engine) Next(ctx context.Context, channelID string, desiredRunning bool) (*domain.PlaylistItem, bool, error) {
	list, zset, state := e.keys(channelID)
	res, err := nextScript.Run(ctx, e.client,
		[]string{state, list, zset},
		boolArg(desiredRunning), string(e.defaultDiscipline), coord.ItemKey(channelID, ""),
	).Slice()
	if err != nil {
		return nil, false, coord.Unavailable("queue next", err)
	}
	mode, _ := res[0].(int64)
	switch mode {
	case 0:
		return nil, false, nil
	case 2:
		e.emit(channelID, domain.QueueActionAdvance, nil, 0, true)
		return nil, true, nil
	case 3:
		id, _ := res[1].(string)
		size, _ := res[3].(int64)
		metrics.SetQueueSize(channelID, int(size))
		return nil, false, newCorruptItemError(id)
	}

	raw, _ := res[2].(string)
	var blob itemBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		id, _ := res[1].(string)
		// The head was popped with its current marker already set; undo it.
		if derr := e.ClearCurrent(ctx, channelID); derr != nil {
			e.logger.Warn().Err(derr).Str(log.FieldChannelID, channelID).
				Msg("failed to clear current after corrupt blob")
		}
		return nil, false, newCorruptItemError(id)
	}
	item := blob.PlaylistItem
	item.Status = domain.ItemPlaying
	size, _ := res[3].(int64)
	e.emit(channelID, domain.QueueActionAdvance, &item, int(size), false)
	return &item, false, nil
}

// Snapshot returns the queued items in play order.
func (e *Engine) Snapshot(ctx context.Context, channelID string) ([]domain.PlaylistItem, error) {
	st, err := e.ReadState(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var ids []string
	if st.Discipline == domain.DisciplinePriority {
		ids, err = e.client.ZRange(ctx, coord.QueueZKey(channelID), 0, -1).Result()
	} else {
		ids, err = e.client.LRange(ctx, coord.QueueKey(channelID), 0, -1).Result()
	}
	if err != nil {
		return nil, coord.Unavailable("queue snapshot", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = coord.ItemKey(channelID, id)
	}
	blobs, err := e.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, coord.Unavailable("queue snapshot", err)
	}

	items := make([]domain.PlaylistItem, 0, len(blobs))
	for i, raw := range blobs {
		s, ok := raw.(string)
		if !ok {
			e.logger.Warn().Str(log.FieldChannelID, channelID).Str(log.FieldItemID, ids[i]).
				Msg("queued item blob missing, omitted from snapshot")
			continue
		}
		var blob itemBlob
		if err := json.Unmarshal([]byte(s), &blob); err != nil {
			e.logger.Warn().Str(log.FieldChannelID, channelID).Str(log.FieldItemID, ids[i]).
				Msg("queued item blob undecodable, omitted from snapshot")
			continue
		}
		items = append(items, blob.PlaylistItem)
	}
	return items, nil
}

// SetDiscipline switches an empty queue's discipline. Setting the current
// discipline again succeeds regardless of queue content.
func (e *Engine) SetDiscipline(ctx context.Context, channelID string, d domain.Discipline) error {
	if d != domain.DisciplineFIFO && d != domain.DisciplinePriority {
		return apperr.New(apperr.KindValidation, "unknown discipline "+string(d))
	}
	list, zset, state := e.keys(channelID)
	res, err := setDisciplineScript.Run(ctx, e.client,
		[]string{state, list, zset}, string(d), string(e.defaultDiscipline),
	).Int64()
	if err != nil {
		return coord.Unavailable("queue set discipline", err)
	}
	if res == -1 {
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonHasItems,
			"cannot switch discipline with items queued")
	}
	return nil
}

// Migrate transfers all queued ids from one shape to the other, preserving
// the multiset and emptying the source. Priority scores are recomputed
// from each item's cached tier and arrival time.
func (e *Engine) Migrate(ctx context.Context, channelID string, from, to domain.Discipline) (int, error) {
	for _, d := range []domain.Discipline{from, to} {
		if d != domain.DisciplineFIFO && d != domain.DisciplinePriority {
			return 0, apperr.New(apperr.KindValidation, "unknown discipline "+string(d))
		}
	}
	list, zset, state := e.keys(channelID)
	res, err := migrateScript.Run(ctx, e.client,
		[]string{state, list, zset},
		string(from), string(to), coord.ItemKey(channelID, ""), string(e.defaultDiscipline),
	).Int64Slice()
	if err != nil {
		return 0, coord.Unavailable("queue migrate", err)
	}
	if res[0] == -1 {
		return 0, apperr.New(apperr.KindConflict, "queue is not in discipline "+string(from))
	}
	return int(res[1]), nil
}

// Clear empties the queue and deletes the stored blobs.
func (e *Engine) Clear(ctx context.Context, channelID string) error {
	list, zset, _ := e.keys(channelID)
	_, err := clearScript.Run(ctx, e.client,
		[]string{list, zset}, coord.ItemKey(channelID, ""),
	).Int64()
	if err != nil {
		return coord.Unavailable("queue clear", err)
	}
	metrics.IncQueueOperation(channelID, "clear")
	e.emit(channelID, domain.QueueActionClear, nil, 0, false)
	return nil
}

// Len returns the queued item count.
func (e *Engine) Len(ctx context.Context, channelID string) (int, error) {
	pipe := e.client.Pipeline()
	llen := pipe.LLen(ctx, coord.QueueKey(channelID))
	zcard := pipe.ZCard(ctx, coord.QueueZKey(channelID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, coord.Unavailable("queue len", err)
	}
	return int(llen.Val() + zcard.Val()), nil
}

// ReadState returns the queue metadata, applying defaults for unset
// fields.
func (e *Engine) ReadState(ctx context.Context, channelID string) (State, error) {
	vals, err := e.client.HGetAll(ctx, coord.QueueStateKey(channelID)).Result()
	if err != nil {
		return State{}, coord.Unavailable("queue state", err)
	}
	st := State{
		Discipline: e.defaultDiscipline,
		MaxLength:  e.defaultMaxLen,
	}
	if d, ok := vals["discipline"]; ok && d != "" {
		st.Discipline = domain.Discipline(d)
	}
	if m, ok := vals["max_length"]; ok {
		if n, err := strconv.Atoi(m); err == nil && n > 0 {
			st.MaxLength = n
		}
	}
	st.CurrentItemID = vals["current_item_id"]
	st.PlaceholderActive = vals["placeholder_active"] == "1"
	return st, nil
}

// EnsureState initializes the queue metadata at channel creation.
func (e *Engine) EnsureState(ctx context.Context, channelID string, d domain.Discipline, maxLen int) error {
	if maxLen <= 0 {
		maxLen = e.defaultMaxLen
	}
	if d == "" {
		d = e.defaultDiscipline
	}
	err := e.client.HSet(ctx, coord.QueueStateKey(channelID),
		"discipline", string(d),
		"max_length", maxLen,
	).Err()
	if err != nil {
		return coord.Unavailable("queue ensure state", err)
	}
	return nil
}

// SetCurrent records the playing item id so Skip can target it.
func (e *Engine) SetCurrent(ctx context.Context, channelID, itemID string) error {
	err := e.client.HSet(ctx, coord.QueueStateKey(channelID), "current_item_id", itemID).Err()
	if err != nil {
		return coord.Unavailable("queue set current", err)
	}
	return nil
}

// ClearCurrent removes the playing item marker.
func (e *Engine) ClearCurrent(ctx context.Context, channelID string) error {
	err := e.client.HSet(ctx, coord.QueueStateKey(channelID), "current_item_id", "").Err()
	if err != nil {
		return coord.Unavailable("queue clear current", err)
	}
	return nil
}

// Forget removes every key the queue holds for a deleted channel.
func (e *Engine) Forget(ctx context.Context, channelID string) error {
	if err := e.Clear(ctx, channelID); err != nil {
		return err
	}
	_, _, state := e.keys(channelID)
	err := e.client.Del(ctx, state, coord.SkipIntentKey(channelID)).Err()
	if err != nil {
		return coord.Unavailable("queue forget", err)
	}
	metrics.ForgetChannel(channelID)
	return nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
