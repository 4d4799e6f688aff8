// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/audit"
	"github.com/tgcast/tgcast/internal/domain"
)

// AddRequest carries a queue addition.
type AddRequest struct {
	ChannelID       string
	Source          domain.Source
	Title           string
	DurationSeconds int
	Thumbnail       string
}

// AddItem enqueues media on a channel. Any authenticated principal may add;
// admission runs in the standard bucket. Returns the resulting position.
func (s *Service) AddItem(ctx context.Context, p domain.Principal, req AddRequest) (*domain.PlaylistItem, int, error) {
	return s.addItem(ctx, p, req, false)
}

// PriorityAddItem enqueues at the VIP tier (priority discipline) or the
// queue front (FIFO). Moderator and above only; elevated bucket.
func (s *Service) PriorityAddItem(ctx context.Context, p domain.Principal, req AddRequest) (*domain.PlaylistItem, int, error) {
	if err := requireRole(p, domain.RoleModerator); err != nil {
		return nil, 0, err
	}
	return s.addItem(ctx, p, req, true)
}

func (s *Service) addItem(ctx context.Context, p domain.Principal, req AddRequest, priority bool) (*domain.PlaylistItem, int, error) {
	if err := validateSource(req.Source); err != nil {
		return nil, 0, err
	}
	if _, err := s.db.Channels().Get(ctx, req.ChannelID); err != nil {
		return nil, 0, err
	}
	bucket := bucketStandard
	if priority {
		bucket = bucketElevated
	}
	if err := s.admit(ctx, p, bucket); err != nil {
		return nil, 0, err
	}

	item := domain.PlaylistItem{
		ID:              uuid.NewString(),
		ChannelID:       req.ChannelID,
		Source:          req.Source,
		Title:           req.Title,
		DurationSeconds: req.DurationSeconds,
		Thumbnail:       req.Thumbnail,
		Status:          domain.ItemQueued,
		RequesterID:     p.ID,
		RequesterTier:   p.Role.Tier(),
	}
	var (
		pos int
		err error
	)
	if priority {
		item.RequesterTier = domain.TierVIP
		if err = s.db.Items().Put(ctx, &item); err != nil {
			return nil, 0, err
		}
		pos, err = s.queue.PriorityAdd(ctx, req.ChannelID, item)
	} else {
		if err = s.db.Items().Put(ctx, &item); err != nil {
			return nil, 0, err
		}
		pos, err = s.queue.Add(ctx, req.ChannelID, item, item.RequesterTier)
	}
	if err != nil {
		return nil, 0, err
	}

	action := audit.ActionQueueAdd
	if priority {
		action = audit.ActionQueuePriorityAdd
	}
	s.audit.Record(ctx, p, action, "item", item.ID,
		detailf("channel=%s kind=%s", req.ChannelID, req.Source.Kind))
	return &item, pos, nil
}

// RemoveItem deletes a queued item. Moderator and above.
func (s *Service) RemoveItem(ctx context.Context, p domain.Principal, channelID, itemID string) error {
	if err := requireRole(p, domain.RoleModerator); err != nil {
		return err
	}
	if err := s.queue.Remove(ctx, channelID, itemID); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionQueueRemove, "item", itemID, "channel="+channelID)
	return nil
}

// MoveItem repositions a queued item (FIFO only). Moderator and above.
func (s *Service) MoveItem(ctx context.Context, p domain.Principal, channelID, itemID string, newPos int) error {
	if err := requireRole(p, domain.RoleModerator); err != nil {
		return err
	}
	if err := s.queue.Move(ctx, channelID, itemID, newPos); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionQueueMove, "item", itemID,
		detailf("channel=%s pos=%d", channelID, newPos))
	return nil
}

// SkipCurrent requests a skip of the playing or next item. Moderator and
// above.
func (s *Service) SkipCurrent(ctx context.Context, p domain.Principal, channelID string) (string, error) {
	if err := requireRole(p, domain.RoleModerator); err != nil {
		return "", err
	}
	id, err := s.queue.Skip(ctx, channelID)
	if err != nil {
		return "", err
	}
	if id != "" {
		s.audit.Record(ctx, p, audit.ActionQueueSkip, "item", id, "channel="+channelID)
	}
	return id, nil
}

// ClearQueue drops every queued item. Moderator and above.
func (s *Service) ClearQueue(ctx context.Context, p domain.Principal, channelID string) error {
	if err := requireRole(p, domain.RoleModerator); err != nil {
		return err
	}
	if err := s.queue.Clear(ctx, channelID); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionQueueClear, "channel", channelID, "")
	return nil
}

// QueueSnapshot lists the queued items in play order.
func (s *Service) QueueSnapshot(ctx context.Context, channelID string) ([]domain.PlaylistItem, error) {
	return s.queue.Snapshot(ctx, channelID)
}

// SetDiscipline switches the queue's ordering policy. With migrate the
// queued multiset is carried over; without, a non-empty queue refuses the
// switch. Admin and above.
func (s *Service) SetDiscipline(ctx context.Context, p domain.Principal, channelID string, d domain.Discipline, migrate bool) error {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return err
	}
	ch, err := s.db.Channels().Get(ctx, channelID)
	if err != nil {
		return err
	}
	if migrate && ch.Discipline != d {
		if _, err := s.queue.Migrate(ctx, channelID, ch.Discipline, d); err != nil {
			return err
		}
	} else if err := s.queue.SetDiscipline(ctx, channelID, d); err != nil {
		return err
	}
	if err := s.db.Channels().SetDiscipline(ctx, channelID, d); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionQueueDiscipline, "channel", channelID,
		detailf("discipline=%s migrate=%t", d, migrate))
	return nil
}

// History lists recently finished items, newest first.
func (s *Service) History(ctx context.Context, channelID string, limit int) ([]*domain.PlaylistItem, error) {
	return s.db.Items().History(ctx, channelID, limit)
}

func validateSource(src domain.Source) error {
	if strings.TrimSpace(src.Value) == "" {
		return apperr.New(apperr.KindValidation, "source value is required")
	}
	switch src.Kind {
	case domain.SourceLocalPath:
		return nil
	case domain.SourceWebURL, domain.SourceRadioStream:
		u, err := url.Parse(src.Value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.WithReason(apperr.KindValidation, apperr.ReasonInvalidURL,
				"source must be an absolute http(s) url")
		}
		return nil
	default:
		return apperr.New(apperr.KindValidation, "unknown source kind "+string(src.Kind))
	}
}
