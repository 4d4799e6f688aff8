// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/audit"
	"github.com/tgcast/tgcast/internal/autoend"
	"github.com/tgcast/tgcast/internal/domain"
)

// CreateChannelRequest carries a channel definition.
type CreateChannelRequest struct {
	AccountID      string
	ChatTarget     string
	DisplayName    string
	Kind           domain.StreamKind
	EncoderArgs    []string
	Discipline     domain.Discipline
	MaxQueueLength int
	AutoEndSeconds int
}

// CreateChannel registers a broadcast channel. Admin and above.
func (s *Service) CreateChannel(ctx context.Context, p domain.Principal, req CreateChannelRequest) (*domain.Channel, error) {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ChatTarget) == "" {
		return nil, apperr.New(apperr.KindValidation, "chat target is required")
	}
	if req.Kind != domain.StreamAudio && req.Kind != domain.StreamVideo {
		return nil, apperr.New(apperr.KindValidation, "unknown stream kind "+string(req.Kind))
	}
	if _, err := s.accounts.Get(ctx, req.AccountID); err != nil {
		return nil, err
	}

	ch := &domain.Channel{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		ChatTarget:     req.ChatTarget,
		DisplayName:    req.DisplayName,
		Kind:           req.Kind,
		EncoderArgs:    req.EncoderArgs,
		Discipline:     req.Discipline,
		MaxQueueLength: req.MaxQueueLength,
		AutoEndSeconds: req.AutoEndSeconds,
		DesiredState:   domain.DesiredStopped,
		ObservedState:  domain.ObservedStopped,
	}
	if ch.Discipline == "" {
		ch.Discipline = domain.DisciplineFIFO
	}
	if ch.MaxQueueLength <= 0 {
		ch.MaxQueueLength = s.cfg.QueueMaxLengthDefault
	}
	if ch.AutoEndSeconds <= 0 {
		ch.AutoEndSeconds = int(s.cfg.AutoEndTimeoutDefault.Seconds())
	}
	if err := s.db.Channels().Create(ctx, ch); err != nil {
		return nil, err
	}
	if err := s.queue.EnsureState(ctx, ch.ID, ch.Discipline, ch.MaxQueueLength); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, p, audit.ActionChannelCreate, "channel", ch.ID,
		detailf("account=%s kind=%s", ch.AccountID, ch.Kind))
	return ch, nil
}

// DeleteChannel removes a stopped, drained channel. Admin and above.
func (s *Service) DeleteChannel(ctx context.Context, p domain.Principal, channelID string) error {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return err
	}
	ch, err := s.db.Channels().Get(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.DesiredState == domain.DesiredRunning {
		return apperr.New(apperr.KindConflict, "stop the channel before deleting it")
	}
	n, err := s.queue.Len(ctx, channelID)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonHasItems,
			"channel queue is not empty")
	}
	if err := s.queue.Forget(ctx, channelID); err != nil {
		return err
	}
	if err := s.db.Channels().Delete(ctx, channelID); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionChannelDelete, "channel", channelID, "")
	return nil
}

// ListChannels returns every channel.
func (s *Service) ListChannels(ctx context.Context) ([]*domain.Channel, error) {
	return s.db.Channels().List(ctx)
}

// StartChannel brings a channel's worker up. Operators on their own
// channels, admin anywhere; elevated bucket.
func (s *Service) StartChannel(ctx context.Context, p domain.Principal, channelID string) error {
	if _, err := s.requireChannelControl(ctx, p, channelID); err != nil {
		return err
	}
	if err := s.admit(ctx, p, bucketElevated); err != nil {
		return err
	}
	if err := s.ctrl.StartChannel(ctx, channelID); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionChannelStart, "channel", channelID, "")
	return nil
}

// StopChannel winds a channel's worker down.
func (s *Service) StopChannel(ctx context.Context, p domain.Principal, channelID string) error {
	if _, err := s.requireChannelControl(ctx, p, channelID); err != nil {
		return err
	}
	if err := s.admit(ctx, p, bucketElevated); err != nil {
		return err
	}
	if err := s.ctrl.StopChannel(ctx, channelID); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionChannelStop, "channel", channelID, "")
	return nil
}

// RestartChannel bounces a channel's worker.
func (s *Service) RestartChannel(ctx context.Context, p domain.Principal, channelID string) error {
	if _, err := s.requireChannelControl(ctx, p, channelID); err != nil {
		return err
	}
	if err := s.admit(ctx, p, bucketElevated); err != nil {
		return err
	}
	if err := s.ctrl.RestartChannel(ctx, channelID); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionChannelRestart, "channel", channelID, "")
	return nil
}

// SetAutoEndTimeout updates a channel's idle timeout. The clamped value
// applies from the next arm. Operators on their own channels.
func (s *Service) SetAutoEndTimeout(ctx context.Context, p domain.Principal, channelID string, seconds int) (int, error) {
	if _, err := s.requireChannelControl(ctx, p, channelID); err != nil {
		return 0, err
	}
	clamped, err := autoend.ClampTimeout(seconds)
	if err != nil {
		return 0, err
	}
	if err := s.db.Channels().SetAutoEndSeconds(ctx, channelID, clamped); err != nil {
		return 0, err
	}
	s.audit.Record(ctx, p, audit.ActionAutoEndSetTimeout, "channel", channelID,
		detailf("seconds=%d", clamped))
	return clamped, nil
}
