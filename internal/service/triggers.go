// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/audit"
	"github.com/tgcast/tgcast/internal/domain"
)

// CreateTriggerRequest carries a scheduler trigger definition. Exactly one
// of CronExpr (recurring) and At (one-shot) must be set.
type CreateTriggerRequest struct {
	ChannelID   string
	PlaylistRef string
	CronExpr    string
	At          time.Time
}

// CreateTrigger registers a scheduled playlist start. Admin and above.
func (s *Service) CreateTrigger(ctx context.Context, p domain.Principal, req CreateTriggerRequest) (*domain.Trigger, error) {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if req.PlaylistRef == "" {
		return nil, apperr.New(apperr.KindValidation, "playlist ref is required")
	}
	if _, err := s.db.Channels().Get(ctx, req.ChannelID); err != nil {
		return nil, err
	}

	tr := &domain.Trigger{
		ID:          uuid.NewString(),
		ChannelID:   req.ChannelID,
		PlaylistRef: req.PlaylistRef,
		Enabled:     true,
	}
	switch {
	case req.CronExpr != "" && !req.At.IsZero():
		return nil, apperr.New(apperr.KindValidation, "set either a cron expression or a wall time, not both")
	case req.CronExpr != "":
		if _, err := cron.ParseStandard(req.CronExpr); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "invalid cron expression", err)
		}
		tr.CronExpr = req.CronExpr
		tr.Recurrence = domain.RecurrenceRecurring
	case !req.At.IsZero():
		tr.At = req.At
		tr.Recurrence = domain.RecurrenceOnce
	default:
		return nil, apperr.New(apperr.KindValidation, "a cron expression or wall time is required")
	}

	if err := s.db.Triggers().Create(ctx, tr); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, p, audit.ActionTriggerCreate, "trigger", tr.ID,
		detailf("channel=%s recurrence=%s", tr.ChannelID, tr.Recurrence))
	return tr, nil
}

// ListTriggers returns every trigger. Admin and above.
func (s *Service) ListTriggers(ctx context.Context, p domain.Principal) ([]*domain.Trigger, error) {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.db.Triggers().List(ctx)
}

// SetTriggerEnabled toggles a trigger. Admin and above.
func (s *Service) SetTriggerEnabled(ctx context.Context, p domain.Principal, triggerID string, enabled bool) error {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.db.Triggers().SetEnabled(ctx, triggerID, enabled); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionTriggerToggle, "trigger", triggerID,
		detailf("enabled=%t", enabled))
	return nil
}

// DeleteTrigger removes a trigger. Admin and above.
func (s *Service) DeleteTrigger(ctx context.Context, p domain.Principal, triggerID string) error {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.db.Triggers().Delete(ctx, triggerID); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionTriggerDelete, "trigger", triggerID, "")
	return nil
}
