// SPDX-License-Identifier: MIT

// Package service is the facade the HTTP surface calls into. It owns
// authorization against the caller principal, rate-limit admission, the
// audit trail, and the translation of component errors into the public
// taxonomy. The HTTP layer itself lives outside the core; everything here
// takes a Principal and returns taxonomy errors.
package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/audit"
	"github.com/tgcast/tgcast/internal/autoend"
	"github.com/tgcast/tgcast/internal/config"
	"github.com/tgcast/tgcast/internal/controller"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/ratelimit"
	"github.com/tgcast/tgcast/internal/session"
	"github.com/tgcast/tgcast/internal/store"
)

// Rate limit buckets per operation class.
const (
	bucketStandard = "standard"
	bucketElevated = "elevated"
	bucketStrict   = "strict"
)

// Service wires the components behind one control-plane surface.
type Service struct {
	db       *store.DB
	accounts *store.Accounts
	queue    *queue.Engine
	ctrl     *controller.Controller
	sessions *session.Manager
	autoEnd  *autoend.Controller
	limiter  *ratelimit.Limiter
	audit    *audit.Recorder
	client   *redis.Client
	cfg      *config.Config
	logger   zerolog.Logger
}

// New builds the facade.
func New(db *store.DB, accounts *store.Accounts, q *queue.Engine, ctrl *controller.Controller,
	sessions *session.Manager, autoEnd *autoend.Controller, limiter *ratelimit.Limiter,
	rec *audit.Recorder, client *redis.Client, cfg *config.Config) *Service {
	return &Service{
		db:       db,
		accounts: accounts,
		queue:    q,
		ctrl:     ctrl,
		sessions: sessions,
		autoEnd:  autoEnd,
		limiter:  limiter,
		audit:    rec,
		client:   client,
		cfg:      cfg,
		logger:   log.WithComponent("service"),
	}
}

// roleRank orders roles for minimum-role checks.
func roleRank(r domain.Role) int {
	switch r {
	case domain.RoleSuperadmin:
		return 4
	case domain.RoleAdmin:
		return 3
	case domain.RoleModerator:
		return 2
	case domain.RoleOperator:
		return 1
	default:
		return 0
	}
}

// requireRole rejects principals below the minimum role.
func requireRole(p domain.Principal, min domain.Role) error {
	if roleRank(p.Role) < roleRank(min) {
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonForbidden,
			"role "+string(p.Role)+" may not perform this operation")
	}
	return nil
}

// requireChannelControl allows admins everywhere and operators on channels
// whose account they own.
func (s *Service) requireChannelControl(ctx context.Context, p domain.Principal, channelID string) (*domain.Channel, error) {
	ch, err := s.db.Channels().Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if roleRank(p.Role) >= roleRank(domain.RoleAdmin) {
		return ch, nil
	}
	if p.Role == domain.RoleOperator {
		acc, err := s.accounts.Get(ctx, ch.AccountID)
		if err != nil {
			return nil, err
		}
		if acc.OwnerID == p.ID {
			return ch, nil
		}
	}
	return nil, apperr.WithReason(apperr.KindConflict, apperr.ReasonForbidden,
		"role "+string(p.Role)+" may not control channel "+channelID)
}

// admit runs rate-limit admission for the principal in the given bucket.
func (s *Service) admit(ctx context.Context, p domain.Principal, bucket string) error {
	decision, err := s.limiter.Admit(ctx, p.ID, bucket)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return apperr.Newf(apperr.KindRateLimited,
			"rate limited, reset_after_ms=%d", decision.ResetAfter.Milliseconds())
	}
	return nil
}

// GetChannelStatus aggregates the controller's health summary with the
// auto-end timer view. Readable by any authenticated principal.
type ChannelStatus struct {
	*controller.HealthSummary
	AutoEnd autoend.Status
}

// GetChannelStatus reports one channel's operational state.
func (s *Service) GetChannelStatus(ctx context.Context, p domain.Principal, channelID string) (*ChannelStatus, error) {
	sum, err := s.ctrl.ChannelStatus(ctx, channelID)
	if err != nil {
		return nil, err
	}
	timer, err := s.autoEnd.TimerStatus(ctx, channelID)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldChannelID, channelID).Msg("timer status unavailable")
	}
	return &ChannelStatus{HealthSummary: sum, AutoEnd: timer}, nil
}

// ListAuditEvents exposes the audit trail to admins.
func (s *Service) ListAuditEvents(ctx context.Context, p domain.Principal, f store.AuditFilter) ([]store.AuditEvent, error) {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, f)
}

func detailf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
