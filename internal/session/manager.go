// SPDX-License-Identifier: MIT

// Package session manages the lifecycle of Telegram account credentials.
// A worker observing an auth error degrades the account: its workers are
// held, and a background task revalidates the credential on a backoff
// schedule. Recovery never re-authenticates interactively; a credential
// that stays invalid is eventually revoked and waits for the operator to
// install fresh session material.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/metrics"
	"github.com/tgcast/tgcast/internal/secrets"
	"github.com/tgcast/tgcast/internal/store"
)

// maxRecoveryAttempts bounds a degraded account's validation attempts.
// With the default backoff (60s doubling, capped at 10 min) this gives
// roughly four hours of retrying before the account is revoked.
const maxRecoveryAttempts = 24

// Validator is the credential no-op check against the transport backend.
type Validator interface {
	Validate(ctx context.Context, credential secrets.Material) error
}

// Holder stops and refuses workers for an account whose session is not
// usable. The process controller satisfies it.
type Holder interface {
	HoldAccount(ctx context.Context, accountID string) error
}

// Publisher receives session alerts.
type Publisher interface {
	Publish(ev domain.Event)
}

// Manager runs the per-account credential state machine.
type Manager struct {
	accounts  *store.Accounts
	validator Validator
	holder    Holder
	pub       Publisher
	logger    zerolog.Logger

	initial time.Duration
	max     time.Duration

	mu         sync.Mutex
	recovering map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// New builds the manager with the configured recovery backoff bounds.
func New(accounts *store.Accounts, validator Validator, holder Holder, pub Publisher, initial, max time.Duration) *Manager {
	return &Manager{
		accounts:   accounts,
		validator:  validator,
		holder:     holder,
		pub:        pub,
		logger:     log.WithComponent("session"),
		initial:    initial,
		max:        max,
		recovering: make(map[string]context.CancelFunc),
	}
}

// ReportAuthError is called when a worker's transport classifies a failure
// as an auth error. It degrades the account, holds its workers, raises an
// alert and starts the recovery task. Reports against an already degraded
// account are no-ops.
func (m *Manager) ReportAuthError(ctx context.Context, accountID string) error {
	err := m.accounts.TransitionState(ctx, accountID, domain.AccountActive, domain.AccountDegraded)
	if apperr.IsKind(err, apperr.KindConflict) {
		// Already degraded or revoked; another worker beat us to it.
		return nil
	}
	if err != nil {
		return err
	}
	metrics.SessionStateTransitions.WithLabelValues(
		string(domain.AccountActive), string(domain.AccountDegraded)).Inc()
	m.logger.Warn().Str(log.FieldAccountID, accountID).Msg("account session degraded")

	if err := m.holder.HoldAccount(ctx, accountID); err != nil {
		m.logger.Error().Err(err).Str(log.FieldAccountID, accountID).
			Msg("failed to hold workers for degraded account")
	}
	m.pub.Publish(domain.Event{
		Type:       domain.EventSystemAlert,
		OccurredAt: time.Now(),
		Payload: domain.SystemAlert{
			Code:     domain.AlertSessionDegraded,
			Severity: "warning",
			Message:  "session degraded for account " + accountID + "; validation retries scheduled",
		},
	})

	m.startRecovery(accountID)
	return nil
}

// Revoke moves an account to the terminal revoked state and stops its
// recovery task. Allowed from active or degraded.
func (m *Manager) Revoke(ctx context.Context, accountID string) error {
	err := m.accounts.TransitionState(ctx, accountID, domain.AccountActive, domain.AccountRevoked)
	if apperr.IsKind(err, apperr.KindConflict) {
		err = m.accounts.TransitionState(ctx, accountID, domain.AccountDegraded, domain.AccountRevoked)
	}
	if err != nil {
		return err
	}
	m.cancelRecovery(accountID)
	metrics.SessionStateTransitions.WithLabelValues("", string(domain.AccountRevoked)).Inc()
	if herr := m.holder.HoldAccount(ctx, accountID); herr != nil {
		m.logger.Error().Err(herr).Str(log.FieldAccountID, accountID).
			Msg("failed to hold workers for revoked account")
	}
	m.logger.Info().Str(log.FieldAccountID, accountID).Msg("account revoked")
	return nil
}

// ReplaceMaterial installs fresh credentials and reactivates the account.
// This is the operator's out-of-band path out of revoked.
func (m *Manager) ReplaceMaterial(ctx context.Context, accountID string, material secrets.Material) error {
	if err := m.accounts.ReplaceMaterial(ctx, accountID, material); err != nil {
		return err
	}
	m.cancelRecovery(accountID)
	m.logger.Info().Str(log.FieldAccountID, accountID).Msg("session material replaced, account active")
	return nil
}

// ResumeRecovery restarts recovery tasks for accounts found degraded at
// boot, so a daemon restart does not strand them.
func (m *Manager) ResumeRecovery(ctx context.Context) error {
	accounts, err := m.accounts.List(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if acc.State == domain.AccountDegraded {
			m.startRecovery(acc.ID)
		}
	}
	return nil
}

// Close cancels every recovery task and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, cancel := range m.recovering {
		cancel()
		delete(m.recovering, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) startRecovery(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.recovering[accountID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.recovering[accountID] = cancel
	m.wg.Add(1)
	go m.recoveryLoop(ctx, accountID)
}

func (m *Manager) cancelRecovery(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.recovering[accountID]; ok {
		cancel()
		delete(m.recovering, accountID)
	}
}

func (m *Manager) recoveryLoop(ctx context.Context, accountID string) {
	defer m.wg.Done()
	defer m.cancelRecovery(accountID)

	logger := m.logger.With().Str(log.FieldAccountID, accountID).Logger()
	delay := m.initial
	for attempt := 1; attempt <= maxRecoveryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		acc, err := m.accounts.Get(ctx, accountID)
		if err != nil {
			logger.Warn().Err(err).Msg("recovery: account load failed")
			continue
		}
		if acc.State != domain.AccountDegraded {
			// Operator intervened (revoked or replaced material).
			return
		}

		vctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = m.validator.Validate(vctx, acc.Material)
		cancel()
		if err == nil {
			if terr := m.accounts.TransitionState(ctx, accountID, domain.AccountDegraded, domain.AccountActive); terr != nil {
				logger.Warn().Err(terr).Msg("recovery: reactivation lost a race")
				return
			}
			_ = m.accounts.MarkValidated(ctx, accountID, time.Now())
			metrics.SessionStateTransitions.WithLabelValues(
				string(domain.AccountDegraded), string(domain.AccountActive)).Inc()
			m.pub.Publish(domain.Event{
				Type:       domain.EventSystemAlert,
				OccurredAt: time.Now(),
				Payload: domain.SystemAlert{
					Code:     domain.AlertSessionRecovered,
					Severity: "info",
					Message:  "session recovered for account " + accountID,
				},
			})
			logger.Info().Int("attempt", attempt).Msg("session recovered")
			return
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("next_in", delay).
			Msg("session validation failed")
		delay *= 2
		if delay > m.max {
			delay = m.max
		}
	}

	// Recovery gave up: the credential is considered dead.
	if err := m.accounts.TransitionState(context.WithoutCancel(ctx), accountID,
		domain.AccountDegraded, domain.AccountRevoked); err != nil {
		logger.Warn().Err(err).Msg("recovery: revoke after give-up failed")
		return
	}
	metrics.SessionStateTransitions.WithLabelValues(
		string(domain.AccountDegraded), string(domain.AccountRevoked)).Inc()
	m.pub.Publish(domain.Event{
		Type:       domain.EventSystemAlert,
		OccurredAt: time.Now(),
		Payload: domain.SystemAlert{
			Code:     domain.AlertSessionRevoked,
			Severity: "error",
			Message:  "session for account " + accountID + " revoked after repeated validation failures; operator action required",
		},
	})
	logger.Error().Msg("session recovery gave up, account revoked")
}
