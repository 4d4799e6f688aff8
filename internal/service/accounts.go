// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/audit"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/secrets"
)

// CreateAccountRequest carries a new account. Material is consumed; the
// caller must not retain it.
type CreateAccountRequest struct {
	OwnerID  string
	Label    string
	Material secrets.Material
}

// CreateAccount registers a broadcast account. Admin and above; strict
// bucket.
func (s *Service) CreateAccount(ctx context.Context, p domain.Principal, req CreateAccountRequest) (*domain.Account, error) {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, apperr.New(apperr.KindValidation, "owner id is required")
	}
	if req.Material.IsZero() {
		return nil, apperr.New(apperr.KindValidation, "session material is required")
	}
	if err := s.admit(ctx, p, bucketStrict); err != nil {
		return nil, err
	}

	acc := &domain.Account{
		ID:       uuid.NewString(),
		OwnerID:  req.OwnerID,
		Label:    req.Label,
		Material: req.Material,
	}
	if err := s.accounts.Create(ctx, acc); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, p, audit.ActionAccountCreate, "account", acc.ID, "owner="+acc.OwnerID)
	return acc, nil
}

// ListAccounts returns every account. Material stays redacted by type.
func (s *Service) ListAccounts(ctx context.Context, p domain.Principal) ([]*domain.Account, error) {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.accounts.List(ctx)
}

// RevokeAccount forces an account into the terminal revoked state and holds
// its workers. Admin and above; strict bucket.
func (s *Service) RevokeAccount(ctx context.Context, p domain.Principal, accountID string) error {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.admit(ctx, p, bucketStrict); err != nil {
		return err
	}
	if err := s.sessions.Revoke(ctx, accountID); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionAccountRevoke, "account", accountID, "")
	return nil
}

// ReplaceAccountMaterial installs fresh session material, reactivating the
// account. Admin and above; strict bucket.
func (s *Service) ReplaceAccountMaterial(ctx context.Context, p domain.Principal, accountID string, material secrets.Material) error {
	if err := requireRole(p, domain.RoleAdmin); err != nil {
		return err
	}
	if material.IsZero() {
		return apperr.New(apperr.KindValidation, "session material is required")
	}
	if err := s.admit(ctx, p, bucketStrict); err != nil {
		return err
	}
	if err := s.sessions.ReplaceMaterial(ctx, accountID, material); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionAccountReplaceMaterial, "account", accountID, "")
	return nil
}
