package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/store"
)

// Principal is the authenticated caller of an API request.
type Principal struct {
	Name string
	Role string
}

// TokenService manages API tokens. Raw token values are stored hashed and
// returned to the caller exactly once, at creation.
type TokenService struct {
	store store.Store
}

// NewTokenService creates a new TokenService.
func NewTokenService(st store.Store) *TokenService {
	return &TokenService{store: st}
}

// hashToken returns a hex-encoded SHA3-256 hash of the token.
func hashToken(token string) string {
	sum := sha3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateTokenValue generates a new random token string.
func GenerateTokenValue() (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return "tf_" + hex.EncodeToString(raw[:]), nil
}

// CreateToken creates a new API token for the given principal and role and
// returns the token record plus the raw token value.
func (s *TokenService) CreateToken(ctx context.Context, principal, role, name string, ttl time.Duration) (*models.APIToken, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("token name is required")
	}
	if principal == "" {
		return nil, "", fmt.Errorf("token principal is required")
	}

	raw, err := GenerateTokenValue()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		e := now.Add(ttl)
		expiresAt = &e
	}

	token := &models.APIToken{
		ID:        uuid.New().String(),
		Principal: principal,
		Role:      role,
		Name:      name,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertToken(token, hashToken(raw))
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create token: %w", err)
	}
	return token, raw, nil
}

// Validate resolves a raw token string to its principal. Expired tokens are
// deleted on sight.
func (s *TokenService) Validate(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, fmt.Errorf("token is required")
	}

	var p *Principal
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTokenByHash(hashToken(raw))
		if err != nil {
			return err
		}
		if t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now()) {
			_ = tx.DeleteToken(t.ID)
			return fmt.Errorf("token expired: %w", models.ErrForbidden)
		}
		if err := tx.UpdateTokenLastUsed(t.ID); err != nil {
			return err
		}
		p = &Principal{Name: t.Principal, Role: t.Role}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListTokens returns all tokens (hashes never leave the store).
func (s *TokenService) ListTokens(ctx context.Context) ([]*models.APIToken, error) {
	var tokens []*models.APIToken
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		tokens, err = tx.ListTokens()
		return err
	})
	return tokens, err
}

// RevokeToken deletes a single token by ID.
func (s *TokenService) RevokeToken(ctx context.Context, id string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteToken(id)
	})
}
