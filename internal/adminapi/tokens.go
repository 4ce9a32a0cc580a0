// Package adminapi is the operator/control HTTP surface: shadow status and
// history, forced full-sync, direction changes, and config reload. It sits
// outside the sync core, talking to it only through synchandler.Handler.
// Grounded on the teacher's CLITokenService (internal/service/cli_token_service.go)
// and its bearer-token middleware (internal/middleware/cli_auth_middleware.go),
// adapted from user-issued CLI tokens onto operator-issued admin tokens
// backed by localstore instead of the teacher's CouchDB user/token tables.
package adminapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shadowsync/internal/localstore"
)

const tokenPrefix = "shd_"

// TokenStore is the persistence surface TokenService needs; satisfied by
// *localstore.Store.
type TokenStore interface {
	CreateOperatorToken(ctx context.Context, t *localstore.OperatorToken) error
	FindOperatorTokenByHash(ctx context.Context, tokenHash string) (*localstore.OperatorToken, error)
	ListOperatorTokens(ctx context.Context) ([]*localstore.OperatorToken, error)
	RevokeOperatorToken(ctx context.Context, id string) error
	TouchOperatorToken(ctx context.Context, id string, at int64) error
}

// TokenService issues and validates the long-lived bearer tokens the admin
// API and the shadowsyncd CLI subcommands authenticate with, mirroring the teacher's
// generateSecureToken/hashToken pair but persisted locally.
type TokenService struct {
	store TokenStore
}

func NewTokenService(store TokenStore) *TokenService {
	return &TokenService{store: store}
}

func generateSecureToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("adminapi: generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IssueToken creates and persists a new token, returning its plaintext form
// exactly once.
func (s *TokenService) IssueToken(ctx context.Context, name string, scopes []string) (plain string, id string, err error) {
	plain, err = generateSecureToken()
	if err != nil {
		return "", "", err
	}
	id = uuid.NewString()
	t := &localstore.OperatorToken{
		ID:          id,
		Name:        name,
		TokenHash:   hashToken(plain),
		TokenPrefix: plain[:len(tokenPrefix)+8],
		Scopes:      scopes,
		CreatedAt:   time.Now().Unix(),
	}
	if err := s.store.CreateOperatorToken(ctx, t); err != nil {
		return "", "", err
	}
	return plain, id, nil
}

// Validate looks up plain, rejecting revoked or unknown tokens, and touches
// its last-used timestamp.
func (s *TokenService) Validate(ctx context.Context, plain string) (*localstore.OperatorToken, error) {
	t, err := s.store.FindOperatorTokenByHash(ctx, hashToken(plain))
	if err != nil {
		return nil, err
	}
	if t == nil || t.Revoked {
		return nil, fmt.Errorf("adminapi: invalid or revoked token")
	}
	_ = s.store.TouchOperatorToken(ctx, t.ID, time.Now().Unix())
	return t, nil
}

func (s *TokenService) List(ctx context.Context) ([]*localstore.OperatorToken, error) {
	return s.store.ListOperatorTokens(ctx)
}

func (s *TokenService) Revoke(ctx context.Context, id string) error {
	return s.store.RevokeOperatorToken(ctx, id)
}
