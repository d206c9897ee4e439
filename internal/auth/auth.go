// Package auth resolves API keys to the principal making a request.
//
// Keys are never stored in plain text. The key store holds
// "apikey:<sha256 hex>" -> account id, or ServiceAccount for keys held by
// trusted internal callers (the execution service, the webhook relay) that
// may act on any account.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/metadata"
)

// ServiceAccount is the stored value marking a service key.
const ServiceAccount = "*"

var (
	ErrUnauthenticated  = errors.New("auth: missing or invalid API key")
	ErrPermissionDenied = errors.New("auth: key may not act on this account")
)

// Principal is the caller behind a verified key.
type Principal struct {
	AccountID string
	Service   bool
}

// CanAccess reports whether the principal may read or change accountID.
func (p Principal) CanAccess(accountID string) bool {
	return p.Service || (accountID != "" && p.AccountID == accountID)
}

// Scope picks the account a request acts on: the one requested, if the
// principal may act on it, or the principal's own account.
func (p Principal) Scope(requested string) (string, error) {
	if requested == "" {
		if p.Service {
			return "", fmt.Errorf("%w: service keys must name an account", ErrPermissionDenied)
		}
		return p.AccountID, nil
	}
	if !p.CanAccess(requested) {
		return "", ErrPermissionDenied
	}
	return requested, nil
}

type Authenticator struct {
	redis *redis.Client
	log   zerolog.Logger
}

func NewAuthenticator(rdb *redis.Client, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		redis: rdb,
		log:   logger.With().Str("component", "auth").Logger(),
	}
}

// HashKey is the lookup form of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func redisKey(raw string) string {
	return "apikey:" + HashKey(raw)
}

// ParseBearer extracts the key from an Authorization header value.
func ParseBearer(header string) (string, error) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrUnauthenticated
	}
	key := strings.TrimSpace(header[len(prefix):])
	if key == "" {
		return "", ErrUnauthenticated
	}
	return key, nil
}

// Resolve looks up a raw key.
func (a *Authenticator) Resolve(ctx context.Context, rawKey string) (Principal, error) {
	if rawKey == "" {
		return Principal{}, ErrUnauthenticated
	}
	owner, err := a.redis.Get(ctx, redisKey(rawKey)).Result()
	if errors.Is(err, redis.Nil) {
		return Principal{}, ErrUnauthenticated
	}
	if err != nil {
		return Principal{}, fmt.Errorf("api key lookup: %w", err)
	}
	if owner == ServiceAccount {
		return Principal{Service: true}, nil
	}
	return Principal{AccountID: owner}, nil
}

// ResolveHeader resolves an Authorization header value.
func (a *Authenticator) ResolveHeader(ctx context.Context, header string) (Principal, error) {
	key, err := ParseBearer(header)
	if err != nil {
		return Principal{}, err
	}
	return a.Resolve(ctx, key)
}

// ValidateAPIKey resolves the key carried in incoming gRPC metadata.
func (a *Authenticator) ValidateAPIKey(ctx context.Context) (Principal, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return Principal{}, ErrUnauthenticated
	}
	return a.ResolveHeader(ctx, values[0])
}

// Register stores a key for an account, or for a service when accountID is
// ServiceAccount.
func (a *Authenticator) Register(ctx context.Context, rawKey, accountID string) error {
	if rawKey == "" || accountID == "" {
		return fmt.Errorf("%w: key and account are required", ErrUnauthenticated)
	}
	if err := a.redis.Set(ctx, redisKey(rawKey), accountID, 0).Err(); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	a.log.Info().Str("account_id", accountID).Str("key_hash", HashKey(rawKey)[:12]).Msg("api key registered")
	return nil
}

func (a *Authenticator) Revoke(ctx context.Context, rawKey string) error {
	if err := a.redis.Del(ctx, redisKey(rawKey)).Err(); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}
