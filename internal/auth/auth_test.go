package auth

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

func newAuth(t *testing.T) (*Authenticator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewAuthenticator(rdb, zerolog.Nop()), mr
}

func TestResolve(t *testing.T) {
	a, mr := newAuth(t)
	ctx := context.Background()
	require.NoError(t, a.Register(ctx, "rl_user_key", "acct-1"))
	require.NoError(t, a.Register(ctx, "rl_service_key", ServiceAccount))

	// Only the hash is stored.
	assert.False(t, mr.Exists("apikey:rl_user_key"))
	assert.True(t, mr.Exists("apikey:"+HashKey("rl_user_key")))

	p, err := a.Resolve(ctx, "rl_user_key")
	require.NoError(t, err)
	assert.Equal(t, Principal{AccountID: "acct-1"}, p)

	p, err = a.Resolve(ctx, "rl_service_key")
	require.NoError(t, err)
	assert.True(t, p.Service)

	_, err = a.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	require.NoError(t, a.Revoke(ctx, "rl_user_key"))
	_, err = a.Resolve(ctx, "rl_user_key")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer  abc ", "abc", false},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := ParseBearer(tt.header)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateAPIKeyFromMetadata(t *testing.T) {
	a, _ := newAuth(t)
	require.NoError(t, a.Register(context.Background(), "k1", "acct-9"))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer k1"))
	p, err := a.ValidateAPIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acct-9", p.AccountID)

	_, err = a.ValidateAPIKey(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestScope(t *testing.T) {
	user := Principal{AccountID: "acct-1"}
	svc := Principal{Service: true}

	got, err := user.Scope("")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got)

	_, err = user.Scope("acct-2")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	got, err = svc.Scope("acct-2")
	require.NoError(t, err)
	assert.Equal(t, "acct-2", got)

	_, err = svc.Scope("")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
