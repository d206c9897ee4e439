package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Fence keeps scheduler instances from rotating the same account at the
// same time. Marks are per account and expire on their own so a crashed
// instance never blocks an account for longer than the mark TTL.
type Fence interface {
	TryMark(ctx context.Context, accountID string) (bool, error)
	Unmark(ctx context.Context, accountID string) error
	// TryLead reports whether this instance holds, or just took, the
	// scheduler lease. Holding it is an optimization only.
	TryLead(ctx context.Context) (bool, error)
	Resign(ctx context.Context) error
}

const (
	DefaultMarkTTL  = 2 * time.Minute
	DefaultLeaseTTL = 10 * time.Minute
)

// Compare-and-delete and compare-and-extend, so an instance never drops or
// extends a key another instance took over after expiry.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

var renewScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('pexpire', KEYS[1], ARGV[2])
else
  return 0
end
`)

// RedisFence implements Fence with SET NX PX keys.
type RedisFence struct {
	client     *redis.Client
	instanceID string
	markTTL    time.Duration
	leaseTTL   time.Duration
}

func NewRedisFence(client *redis.Client, instanceID string, markTTL, leaseTTL time.Duration) *RedisFence {
	if markTTL <= 0 {
		markTTL = DefaultMarkTTL
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &RedisFence{client: client, instanceID: instanceID, markTTL: markTTL, leaseTTL: leaseTTL}
}

func markKey(accountID string) string {
	return fmt.Sprintf("rotation:inprogress:%s", accountID)
}

const leaseKey = "rotation:leader"

func (f *RedisFence) TryMark(ctx context.Context, accountID string) (bool, error) {
	ok, err := f.client.SetNX(ctx, markKey(accountID), f.instanceID, f.markTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set rotation mark: %w", err)
	}
	return ok, nil
}

func (f *RedisFence) Unmark(ctx context.Context, accountID string) error {
	if err := releaseScript.Run(ctx, f.client, []string{markKey(accountID)}, f.instanceID).Err(); err != nil {
		return fmt.Errorf("release rotation mark: %w", err)
	}
	return nil
}

func (f *RedisFence) TryLead(ctx context.Context) (bool, error) {
	ok, err := f.client.SetNX(ctx, leaseKey, f.instanceID, f.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire scheduler lease: %w", err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, f.client, []string{leaseKey}, f.instanceID, f.leaseTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew scheduler lease: %w", err)
	}
	return renewed == 1, nil
}

func (f *RedisFence) Resign(ctx context.Context) error {
	if err := releaseScript.Run(ctx, f.client, []string{leaseKey}, f.instanceID).Err(); err != nil {
		return fmt.Errorf("release scheduler lease: %w", err)
	}
	return nil
}

// LocalFence is for a single scheduler process, such as the admin CLI.
type LocalFence struct{}

func (LocalFence) TryMark(context.Context, string) (bool, error) { return true, nil }
func (LocalFence) Unmark(context.Context, string) error          { return nil }
func (LocalFence) TryLead(context.Context) (bool, error)         { return true, nil }
func (LocalFence) Resign(context.Context) error                  { return nil }
