// Command seeder prepares a development database: it applies the schema,
// creates a few demo accounts through the ledger and registers API keys for
// them. Running it again is harmless.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kelpejol/runledger/internal/auth"
	"github.com/kelpejol/runledger/internal/config"
	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/store/migrations"
	"github.com/kelpejol/runledger/internal/store/postgres"
)

type seedAccount struct {
	id       string
	apiKey   string
	plan     ledger.PlanTier
	purchase int64
}

var seedAccounts = []seedAccount{
	{id: "test_user_1", apiKey: "runledger_test_key_1", purchase: 100},
	{id: "test_subscriber_1", apiKey: "runledger_test_key_2", plan: ledger.PlanIndividual},
	{id: "test_org_member_1", apiKey: "runledger_test_key_3", plan: ledger.PlanOrgMember},
}

const serviceKey = "runledger_test_service_key"

func main() {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "seeder",
		Short: "Apply migrations and seed development accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return errors.New("refusing to seed a production environment")
			}
			logger := config.NewLogger(cfg.LogLevel, cfg.Environment, "runledger-seeder")
			return run(cmd.Context(), cfg, skipMigrations, logger)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "seed without applying migrations")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, skipMigrations bool, logger zerolog.Logger) error {
	if !skipMigrations {
		if err := migrations.Up(cfg.PostgresURL); err != nil {
			return err
		}
		logger.Info().Msg("migrations applied")
	}

	store, err := postgres.Open(cfg.PostgresURL, cfg.LockTimeout, logger)
	if err != nil {
		return err
	}
	l := ledger.NewLedger(store, logger, ledger.DefaultOptions())
	defer l.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	authenticator := auth.NewAuthenticator(rdb, logger)

	for _, acct := range seedAccounts {
		if err := seed(ctx, l, cfg, acct); err != nil {
			return fmt.Errorf("seed %s: %w", acct.id, err)
		}
		if err := authenticator.Register(ctx, acct.apiKey, acct.id); err != nil {
			return fmt.Errorf("register key for %s: %w", acct.id, err)
		}
		logger.Info().Str("account_id", acct.id).Str("api_key", acct.apiKey).Msg("account seeded")
	}

	if err := authenticator.Register(ctx, serviceKey, auth.ServiceAccount); err != nil {
		return fmt.Errorf("register service key: %w", err)
	}
	logger.Info().Str("api_key", serviceKey).Msg("service key registered")
	return nil
}

func seed(ctx context.Context, l *ledger.Ledger, cfg *config.Config, acct seedAccount) error {
	if _, err := l.CreateAccount(ctx, acct.id, cfg.SignupGrant); err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return err
	}
	if acct.purchase > 0 {
		if _, err := l.Bonus(ctx, acct.id, acct.purchase, "seed:"+acct.id, "development seed"); err != nil &&
			!errors.Is(err, ledger.ErrDuplicateEvent) {
			return err
		}
	}
	if acct.plan == "" {
		return nil
	}

	allotment := cfg.Allotments[acct.plan]
	return l.Apply(ctx, acct.id, func(u *ledger.Unit) error {
		existing, err := u.Tx().Subscription()
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		periodEnd := u.Now().AddDate(0, cfg.PeriodMonths, 0).UTC().Truncate(time.Second)
		if err := u.Tx().PutSubscription(ledger.Subscription{
			AccountID:        acct.id,
			ExternalID:       "sub_seed_" + acct.id,
			PlanTier:         acct.plan,
			Status:           ledger.SubscriptionActive,
			CurrentPeriodEnd: periodEnd,
			UpdatedAt:        u.Now(),
		}); err != nil {
			return err
		}
		if _, err := u.Mutate(ledger.PoolDelta{Monthly: allotment}, ledger.ReasonMonthlyGrant,
			"seed:"+acct.id+":monthly", "development seed"); err != nil {
			return err
		}
		return u.Reschedule(func(b *ledger.Balance) {
			b.MonthlyAllotment = allotment
			b.MonthlyResetAt = &periodEnd
		})
	})
}
