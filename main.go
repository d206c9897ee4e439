// runledger CLI - operator tooling for the credit ledger
//
// This tool provides administrative operations including:
// - Balance and history inspection
// - Account creation
// - Admin adjustments, bonuses and integrity verification
// - Schema migrations
// - Manual bucket rotation and webhook replay
// - API key management
//
// Usage:
//
//	runledger-cli balance get --account-id acct_123
//	runledger-cli history list --account-id acct_123 --type spend
//	runledger-cli admin adjust --account-id acct_123 --pool purchased --delta 50 --note "support ticket 881"
//	runledger-cli admin migrate up
//	runledger-cli rotate run
//	runledger-cli webhooks replay --event-id evt_123
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kelpejol/runledger/internal/auth"
	"github.com/kelpejol/runledger/internal/config"
	"github.com/kelpejol/runledger/internal/integrity"
	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/rotation"
	"github.com/kelpejol/runledger/internal/store/migrations"
	"github.com/kelpejol/runledger/internal/store/postgres"
	"github.com/kelpejol/runledger/internal/throttle"
	"github.com/kelpejol/runledger/internal/webhook"
)

var (
	// Version is set during build
	Version   = "dev"
	BuildTime = "unknown"

	// Global flags
	redisAddr   string
	postgresURL string
	verbose     bool

	cfg  *config.Config
	ldgr *ledger.Ledger
)

// skipLedger marks commands that must not open the ledger, such as
// migrations that run before the schema exists.
const skipLedger = "skip-ledger"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:   "runledger-cli",
		Short: "runledger CLI - operator tooling for the credit ledger",
		Long: `runledger CLI provides administrative operations for the runledger credit ledger.

Operations include balance inspection, account creation, admin adjustments,
integrity verification, migrations, rotation and webhook replay.`,
		Version:       Version + " (" + BuildTime + ")",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cmd.Flags().Changed("postgres-url") {
				cfg.PostgresURL = postgresURL
			}
			if cmd.Flags().Changed("redis-addr") {
				cfg.RedisAddr = redisAddr
			}

			if cmd.Annotations[skipLedger] != "" {
				return nil
			}
			store, err := postgres.Open(cfg.PostgresURL, cfg.LockTimeout, log.Logger)
			if err != nil {
				return fmt.Errorf("failed to initialize ledger: %w", err)
			}
			opts := ledger.DefaultOptions()
			opts.MaxRetries = cfg.MaxRetries
			ldgr = ledger.NewLedger(store, log.Logger, opts)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if ldgr != nil {
				ldgr.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "Redis address (default from REDIS_ADDR)")
	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres-url", "", "PostgreSQL connection URL (default from POSTGRES_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(webhooksCmd())
	rootCmd.AddCommand(keysCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// balanceCmd creates the balance command group
func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Balance inspection",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			b, err := ldgr.GetBalance(ctx, accountID)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			tc, err := ldgr.Store().GetThrottle(ctx, accountID)
			if err != nil {
				return fmt.Errorf("failed to get throttle state: %w", err)
			}

			printJSON(map[string]interface{}{
				"account_id":          b.AccountID,
				"monthly":             b.Monthly,
				"rollover":            b.Rollover,
				"purchased":           b.Purchased,
				"total":               b.Total(),
				"monthly_allotment":   b.MonthlyAllotment,
				"monthly_reset_at":    formatTime(b.MonthlyResetAt),
				"rollover_expires_at": formatTime(b.RolloverExpiresAt),
				"throttled":           tc.Throttled,
				"window_spend_usd":    tc.SpendUSD.StringFixed(4),
			})
			return nil
		},
	}
	getCmd.Flags().String("account-id", "", "Account ID (required)")
	getCmd.MarkFlagRequired("account-id")

	cmd.AddCommand(getCmd)
	return cmd
}

// historyCmd creates the history command group
func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Transaction log",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions for an account, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			typ, _ := cmd.Flags().GetString("type")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			filter := ledger.TxFilter{Limit: limit, Offset: offset}
			if typ != "" {
				reason, err := ledger.ParseReason(typ)
				if err != nil {
					return err
				}
				filter.Reason = reason
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			txs, err := ldgr.ListTransactions(ctx, accountID, filter)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			out := make([]map[string]interface{}, 0, len(txs))
			for _, t := range txs {
				out = append(out, map[string]interface{}{
					"id":             t.ID,
					"type":           t.Reason,
					"delta":          t.Delta,
					"monthly":        t.Pools.Monthly,
					"rollover":       t.Pools.Rollover,
					"purchased":      t.Pools.Purchased,
					"balance_after":  t.BalanceAfter,
					"correlation_id": t.CorrelationID,
					"note":           t.Note,
					"created_at":     t.CreatedAt.Format(time.RFC3339),
				})
			}
			printJSON(out)
			return nil
		},
	}
	listCmd.Flags().String("account-id", "", "Account ID (required)")
	listCmd.Flags().String("type", "", "Only this transaction type")
	listCmd.Flags().Int("limit", 20, "Maximum number of transactions to return")
	listCmd.Flags().Int("offset", 0, "Transactions to skip")
	listCmd.MarkFlagRequired("account-id")

	cmd.AddCommand(listCmd)
	return cmd
}

// accountsCmd creates the accounts command group
func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Account management",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account with its signup grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			grant := cfg.SignupGrant
			if cmd.Flags().Changed("grant") {
				grant, _ = cmd.Flags().GetInt64("grant")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := ldgr.CreateAccount(ctx, accountID, grant); err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}
			log.Info().Str("account_id", accountID).Int64("grant", grant).Msg("✓ Account created")
			return nil
		},
	}
	createCmd.Flags().String("account-id", "", "Account ID (required)")
	createCmd.Flags().Int64("grant", 0, "Signup grant (default from SIGNUP_GRANT_CREDITS)")
	createCmd.MarkFlagRequired("account-id")

	cmd.AddCommand(createCmd)
	return cmd
}

// adminCmd creates the admin command group
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
		Long:  "Adjustments, bonuses, integrity verification, throttle overrides and migrations",
	}

	adjustCmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a signed adjustment to one pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			pool, _ := cmd.Flags().GetString("pool")
			delta, _ := cmd.Flags().GetInt64("delta")
			note, _ := cmd.Flags().GetString("note")

			p, err := ledger.ParsePool(pool)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			t, err := ldgr.AdminAdjust(ctx, accountID, p, delta, note)
			if err != nil {
				return fmt.Errorf("adjustment failed: %w", err)
			}
			log.Info().Int64("transaction_id", t.ID).Int64("balance_after", t.BalanceAfter).Msg("✓ Adjustment applied")
			return nil
		},
	}
	adjustCmd.Flags().String("account-id", "", "Account ID (required)")
	adjustCmd.Flags().String("pool", "purchased", "Pool to adjust (monthly, rollover, purchased)")
	adjustCmd.Flags().Int64("delta", 0, "Signed credit change (required)")
	adjustCmd.Flags().String("note", "", "Operator note (required)")
	adjustCmd.MarkFlagRequired("account-id")
	adjustCmd.MarkFlagRequired("delta")
	adjustCmd.MarkFlagRequired("note")

	bonusCmd := &cobra.Command{
		Use:   "bonus",
		Short: "Grant bonus credits into the purchased pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			credits, _ := cmd.Flags().GetInt64("credits")
			corr, _ := cmd.Flags().GetString("correlation-id")
			note, _ := cmd.Flags().GetString("note")
			if corr == "" {
				corr = "bonus:" + uuid.NewString()
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			t, err := ldgr.Bonus(ctx, accountID, credits, corr, note)
			if errors.Is(err, ledger.ErrDuplicateEvent) {
				log.Warn().Str("correlation_id", corr).Msg("bonus already granted")
				return nil
			}
			if err != nil {
				return fmt.Errorf("bonus failed: %w", err)
			}
			log.Info().Int64("transaction_id", t.ID).Str("correlation_id", corr).Msg("✓ Bonus granted")
			return nil
		},
	}
	bonusCmd.Flags().String("account-id", "", "Account ID (required)")
	bonusCmd.Flags().Int64("credits", 0, "Credits to grant (required)")
	bonusCmd.Flags().String("correlation-id", "", "Idempotency key (generated when empty)")
	bonusCmd.Flags().String("note", "", "Operator note")
	bonusCmd.MarkFlagRequired("account-id")
	bonusCmd.MarkFlagRequired("credits")

	verifyCmd := &cobra.Command{
		Use:   "verify-integrity",
		Short: "Verify balances against the transaction log",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			sample, _ := cmd.Flags().GetInt("sample")

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			v := integrity.NewVerifier(ldgr, log.Logger)
			var found []integrity.Discrepancy
			checked := 1
			if accountID != "" {
				d, err := v.VerifyAccount(ctx, accountID)
				if err != nil {
					return fmt.Errorf("verification failed: %w", err)
				}
				if d != nil {
					found = append(found, *d)
				}
			} else {
				var err error
				checked, found, err = v.VerifySample(ctx, sample)
				if err != nil {
					return fmt.Errorf("verification failed: %w", err)
				}
			}

			printJSON(map[string]interface{}{
				"checked":       checked,
				"discrepancies": found,
			})
			if len(found) > 0 {
				log.Warn().Int("discrepancies", len(found)).Msg("⚠️  Balance integrity check FAILED")
				return fmt.Errorf("balance mismatch detected")
			}
			log.Info().Int("checked", checked).Msg("✓ Balance integrity verified")
			return nil
		},
	}
	verifyCmd.Flags().String("account-id", "", "Verify one account")
	verifyCmd.Flags().Int("sample", 100, "Accounts to sample when no account is given")

	clearThrottleCmd := &cobra.Command{
		Use:   "clear-throttle",
		Short: "Lift the cost throttle for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			g := throttle.New(throttle.Config{CeilingUSD: cfg.ThrottleCeilingUSD, Window: cfg.ThrottleWindow}, log.Logger)
			if err := g.Clear(ctx, ldgr, accountID); err != nil {
				return fmt.Errorf("failed to clear throttle: %w", err)
			}
			log.Info().Str("account_id", accountID).Msg("✓ Throttle cleared")
			return nil
		},
	}
	clearThrottleCmd.Flags().String("account-id", "", "Account ID (required)")
	clearThrottleCmd.MarkFlagRequired("account-id")

	cmd.AddCommand(adjustCmd, bonusCmd, verifyCmd, clearThrottleCmd, migrateCmd())
	return cmd
}

// migrateCmd manages the schema with the embedded migrations.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "Database schema migrations",
		Annotations: map[string]string{skipLedger: "true"},
	}

	withMigrator := func(fn func(m *migrate.Migrate) error) error {
		m, err := migrations.New(cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(m)
	}

	upCmd := &cobra.Command{
		Use:         "up",
		Short:       "Apply all pending migrations",
		Annotations: map[string]string{skipLedger: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return err
				}
				log.Info().Msg("✓ Schema up to date")
				return nil
			})
		},
	}

	downCmd := &cobra.Command{
		Use:         "down",
		Short:       "Roll back migrations",
		Annotations: map[string]string{skipLedger: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return err
				}
				log.Info().Int("steps", steps).Msg("✓ Rolled back")
				return nil
			})
		},
	}
	downCmd.Flags().Int("steps", 1, "Number of migrations to roll back")

	versionCmd := &cobra.Command{
		Use:         "version",
		Short:       "Show the current schema version",
		Annotations: map[string]string{skipLedger: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					printJSON(map[string]interface{}{"version": nil, "dirty": false})
					return nil
				}
				if err != nil {
					return err
				}
				printJSON(map[string]interface{}{"version": v, "dirty": dirty})
				return nil
			})
		},
	}

	cmd.AddCommand(upCmd, downCmd, versionCmd)
	return cmd
}

// rotateCmd runs bucket rotation outside the server's schedule.
func rotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Monthly bucket rotation",
	}

	newScheduler := func() *rotation.Scheduler {
		g := throttle.New(throttle.Config{CeilingUSD: cfg.ThrottleCeilingUSD, Window: cfg.ThrottleWindow}, log.Logger)
		return rotation.NewScheduler(ldgr, g, rotation.LocalFence{}, rotation.Config{
			BatchSize:    cfg.RotationBatchSize,
			PeriodMonths: cfg.PeriodMonths,
			Allotments:   cfg.Allotments,
		}, log.Logger)
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Rotate every due account and expire stale rollover",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			rep, err := newScheduler().RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("rotation failed: %w", err)
			}
			printJSON(rep)
			if rep.Failed > 0 {
				return fmt.Errorf("%d accounts failed to rotate", rep.Failed)
			}
			return nil
		},
	}

	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Rotate a single account if it is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := newScheduler().RotateAccount(ctx, accountID); err != nil {
				return fmt.Errorf("rotation failed: %w", err)
			}
			log.Info().Str("account_id", accountID).Msg("✓ Account rotated")
			return nil
		},
	}
	accountCmd.Flags().String("account-id", "", "Account ID (required)")
	accountCmd.MarkFlagRequired("account-id")

	cmd.AddCommand(runCmd, accountCmd)
	return cmd
}

// webhooksCmd creates the webhooks command group
func webhooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Payment provider event log",
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-apply a stored event",
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, _ := cmd.Flags().GetString("event-id")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			rec := webhook.NewReconciler(ldgr, webhook.NewVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance),
				cfg.Allotments, log.Logger)
			outcome, err := rec.Replay(ctx, eventID)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}
			log.Info().Str("event_id", eventID).Str("outcome", string(outcome)).Msg("✓ Event replayed")
			return nil
		},
	}
	replayCmd.Flags().String("event-id", "", "Provider event ID (required)")
	replayCmd.MarkFlagRequired("event-id")

	cmd.AddCommand(replayCmd)
	return cmd
}

// keysCmd manages API keys in Redis.
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "keys",
		Short:       "API key management",
		Annotations: map[string]string{skipLedger: "true"},
	}

	withAuth := func(fn func(ctx context.Context, a *auth.Authenticator) error) error {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return fn(ctx, auth.NewAuthenticator(rdb, log.Logger))
	}

	registerCmd := &cobra.Command{
		Use:         "register",
		Short:       "Register an API key for an account",
		Annotations: map[string]string{skipLedger: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			service, _ := cmd.Flags().GetBool("service")
			key, _ := cmd.Flags().GetString("key")

			if service {
				accountID = auth.ServiceAccount
			}
			if accountID == "" {
				return errors.New("either --account-id or --service is required")
			}
			if key == "" {
				key = "rl_" + uuid.NewString()
			}

			return withAuth(func(ctx context.Context, a *auth.Authenticator) error {
				if err := a.Register(ctx, key, accountID); err != nil {
					return fmt.Errorf("failed to register key: %w", err)
				}
				printJSON(map[string]interface{}{"account_id": accountID, "api_key": key})
				return nil
			})
		},
	}
	registerCmd.Flags().String("account-id", "", "Account the key acts for")
	registerCmd.Flags().Bool("service", false, "Register a service key that may act for any account")
	registerCmd.Flags().String("key", "", "Raw key (generated when empty)")

	revokeCmd := &cobra.Command{
		Use:         "revoke",
		Short:       "Revoke an API key",
		Annotations: map[string]string{skipLedger: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			return withAuth(func(ctx context.Context, a *auth.Authenticator) error {
				if err := a.Revoke(ctx, key); err != nil {
					return fmt.Errorf("failed to revoke key: %w", err)
				}
				log.Info().Msg("✓ Key revoked")
				return nil
			})
		},
	}
	revokeCmd.Flags().String("key", "", "Raw key (required)")
	revokeCmd.MarkFlagRequired("key")

	cmd.AddCommand(registerCmd, revokeCmd)
	return cmd
}

// Helpers

func formatTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
