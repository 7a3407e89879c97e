// adminctl is the operator CLI for job-type administration, wallet
// credits, job inspection, and runner listing/draining — the admin
// surface spec.md frames as out of the core's API but necessary for a
// complete, runnable system. Its command-group structure is grounded in
// Kelpejol's beam-cli (balance/customers/requests/admin command groups
// under one cobra root).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"jobcore/config"
	"jobcore/internal/billing"
	"jobcore/internal/ledger"
)

var (
	postgresURL string
	store       *ledger.Store
	billingCore *billing.Core
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "adminctl",
		Short:         "adminctl administers job types, wallets, jobs and runners",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			dbpool, err := pgxpool.New(context.Background(), postgresURL)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			store = ledger.NewStore(dbpool)
			billingCore = billing.NewCore(store, billing.OveragePolicy{}, nil)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres-url", defaultPostgresURL(), "PostgreSQL connection URL")

	rootCmd.AddCommand(jobTypesCmd(), walletCmd(), jobsCmd(), runnersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultPostgresURL() string {
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		return v
	}
	cfg, _ := config.LoadConfig()
	return cfg.Postgres.URL
}

func jobTypesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job-types", Short: "Job-type administration"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job type",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			logicID, _ := cmd.Flags().GetString("processing-logic-id")
			procType, _ := cmd.Flags().GetString("processor-type")
			costCents, _ := cmd.Flags().GetInt64("cost-cents")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

			jt := &ledger.JobType{
				Name:              name,
				ProcessingLogicID: logicID,
				ProcessorType:     ledger.ProcessorType(procType),
				StandardCostCents: costCents,
				Enabled:           true,
			}
			if maxAttempts > 0 {
				initialInterval, _ := cmd.Flags().GetInt("initial-interval-seconds")
				multiplier, _ := cmd.Flags().GetFloat64("backoff-multiplier")
				maxInterval, _ := cmd.Flags().GetInt("max-interval-seconds")
				jt.RetryPolicy = &ledger.RetryPolicy{
					MaxAttempts:            maxAttempts,
					InitialIntervalSeconds: initialInterval,
					BackoffMultiplier:      multiplier,
					MaxIntervalSeconds:     maxInterval,
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.CreateJobType(ctx, jt); err != nil {
				return err
			}
			printJSON(map[string]string{"id": jt.ID.String()})
			return nil
		},
	}
	createCmd.Flags().String("name", "", "job type name (required)")
	createCmd.Flags().String("processing-logic-id", "", "processing_logic_id runners resolve (required)")
	createCmd.Flags().String("processor-type", "sync", "sync|async|batch")
	createCmd.Flags().Int64("cost-cents", 0, "standard_cost_cents")
	createCmd.Flags().Int("max-attempts", 0, "retry policy max_attempts (0 = no retry policy)")
	createCmd.Flags().Int("initial-interval-seconds", 1, "retry policy initial_interval_seconds")
	createCmd.Flags().Float64("backoff-multiplier", 2.0, "retry policy backoff_multiplier")
	createCmd.Flags().Int("max-interval-seconds", 60, "retry policy max_interval_seconds")
	_ = createCmd.MarkFlagRequired("name")
	_ = createCmd.MarkFlagRequired("processing-logic-id")

	enableCmd := &cobra.Command{
		Use:   "enable [id]",
		Short: "Enable a job type",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(args[0], true) },
	}
	disableCmd := &cobra.Command{
		Use:   "disable [id]",
		Short: "Disable a job type",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(args[0], false) },
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List job types",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			types, err := store.ListJobTypes(ctx)
			if err != nil {
				return err
			}
			printJSON(types)
			return nil
		},
	}

	cmd.AddCommand(createCmd, enableCmd, disableCmd, listCmd)
	return cmd
}

func setEnabled(rawID string, enabled bool) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid job type id: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return store.SetJobTypeEnabled(ctx, id, enabled)
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "Wallet operations"}

	getCmd := &cobra.Command{
		Use:   "get [customer-id]",
		Short: "Show a customer's wallet balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid customer id: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			w, err := store.GetWallet(ctx, customerID)
			if err != nil {
				return err
			}
			printJSON(map[string]int64{
				"balance_cents":  w.BalanceCents,
				"reserved_cents": w.ReservedCents,
				"available_cents": w.Available(),
			})
			return nil
		},
	}

	creditCmd := &cobra.Command{
		Use:   "credit [customer-id]",
		Short: "Credit a customer's wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid customer id: %w", err)
			}
			amount, _ := cmd.Flags().GetInt64("amount-cents")
			description, _ := cmd.Flags().GetString("description")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := billingCore.Credit(ctx, customerID, amount, description); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	creditCmd.Flags().Int64("amount-cents", 0, "amount to credit, in cents (required)")
	creditCmd.Flags().String("description", "adminctl credit", "ledger description")
	_ = creditCmd.MarkFlagRequired("amount-cents")

	txnsCmd := &cobra.Command{
		Use:   "transactions [customer-id]",
		Short: "List recent wallet transactions for a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid customer id: %w", err)
			}
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			txns, err := store.ListWalletTransactions(ctx, customerID, limit, nil)
			if err != nil {
				return err
			}
			printJSON(txns)
			return nil
		},
	}
	txnsCmd.Flags().Int("limit", 20, "max rows to return")

	cmd.AddCommand(getCmd, creditCmd, txnsCmd)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Job inspection"}

	getCmd := &cobra.Command{
		Use:   "get [job-id]",
		Short: "Show a job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			job, err := store.GetJob(ctx, id)
			if err != nil {
				return err
			}
			printJSON(job)
			return nil
		},
	}

	cmd.AddCommand(getCmd)
	return cmd
}

func runnersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runners", Short: "Runner listing and draining"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered runners",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			runners, err := store.ListRunners(ctx)
			if err != nil {
				return err
			}
			printJSON(runners)
			return nil
		},
	}

	// drain only writes status = draining to the runner's row. The runner
	// loop does not read that status: it keeps claiming, and its next
	// heartbeat sets the status back to active.
	drainCmd := &cobra.Command{
		Use:   "drain [runner-id]",
		Short: "Request a runner drain ahead of a deploy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid runner id: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return store.SetRunnerStatus(ctx, id, ledger.RunnerDraining)
		},
	}

	cmd.AddCommand(listCmd, drainCmd)
	return cmd
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
