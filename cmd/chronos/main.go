package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/chronos"
	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/engine"
	"github.com/chronos-db/chronos/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chronos",
	Short: "Chronos - versioned multi-backend persistence engine",
	Long: `Chronos couples an indexed document store with object storage to
provide immutable, append-only versioning of records: payloads live in
blobs, searchable projections live in the document store, and every write
produces a new addressable version.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Chronos version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chronos.yaml", "Path to the configuration file")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(deadLetterCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initClient(ctx context.Context, opts chronos.Options) (*chronos.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return chronos.Init(ctx, cfg, opts)
}

// Config commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s is valid\n", configPath)
		fmt.Printf("  db connections:     %d\n", len(cfg.DBConnections))
		fmt.Printf("  spaces connections: %d\n", len(cfg.SpacesConnections))
		fmt.Printf("  collection maps:    %d\n", len(cfg.CollectionMaps))
		return nil
	},
}

// Worker commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the fallback retry worker",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the retry worker until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := initClient(ctx, chronos.Options{})
		if err != nil {
			return fmt.Errorf("failed to initialize: %v", err)
		}

		fmt.Println("Worker is running. Press Ctrl+C to stop.")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %v", err)
		}
		fmt.Println("✓ Worker stopped")
		return nil
	},
}

// Restore commands
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore items or collections to a prior state",
}

var restoreObjectCmd = &cobra.Command{
	Use:   "object <collection> <itemId>",
	Short: "Restore one item to a prior version or instant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rc, err := routeFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		id, err := primitive.ObjectIDFromHex(args[1])
		if err != nil {
			return fmt.Errorf("invalid item id %q: %v", args[1], err)
		}
		target, err := objectTargetFromFlags(cmd)
		if err != nil {
			return err
		}

		client, err := initClient(ctx, chronos.Options{DisableWorker: true, DisableReaper: true})
		if err != nil {
			return fmt.Errorf("failed to initialize: %v", err)
		}
		defer client.Shutdown(context.Background())

		res, err := client.Engine.RestoreObject(ctx, rc, id, target, engine.RestoreOptions{
			Actor:  "cli",
			Reason: "manual restore",
		})
		if err != nil {
			return err
		}
		if res.NoOp {
			fmt.Printf("✓ Item already at the target state (ov=%d)\n", res.OV)
			return nil
		}
		fmt.Printf("✓ Restored %s to ov=%d (new ov=%d, cv=%d)\n", id.Hex(), res.RestoredFrom, res.OV, res.CV)
		return nil
	},
}

var restoreCollectionCmd = &cobra.Command{
	Use:   "collection <collection>",
	Short: "Restore a whole collection to a prior cv or instant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rc, err := routeFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		target, err := collectionTargetFromFlags(cmd)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		parallelism, _ := cmd.Flags().GetInt("parallelism")
		pageSize, _ := cmd.Flags().GetInt64("page-size")

		client, err := initClient(ctx, chronos.Options{DisableWorker: true, DisableReaper: true})
		if err != nil {
			return fmt.Errorf("failed to initialize: %v", err)
		}
		defer client.Shutdown(context.Background())

		res, err := client.Engine.RestoreCollection(ctx, rc, target, engine.CollectionRestoreOptions{
			Actor:       "cli",
			Reason:      "manual restore",
			PageSize:    pageSize,
			Parallelism: parallelism,
			DryRun:      dryRun,
		})
		if err != nil {
			return err
		}
		mode := "Restored"
		if res.DryRun {
			mode = "Would restore"
		}
		fmt.Printf("✓ %s collection %s to cv=%d\n", mode, args[0], res.TargetCV)
		fmt.Printf("  planned:  %d\n", res.Planned)
		fmt.Printf("  restored: %d\n", res.Restored)
		fmt.Printf("  skipped:  %d\n", res.Skipped)
		fmt.Printf("  failures: %d\n", res.Failures)
		return nil
	},
}

// Dead-letter commands
var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and manage dead-lettered operations",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt64("limit")

		client, err := initClient(ctx, chronos.Options{DisableWorker: true, DisableReaper: true})
		if err != nil {
			return fmt.Errorf("failed to initialize: %v", err)
		}
		defer client.Shutdown(context.Background())

		if client.Queue == nil {
			return fmt.Errorf("fallback is disabled in %s", configPath)
		}
		ops, err := client.Queue.ListDeadLetters(ctx, limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No dead-lettered operations.")
			return nil
		}
		for _, op := range ops {
			item := "-"
			if op.ItemID != nil {
				item = op.ItemID.Hex()
			}
			fmt.Printf("%s  %-7s %-20s item=%s attempts=%d lastError=%s\n",
				op.ID.Hex(), op.Op, op.Route.Collection, item, op.Attempts, op.LastError)
		}
		return nil
	},
}

var deadLetterRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a dead-lettered operation back onto the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deadLetterAction(cmd, args[0], "retry")
	},
}

var deadLetterCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Discard a dead-lettered operation permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deadLetterAction(cmd, args[0], "cancel")
	},
}

func deadLetterAction(cmd *cobra.Command, rawID, action string) error {
	ctx := cmd.Context()
	id, err := primitive.ObjectIDFromHex(rawID)
	if err != nil {
		return fmt.Errorf("invalid id %q: %v", rawID, err)
	}
	client, err := initClient(ctx, chronos.Options{DisableWorker: true, DisableReaper: true})
	if err != nil {
		return fmt.Errorf("failed to initialize: %v", err)
	}
	defer client.Shutdown(context.Background())

	if client.Queue == nil {
		return fmt.Errorf("fallback is disabled in %s", configPath)
	}
	switch action {
	case "retry":
		if err := client.Queue.RetryDeadLetter(ctx, id); err != nil {
			return err
		}
		fmt.Printf("✓ Requeued %s\n", id.Hex())
	case "cancel":
		if err := client.Queue.CancelDeadLetter(ctx, id); err != nil {
			return err
		}
		fmt.Printf("✓ Cancelled %s\n", id.Hex())
	}
	return nil
}

func routeFromFlags(cmd *cobra.Command, collection string) (types.RouteContext, error) {
	dbType, _ := cmd.Flags().GetString("db-type")
	tier, _ := cmd.Flags().GetString("tier")
	tenant, _ := cmd.Flags().GetString("tenant")
	domain, _ := cmd.Flags().GetString("domain")
	return types.RouteContext{
		DatabaseType: types.DatabaseType(dbType),
		Tier:         types.Tier(tier),
		TenantID:     tenant,
		Domain:       domain,
		Collection:   collection,
	}, nil
}

func objectTargetFromFlags(cmd *cobra.Command) (engine.RestoreTarget, error) {
	ovRaw, _ := cmd.Flags().GetString("ov")
	atRaw, _ := cmd.Flags().GetString("at")
	var target engine.RestoreTarget
	if ovRaw != "" {
		ov, err := strconv.ParseInt(ovRaw, 10, 64)
		if err != nil {
			return target, fmt.Errorf("invalid --ov %q: %v", ovRaw, err)
		}
		target.OV = &ov
	}
	if atRaw != "" {
		at, err := time.Parse(time.RFC3339, atRaw)
		if err != nil {
			return target, fmt.Errorf("invalid --at %q (want RFC3339): %v", atRaw, err)
		}
		target.At = &at
	}
	if (target.OV == nil) == (target.At == nil) {
		return target, fmt.Errorf("exactly one of --ov and --at is required")
	}
	return target, nil
}

func collectionTargetFromFlags(cmd *cobra.Command) (engine.CollectionRestoreTarget, error) {
	cvRaw, _ := cmd.Flags().GetString("cv")
	atRaw, _ := cmd.Flags().GetString("at")
	var target engine.CollectionRestoreTarget
	if cvRaw != "" {
		cv, err := strconv.ParseInt(cvRaw, 10, 64)
		if err != nil {
			return target, fmt.Errorf("invalid --cv %q: %v", cvRaw, err)
		}
		target.CV = &cv
	}
	if atRaw != "" {
		at, err := time.Parse(time.RFC3339, atRaw)
		if err != nil {
			return target, fmt.Errorf("invalid --at %q (want RFC3339): %v", atRaw, err)
		}
		target.At = &at
	}
	if (target.CV == nil) == (target.At == nil) {
		return target, fmt.Errorf("exactly one of --cv and --at is required")
	}
	return target, nil
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	workerCmd.AddCommand(workerRunCmd)
	restoreCmd.AddCommand(restoreObjectCmd)
	restoreCmd.AddCommand(restoreCollectionCmd)
	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterRetryCmd)
	deadLetterCmd.AddCommand(deadLetterCancelCmd)

	for _, cmd := range []*cobra.Command{restoreObjectCmd, restoreCollectionCmd} {
		cmd.Flags().String("db-type", "metadata", "Database type (metadata, knowledge, runtime, logs, messaging, identities)")
		cmd.Flags().String("tier", "generic", "Tier (generic, domain, tenant)")
		cmd.Flags().String("tenant", "", "Tenant id (tenant tier)")
		cmd.Flags().String("domain", "", "Domain (domain tier)")
		cmd.Flags().String("at", "", "Target instant (RFC3339)")
	}
	restoreObjectCmd.Flags().String("ov", "", "Target object version")
	restoreCollectionCmd.Flags().String("cv", "", "Target collection version")
	restoreCollectionCmd.Flags().Bool("dry-run", false, "Report what would change without writing")
	restoreCollectionCmd.Flags().Int("parallelism", 4, "Concurrent item restores")
	restoreCollectionCmd.Flags().Int64("page-size", 100, "Heads per page")

	deadLetterListCmd.Flags().Int64("limit", 50, "Maximum entries to list")
}
