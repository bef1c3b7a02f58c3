// Command synapse runs the goal-execution engine: an HTTP server, one-shot
// goal processing, and maintenance commands for tools and versions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"synapse/internal/config"
	"synapse/internal/server"
	"synapse/internal/store"
	"synapse/internal/system"
)

// Exit codes: 0 success, 1 configuration error, 2 runtime error.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return exitRuntime
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		log.Errorw("invalid configuration", "error", err)
		return exitConfig
	}

	root := &cobra.Command{
		Use:           "synapse",
		Short:         "Autonomous goal-execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(cfg, log),
		goalCmd(cfg, log),
		toolsCmd(cfg, log),
		investigateCmd(cfg, log),
		versionsCmd(cfg, log),
	)

	if err := root.Execute(); err != nil {
		log.Errorw("command failed", "error", err)
		return exitRuntime
	}
	return exitOK
}

// boot spins up the full system for one command invocation.
func boot(cfg config.Config, log *zap.SugaredLogger) (*system.System, error) {
	sys, err := system.Boot(cfg, system.Options{})
	if err != nil {
		return nil, fmt.Errorf("boot engine: %w", err)
	}
	log.Infow("engine booted", "data_dir", cfg.DataDir, "tools_dir", cfg.ToolsDir)
	return sys, nil
}

func serveCmd(cfg config.Config, log *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server with background monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := boot(cfg, log)
			if err != nil {
				return err
			}
			defer sys.Close()

			if err := sys.StartBackground(); err != nil {
				return fmt.Errorf("start background monitoring: %w", err)
			}

			srv := server.New(sys)
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			log.Infow("serving", "addr", cfg.HTTPAddr)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errc:
				return err
			case sig := <-stop:
				log.Infow("shutting down", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
}

func goalCmd(cfg config.Config, log *zap.SugaredLogger) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "goal <text>",
		Short: "Process one goal and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := boot(cfg, log)
			if err != nil {
				return err
			}
			defer sys.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			result, err := sys.Orchestrator.Process(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall processing deadline")
	return cmd
}

func toolsCmd(cfg config.Config, log *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the loaded tool catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := boot(cfg, log)
			if err != nil {
				return err
			}
			defer sys.Close()

			for _, t := range sys.Registry.List() {
				fmt.Printf("%-24s %s\n", t.Name, t.Description)
			}
			return nil
		},
	}
}

func investigateCmd(cfg config.Config, log *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "investigate",
		Short: "Run one health investigation and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := boot(cfg, log)
			if err != nil {
				return err
			}
			defer sys.Close()

			report, err := sys.Investigator.InvestigateHealth(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func versionsCmd(cfg config.Config, log *zap.SugaredLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect and manage tool version history",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <tool>",
		Short: "List all versions of a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := boot(cfg, log)
			if err != nil {
				return err
			}
			defer sys.Close()

			versions, err := sys.Versions.ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, v := range versions {
				marker := " "
				if v.IsCurrent {
					marker = "*"
				}
				fmt.Printf("%s v%-3d id=%-5d %-10s %-12s %3d execs %.0f%% ok  %s\n",
					marker, v.VersionNumber, v.ID, v.CreatedBy, v.ImprovementType,
					v.TotalExecutions, v.SuccessRate*100, v.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "diff <from-id> <to-id>",
		Short: "Show the diff between two versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("from-id: %w", err)
			}
			toID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("to-id: %w", err)
			}

			sys, err := boot(cfg, log)
			if err != nil {
				return err
			}
			defer sys.Close()

			cmp, err := sys.Versions.CompareVersions(cmd.Context(), fromID, toID)
			if err != nil {
				return err
			}
			fmt.Printf("%s: v%d -> v%d (+%d -%d)\n", cmp.From.ToolName,
				cmp.From.VersionNumber, cmp.To.VersionNumber, cmp.LinesAdded, cmp.LinesRemoved)
			if cmp.BreakingChanges {
				fmt.Println("BREAKING:")
				for _, d := range cmp.BreakingDetails {
					fmt.Printf("  %s\n", d)
				}
			}
			fmt.Println(cmp.Diff)
			return nil
		},
	})

	var reason string
	rollback := &cobra.Command{
		Use:   "rollback <tool> <version-id>",
		Short: "Roll a tool back to a prior version and redeploy it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("version-id: %w", err)
			}

			sys, err := boot(cfg, log)
			if err != nil {
				return err
			}
			defer sys.Close()

			if err := sys.Versions.RollbackToVersion(cmd.Context(), args[0], versionID, reason, store.CreatedByHuman); err != nil {
				return err
			}
			fmt.Printf("rolled %s back to version %d\n", args[0], versionID)
			return nil
		},
	}
	rollback.Flags().StringVar(&reason, "reason", "manual rollback", "reason recorded in the version history")
	cmd.AddCommand(rollback)

	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
