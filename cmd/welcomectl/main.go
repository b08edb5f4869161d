// welcomectl is the operator CLI for the welcome app. It reads the same
// environment configuration as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/welcomeapp/welcomeapp/internal/app"
	"github.com/welcomeapp/welcomeapp/internal/config"
	"github.com/welcomeapp/welcomeapp/internal/content"
	"github.com/welcomeapp/welcomeapp/internal/failover"
	"github.com/welcomeapp/welcomeapp/internal/logging"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "welcomectl",
	Short:        "Operate the welcome app database cluster and image store",
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		return logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"})
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(orphansCmd)

	migrateCmd.Flags().String("dir", "", "Run *.up.sql files from this directory instead of the built-in schema")

	orphansCmd.Flags().Bool("dry-run", false, "List orphaned images without removing them")
	orphansCmd.Flags().Duration("grace", content.DefaultSweepGrace, "Leave images younger than this alone")
}

func load(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return app.New(ctx, cfg, nil)
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect to every database endpoint and report its role",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := load(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		statuses := a.Router.Inspect(cmd.Context())

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ENDPOINT\tSTATE\tLATENCY\tERROR")
		writable := 0
		for _, st := range statuses {
			state, errMsg := "unreachable", ""
			if st.Reachable() {
				state = st.State.String()
			}
			if st.State == failover.NodeWritable {
				writable++
			}
			if st.Err != nil {
				errMsg = st.Err.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Label, state, st.Latency.Round(time.Millisecond), errMsg)
		}
		w.Flush()

		if writable == 0 {
			return fmt.Errorf("no writable endpoint")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the content table on the writable endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")

		a, err := load(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if dir == "" {
			if err := a.Content.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "content table ready")
			return nil
		}

		applied, err := a.Content.Migrate(cmd.Context(), dir)
		for _, f := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", f)
		}
		return err
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "Remove images no content record references",
	Long: `Remove images in the shared store that no content record references.

Images younger than --grace are skipped, since a create may have stored the
image and not yet committed its record.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		grace, _ := cmd.Flags().GetDuration("grace")

		a, err := load(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		s := content.NewSweeper(a.Content, grace)
		s.DryRun = dryRun
		res, err := s.Sweep(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, name := range res.Orphans {
			fmt.Fprintln(out, name)
		}
		fmt.Fprintf(out, "scanned %d, referenced %d, too young %d, orphaned %d, removed %d, failed %d\n",
			res.Scanned, res.Referenced, res.Young, len(res.Orphans), res.Removed, res.Failed)
		if res.Failed > 0 {
			return fmt.Errorf("%d orphan(s) could not be removed", res.Failed)
		}
		return nil
	},
}
