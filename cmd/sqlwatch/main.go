// Command sqlwatch is a SQL-first alerting daemon: alerts are SQL queries
// returning a status column, executed on cron schedules, with edge-triggered
// notifications over email, Slack, and webhooks.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
	"github.com/sqlwatch/sqlwatch/internal/config"
	"github.com/sqlwatch/sqlwatch/internal/daemon"
	"github.com/sqlwatch/sqlwatch/internal/executor"
	"github.com/sqlwatch/sqlwatch/internal/logging"
	"github.com/sqlwatch/sqlwatch/internal/metrics"
	"github.com/sqlwatch/sqlwatch/internal/notify"
	"github.com/sqlwatch/sqlwatch/internal/query"
	"github.com/sqlwatch/sqlwatch/internal/store"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	flagConfig    string
	flagDataDir   string
	flagListen    string
	flagLogLevel  string
	flagLogFormat string
	flagJSON      bool
	flagDryRun    bool
	flagLimit     int
	flagFor       time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "sqlwatch",
		Short:         "SQL-first alerting daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A .env next to the process is optional; resolution errors for
			// individual variables surface at config load.
			_ = godotenv.Load()
			logging.Init(logging.Config{
				Level:     flagLogLevel,
				Format:    flagLogFormat,
				Component: "sqlwatch",
			})
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "sqlwatch.yaml", "path to the configuration file")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "state directory (overrides config)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "auto", "log format (json|console|auto)")

	root.AddCommand(
		serveCmd(),
		validateCmd(),
		runCmd(),
		historyCmd(),
		silenceCmd(),
		unsilenceCmd(),
		versionCmd(),
	)
	root.RunE = runServe // bare `sqlwatch` serves

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		switch {
		case errors.Is(err, daemon.ErrConfigLoad):
			os.Exit(1)
		case errors.Is(err, daemon.ErrStoreUnavailable):
			os.Exit(2)
		default:
			os.Exit(3)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(daemon.Options{
		ConfigPath: flagConfig,
		DataDir:    flagDataDir,
		Listen:     flagListen,
	})
	if err != nil {
		return err
	}
	return d.Run(cmd.Context())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the alerting daemon",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&flagListen, "listen", "", "metrics/health listen address (overrides config)")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, errs := config.Load(flagConfig)
			for _, err := range errs {
				fmt.Fprintln(os.Stderr, "config:", err)
			}
			if cfg == nil || len(errs) > 0 {
				return fmt.Errorf("%w: %s", daemon.ErrConfigLoad, flagConfig)
			}
			fmt.Printf("configuration valid: %d alerts, %d databases\n",
				len(cfg.Alerts), len(cfg.Databases))
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run NAME",
		Short: "Execute one alert immediately and print the execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var def *alerting.Definition
			for _, candidate := range cfg.Alerts {
				if candidate.Name == args[0] {
					def = candidate
					break
				}
			}
			if def == nil {
				return fmt.Errorf("no alert named %q in %s", args[0], flagConfig)
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			pool, err := query.NewPool(cfg.Databases)
			if err != nil {
				return fmt.Errorf("%w: %v", daemon.ErrConfigLoad, err)
			}
			defer pool.Close()

			reg := metrics.NewRegistry()
			exec := executor.New(st, pool, notify.NewSender(cfg.SMTP, reg), reg)
			if cfg.Daemon.QueryTimeout > 0 {
				exec.QueryTimeout = cfg.Daemon.QueryTimeout
			}

			rec := exec.Execute(cmd.Context(), def, alerting.TriggerManual, flagDryRun)
			return printRecord(rec)
		},
	}
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "run the query and compute the transition without persisting or notifying")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "print the record as JSON")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [NAME]",
		Short: "Show recent execution records, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			recs, err := st.RecentHistory(cmd.Context(), name, flagLimit)
			if err != nil {
				return err
			}

			if flagJSON {
				return json.NewEncoder(os.Stdout).Encode(recs)
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%s  %-20s %-7s %6dms",
					rec.ExecutedAt.Format(time.RFC3339), rec.AlertName, rec.Outcome, rec.DurationMS)
				if rec.ErrorKind != "" {
					line += "  " + string(rec.ErrorKind)
				}
				if rec.ErrorMessage != "" {
					line += "  " + rec.ErrorMessage
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "maximum records to show")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "print records as JSON")
	return cmd
}

func silenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "silence NAME",
		Short: "Suppress notifications for an alert; executions still run and record history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			until := time.Now().Add(flagFor)
			if err := st.Silence(cmd.Context(), args[0], until); err != nil {
				return err
			}
			fmt.Printf("alert %q silenced until %s\n", args[0], until.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&flagFor, "for", time.Hour, "how long to silence the alert")
	return cmd
}

func unsilenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsilence NAME",
		Short: "Clear an alert's silence window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Unsilence(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("alert %q unsilenced\n", args[0])
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sqlwatch %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, errs := config.Load(flagConfig)
	for _, err := range errs {
		log.Warn().Err(err).Msg("Config problem")
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", daemon.ErrConfigLoad, flagConfig)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLite, error) {
	dataDir := flagDataDir
	if dataDir == "" {
		dataDir = cfg.Daemon.DataDir
	}
	if dataDir == "" {
		dataDir = "data"
	}
	st, err := store.Open(store.DefaultConfig(dataDir))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", daemon.ErrStoreUnavailable, err)
	}
	return st, nil
}

func printRecord(rec *alerting.ExecutionRecord) error {
	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(rec)
	}

	fmt.Printf("alert:      %s\n", rec.AlertName)
	fmt.Printf("outcome:    %s\n", rec.Outcome)
	fmt.Printf("executed:   %s\n", rec.ExecutedAt.Format(time.RFC3339))
	fmt.Printf("duration:   %dms\n", rec.DurationMS)
	fmt.Printf("trigger:    %s\n", rec.TriggeredBy)
	if rec.ActualValue != nil {
		fmt.Printf("actual:     %g\n", *rec.ActualValue)
	}
	if rec.Threshold != nil {
		fmt.Printf("threshold:  %g\n", *rec.Threshold)
	}
	if rec.ErrorKind != "" {
		fmt.Printf("error kind: %s\n", rec.ErrorKind)
	}
	if rec.ErrorMessage != "" {
		fmt.Printf("error:      %s\n", rec.ErrorMessage)
	}
	if rec.ContextJSON != "" {
		fmt.Printf("context:    %s\n", rec.ContextJSON)
	}
	fmt.Printf("notified:   %d attempted, %d failed\n",
		rec.NotificationsAttempted, rec.NotificationsFailed)
	if rec.DryRun {
		fmt.Println("dry run: nothing persisted, nothing sent")
	}
	return nil
}
