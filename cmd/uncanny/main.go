package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/uncanny/ai/observability/logging"
	"github.com/hrygo/uncanny/internal/profile"
	"github.com/hrygo/uncanny/internal/version"
	"github.com/hrygo/uncanny/server"
	"github.com/hrygo/uncanny/store"
	"github.com/hrygo/uncanny/store/db"
)

var (
	rootCmd = &cobra.Command{
		Use:   "uncanny",
		Short: "Discovery engine for first-person accounts of anomalous experiences.",
		// Errors are logged by main; usage is only printed for flag errors.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Systemd units provide their environment explicitly.
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), p)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Printf("Database %s is up to date\n", p.Driver)
			return nil
		},
	}

	twinsCmd = &cobra.Command{
		Use:   "twins",
		Short: "Manage the user similarity cache",
	}

	twinsRecomputeCmd = &cobra.Command{
		Use:   "recompute",
		Short: "Recompute the similarity of every pair of users once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), p)
			if err != nil {
				return err
			}
			defer st.Close()
			engine, err := server.NewEngine(p, st)
			if err != nil {
				return err
			}
			pairs, err := engine.Twins.RecomputeAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Recomputed %d user pairs\n", pairs)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Full(viper.GetString("mode")))
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28090)
	viper.SetDefault("log-format", "text")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")
	rootCmd.PersistentFlags().String("log-format", "text", `log output format, "text" or "json"`)

	for _, name := range []string{"mode", "addr", "port", "data", "driver", "dsn", "log-format"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("uncanny")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	twinsCmd.AddCommand(twinsRecomputeCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, twinsCmd, versionCmd)
}

func loadProfile() (*profile.Profile, error) {
	p := &profile.Profile{
		Mode:      viper.GetString("mode"),
		Addr:      viper.GetString("addr"),
		Port:      viper.GetInt("port"),
		Data:      viper.GetString("data"),
		Driver:    viper.GetString("driver"),
		DSN:       viper.GetString("dsn"),
		LogFormat: viper.GetString("log-format"),
		Version:   version.Current(viper.GetString("mode")),
	}
	p.FromEnv()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logging.Setup(os.Stderr, p.LogFormat, p.IsDev())
	return p, nil
}

// openStore connects to the database and applies the schema.
func openStore(ctx context.Context, p *profile.Profile) (*store.Store, error) {
	driver, err := db.NewDBDriver(p)
	if err != nil {
		printDatabaseError(err, p)
		return nil, err
	}
	st := store.New(driver, p)
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func runServe(ctx context.Context) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := openStore(ctx, p)
	if err != nil {
		return err
	}
	s, err := server.NewServer(ctx, p, st)
	if err != nil {
		_ = st.Close()
		return err
	}

	c := make(chan os.Signal, 1)
	// SIGTERM is the graceful shutdown signal of most process managers.
	signal.Notify(c, terminationSignals...)

	if err := s.Start(ctx); err != nil {
		s.Shutdown(ctx)
		return err
	}
	printGreetings(p)

	go func() {
		<-c
		s.Shutdown(context.WithoutCancel(ctx))
		cancel()
	}()

	<-ctx.Done()
	return nil
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("Uncanny %s started successfully!\n", p.Version)
	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if p.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", p.DSN)
		}
	}
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s\n", p.Driver)
	fmt.Printf("Mode: %s\n", p.Mode)
	if len(p.Addr) == 0 {
		fmt.Printf("API listening on http://localhost:%d/api/v1\n", p.Port)
	} else {
		fmt.Printf("API listening on http://%s:%d/api/v1\n", p.Addr, p.Port)
	}
	if !p.IsAIEnabled() {
		fmt.Println("Conversations are disabled: set UNCANNY_AI_LLM_API_KEY to enable them.")
	}
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printDatabaseError explains the common connection failures.
func printDatabaseError(err error, p *profile.Profile) {
	fmt.Fprintln(os.Stderr, "\nDatabase connection failed")

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host"):
		fmt.Fprintln(os.Stderr, "  PostgreSQL is not reachable. Start it, or use SQLite:")
		fmt.Fprintln(os.Stderr, "    uncanny --driver=sqlite --data=./data")
	case strings.Contains(errMsg, "SSL is not enabled") || strings.Contains(errMsg, "sslmode"):
		fmt.Fprintln(os.Stderr, "  PostgreSQL SSL mismatch. Add ?sslmode=disable to UNCANNY_DSN.")
	case strings.Contains(errMsg, "password authentication failed"):
		fmt.Fprintln(os.Stderr, "  PostgreSQL authentication failed. Check the credentials in the DSN.")
	case strings.Contains(errMsg, "vector") && p.Driver == "postgres":
		fmt.Fprintln(os.Stderr, "  The pgvector extension is missing: CREATE EXTENSION vector;")
	default:
		fmt.Fprintln(os.Stderr, "  Error:", errMsg)
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("uncanny: command failed", "error", err)
		os.Exit(1)
	}
}
