package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/app"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/logging"
	"stagegate/internal/migrate"
	"stagegate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "stagegate CLI",
	Long: `stagegate moves initiatives through the l0 -> l5 stage pipeline.
Each working stage after l0 is guarded by a gate (l1-gate ... l5-gate). A
workstream configures its gates as ordered rounds of role requirements with a
rule (any, all, majority); accounts are assigned to roles per workstream.
Submitting a stage opens the first round; when every role of a round is
satisfied the next round opens, and after the last one the stage is approved
and its content is carried into the next stage.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "stagegate.yml", "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("account-id", "", "acting account id")
	rootCmd.PersistentFlags().String("account-name", "", "acting account display name")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("account-id", rootCmd.PersistentFlags().Lookup("account-id"))
	_ = viper.BindPFlag("account-name", rootCmd.PersistentFlags().Lookup("account-name"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workstreamCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(snapshotCmd())
}

// loadConfig reads the config file (defaults when absent) and applies
// STAGEGATE_* environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"database.driver":    &cfg.Database.Driver,
		"database.dsn":       &cfg.Database.DSN,
		"database.workspace": &cfg.Database.Workspace,
		"server.addr":        &cfg.Server.Addr,
		"server.base_path":   &cfg.Server.BasePath,
		"redis.addr":         &cfg.Redis.Addr,
		"redis.channel":      &cfg.Redis.Channel,
		"logging.level":      &cfg.Logging.Level,
		"logging.format":     &cfg.Logging.Format,
	}
	for key, target := range overrides {
		if v := viper.GetString(key); v != "" {
			*target = v
		}
	}
	if viper.IsSet("redis.enabled") {
		cfg.Redis.Enabled = viper.GetBool("redis.enabled")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, dialect, err := db.Open(db.Config{
				Driver:    db.Dialect(cfg.Database.Driver),
				DSN:       cfg.Database.DSN,
				Workspace: cfg.Database.Workspace,
			})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, dialect); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d (%s)\n", v, dialect)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:          viper.GetString("jwt-secret"),
				AllowAccountHeader: cfg.Server.AllowAccountHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowAccountHeader {
				return fmt.Errorf("STAGEGATE_JWT_SECRET is required unless server.allow_account_header is set")
			}
			a, err := app.Bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Metrics:  a.Metrics,
				BasePath: cfg.Server.BasePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logging.Info().Add(
				logging.Str("addr", cfg.Server.Addr),
				logging.Str("base_path", cfg.Server.BasePath),
			).Msg("serving stagegate API (OpenAPI at <base>/openapi.json, Swagger UI at /docs, metrics at /metrics)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor() domain.Actor {
	return domain.Actor{AccountID: viper.GetString("account-id"), Name: viper.GetString("account-name")}
}

func requireAccount() (string, error) {
	id := viper.GetString("account-id")
	if id == "" {
		return "", fmt.Errorf("--account-id (or STAGEGATE_ACCOUNT_ID) is required")
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case v is printed.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func valueOr(ptr *string, fallback string) string {
	if ptr == nil {
		return fallback
	}
	return *ptr
}
