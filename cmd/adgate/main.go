package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"adgate/internal/config"
	"adgate/internal/db"
	"adgate/internal/domain"
	"adgate/internal/engine"
	"adgate/internal/migrate"
	"adgate/internal/repo"
	"adgate/internal/server"
	"adgate/internal/tools"
	"adgate/internal/webhook"
)

var rootCmd = &cobra.Command{
	Use:   "adgate",
	Short: "Adgate CLI",
	Long: `Adgate is a protocol task-orchestration gateway for advertising operations.
Callers speak JSON-RPC 2.0; every conversational call becomes a durable task that
completes, fails, or parks behind a human approval step, with per-caller conversation
history and signed webhook notification of terminal states.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ADGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("data-dir", "d", ".", "data directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier for audited operations")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id for scoped commands")
	rootCmd.PersistentFlags().String("config", "adgate.yml", "config file path")
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(deliveryCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	var demo bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("config"))
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if secret := os.Getenv("ADGATE_JWT_SECRET"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			log := newLogger()
			reg := tools.NewRegistry()
			if demo {
				if err := registerDemoSkills(reg); err != nil {
					return err
				}
			}
			e := engine.New(conn, cfg, reg)
			e.Log = log

			hooks := webhook.NewDispatcher(conn, cfg, log)
			e.Hooks = hooks
			hooks.Start()
			defer hooks.Stop()

			handler, err := server.New(server.Config{Engine: e, BasePath: cfg.Server.BasePath, Log: log})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", cfg.Server.Addr).Str("base_path", cfg.Server.BasePath).Msg("gateway listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&demo, "demo", false, "register stub capabilities for local development")
	return cmd
}

// registerDemoSkills installs stand-in capabilities for local runs. Real
// capability handlers are registered by the embedding application.
func registerDemoSkills(reg *tools.Registry) error {
	skills := []tools.Skill{
		{
			ID:          "get_products",
			Name:        "Get products",
			Description: "List available advertising products",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{"products": []map[string]any{
					{"id": "prod-ctv-1", "name": "CTV prime bundle"},
					{"id": "prod-web-1", "name": "Web display run of network"},
				}}, nil
			},
		},
		{
			ID:               "create_media_buy",
			Name:             "Create media buy",
			Description:      "Create a media buy (requires human approval)",
			RequiresApproval: true,
			ObjectType:       "media_buy",
			ObjectIDArg:      "media_buy_id",
		},
	}
	for _, s := range skills {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Println("database ready:", db.Path(viper.GetString("data-dir")))
			return nil
		},
	}
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var tenant, principal, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" || principal == "" {
				return fmt.Errorf("--tenant and --principal required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, conn *sql.DB, r repo.Repo) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "agk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:          uuid.New().String(),
					TenantID:    tenant,
					PrincipalID: principal,
					Name:        name,
					KeyHash:     repo.HashAPIKey(secret),
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := conn.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Println("key id: ", key.ID)
				fmt.Println("api key:", secret)
				fmt.Println("store the api key now; only its hash is kept")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&principal, "principal", "", "principal id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := viper.GetString("tenant")
			if tenant == "" {
				return fmt.Errorf("--tenant required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, _ *sql.DB, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, tenant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Principal", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.PrincipalID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func keysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, _ *sql.DB, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "tasks", Short: "Inspect tasks"}
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, _ *sql.DB, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var contextID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a context",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contextID == "" {
				return fmt.Errorf("--context required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, _ *sql.DB, r repo.Repo) error {
				tasks, err := r.ListTasksByContext(ctx, contextID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Error", "Created", "Completed"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Status, strOrEmpty(t.Error), t.CreatedAt, strOrEmpty(t.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "context id")
	cmd.Flags().IntVar(&limit, "n", 50, "max rows")
	return cmd
}

func stepCmd() *cobra.Command {
	step := &cobra.Command{Use: "steps", Short: "Inspect and resolve workflow steps"}
	step.AddCommand(stepListCmd())
	step.AddCommand(stepResolveCmd())
	return step
}

func stepListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow steps by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, _ *sql.DB, r repo.Repo) error {
				steps, err := r.ListStepsByStatus(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Tool", "Status", "Owner", "Created"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.ID, s.StepType, strOrEmpty(s.ToolName), s.Status, s.Owner, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "requires_approval", "status filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max rows")
	return cmd
}

func stepResolveCmd() *cobra.Command {
	var decision, response, errMsg string
	cmd := &cobra.Command{
		Use:   "resolve <step-id>",
		Short: "Approve or reject a workflow step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var data map[string]any
				if response != "" {
					if err := json.Unmarshal([]byte(response), &data); err != nil {
						return fmt.Errorf("--response must be a JSON object: %w", err)
					}
				}
				s, err := e.ResolveStep(ctx, args[0], decision, viper.GetString("actor-id"), data, errMsg)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "approve", "approve or reject")
	cmd.Flags().StringVar(&response, "response", "", "response data JSON")
	cmd.Flags().StringVar(&errMsg, "error", "", "rejection reason")
	return cmd
}

func deliveryCmd() *cobra.Command {
	del := &cobra.Command{Use: "deliveries", Short: "Inspect webhook deliveries"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List webhook deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, _ *sql.DB, r repo.Repo) error {
				dels, err := r.ListDeliveries(ctx, repo.DeliveryFilters{
					TenantID: viper.GetString("tenant"),
					Status:   status,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dels)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Event", "URL", "Status", "Attempts", "Last error"})
				for _, d := range dels {
					tw.AppendRow(table.Row{d.ID, d.EventType, d.URL, d.Status, d.Attempts, strOrEmpty(d.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().IntVar(&limit, "n", 50, "max rows")
	del.AddCommand(list)
	return del
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, _ *sql.DB, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("tenant"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{DataDir: viper.GetString("data-dir")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withRepo(ctx context.Context, fn func(context.Context, *sql.DB, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, conn, repo.Repo{DB: conn})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, tools.NewRegistry())
	e.Log = newLogger()
	// Terminal-state deliveries are only enqueued here; the serve process's
	// worker picks them up once they are due.
	e.Hooks = webhook.NewDispatcher(conn, cfg, e.Log)
	return fn(ctx, e)
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func strOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
