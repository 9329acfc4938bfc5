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
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dealhealth/internal/app"
	"dealhealth/internal/config"
	"dealhealth/internal/db"
	"dealhealth/internal/domain"
	"dealhealth/internal/engine"
	"dealhealth/internal/engine/auth"
	"dealhealth/internal/health"
	"dealhealth/internal/listing"
	"dealhealth/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dh",
	Short: "Deal Health CLI",
	Long: `Deal Health scores sales deals and tracks the CRM fields that are still missing.
Core concepts:
- Deal: an opportunity with a value, a stage and a health score between 0 and 100.
- Health status: healthy (>= 80), watch (>= 50) or at-risk, from the configured thresholds.
- Missing fields: CRM data gaps; resolving one adds its impact to the deal score (capped at 100).
- History: every score change and every field resolution is recorded.
- Roles: rep (own deals), manager (all deals), ops (read all, resolve any field).
- Event log: diary of changes, view with 'dh log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEALHEALTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "manager", "role of the acting user (rep, manager, ops)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(fieldCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func dealCmd() *cobra.Command {
	deal := &cobra.Command{
		Use:   "deal",
		Short: "Manage deals",
		Long:  "Deals carry a value, a stage and a health score. New deals start with the configured default score and starter missing fields.",
	}
	deal.AddCommand(dealCreateCmd())
	deal.AddCommand(dealListCmd())
	deal.AddCommand(dealShowCmd())
	deal.AddCommand(dealUpdateCmd())
	deal.AddCommand(dealDeleteCmd())
	deal.AddCommand(dealOwnersCmd())
	return deal
}

func dealCreateCmd() *cobra.Command {
	var opts engine.DealCreateOptions
	var value string
	var score int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseValue(value)
			if err != nil {
				return err
			}
			opts.Value = v
			if cmd.Flags().Changed("score") {
				opts.HealthScore = &score
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDeal(ctx, caller(), opts)
				if err != nil {
					return err
				}
				return printDeals([]domain.Deal{d})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "deal name")
	cmd.Flags().StringVar(&value, "value", "0", "deal value")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "pipeline stage (default Discovery)")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner display name (defaults to actor id)")
	cmd.Flags().StringVar(&opts.Account, "account", "", "account name")
	cmd.Flags().StringVar(&opts.CloseDate, "close-date", "", "expected close date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.DaysInStage, "days-in-stage", 0, "days in current stage")
	cmd.Flags().IntVar(&score, "score", 0, "initial health score (defaults to config)")
	cmd.Flags().BoolVar(&opts.NoStarterFields, "no-starter-fields", false, "skip the configured starter missing fields")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("close-date")
	return cmd
}

func dealListCmd() *cobra.Command {
	var q listing.Query
	var sortBy, order string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.SortBy = listing.SortField(sortBy)
			q.Order = listing.Order(order)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deals, err := e.ListDeals(ctx, caller(), q)
				if err != nil {
					return err
				}
				return printDeals(deals)
			})
		},
	}
	cmd.Flags().StringVar(&q.Search, "search", "", "match name, account or owner")
	cmd.Flags().StringVar(&q.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&q.HealthStatus, "status", "", "health status filter (healthy, watch, at-risk)")
	cmd.Flags().StringVar(&q.Owner, "owner", "", "owner filter")
	cmd.Flags().StringVar(&sortBy, "sort", string(listing.SortCloseDate), "sort field (name, value, health_score, close_date)")
	cmd.Flags().StringVar(&order, "order", string(listing.Asc), "sort order (asc, desc)")
	return cmd
}

func dealShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <deal-id>",
		Short: "Show a deal with its missing fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.DealDetail(ctx, caller(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				d := detail.Deal
				fmt.Printf("%s (%s)\n", d.Name, d.ID)
				fmt.Printf("Account: %s  Owner: %s  Stage: %s (%d days)\n", d.Account, d.Owner, d.Stage, d.DaysInStage)
				fmt.Printf("Value: %s  Close: %s\n", d.Value.StringFixed(2), d.CloseDate)
				fmt.Printf("Health: %d %s %s\n", d.HealthScore, d.HealthStatus, trendArrow(d.HealthTrend))
				fmt.Printf("Missing fields: %d open, +%d potential\n", detail.UnresolvedCount, detail.PotentialGain)
				printFields(detail.MissingFields)
				return nil
			})
		},
	}
	return cmd
}

func dealUpdateCmd() *cobra.Command {
	var name, value, stage, owner, account, closeDate string
	var daysInStage, score int
	var version int64
	cmd := &cobra.Command{
		Use:   "update <deal-id>",
		Short: "Update a deal",
		Long:  "Only flags that are set are applied. Setting --score recomputes status and trend and records score history.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.DealUpdateOptions
			flags := cmd.Flags()
			if flags.Changed("name") {
				opts.Name = &name
			}
			if flags.Changed("value") {
				v, err := parseValue(value)
				if err != nil {
					return err
				}
				opts.Value = &v
			}
			if flags.Changed("stage") {
				opts.Stage = &stage
			}
			if flags.Changed("owner") {
				opts.Owner = &owner
			}
			if flags.Changed("account") {
				opts.Account = &account
			}
			if flags.Changed("close-date") {
				opts.CloseDate = &closeDate
			}
			if flags.Changed("days-in-stage") {
				opts.DaysInStage = &daysInStage
			}
			if flags.Changed("score") {
				opts.HealthScore = &score
			}
			if flags.Changed("version") {
				opts.Version = &version
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDeal(ctx, caller(), args[0], opts)
				if err != nil {
					return err
				}
				return printDeals([]domain.Deal{d})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "deal name")
	cmd.Flags().StringVar(&value, "value", "", "deal value")
	cmd.Flags().StringVar(&stage, "stage", "", "pipeline stage")
	cmd.Flags().StringVar(&owner, "owner", "", "owner display name")
	cmd.Flags().StringVar(&account, "account", "", "account name")
	cmd.Flags().StringVar(&closeDate, "close-date", "", "expected close date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&daysInStage, "days-in-stage", 0, "days in current stage")
	cmd.Flags().IntVar(&score, "score", 0, "health score override")
	cmd.Flags().Int64Var(&version, "version", 0, "expected deal version")
	return cmd
}

func dealDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <deal-id>",
		Short: "Delete a deal with its fields and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteDeal(ctx, caller(), args[0])
			})
		},
	}
	return cmd
}

func dealOwnersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owners",
		Short: "List owners of visible deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				owners, err := e.DealOwners(ctx, caller())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(owners)
				}
				for _, o := range owners {
					fmt.Println(o)
				}
				return nil
			})
		},
	}
	return cmd
}

func fieldCmd() *cobra.Command {
	field := &cobra.Command{
		Use:   "field",
		Short: "Manage missing fields",
		Long:  "Missing fields are CRM gaps on a deal. Resolving one credits its impact to the deal score once.",
	}
	field.AddCommand(fieldAddCmd())
	field.AddCommand(fieldListCmd())
	field.AddCommand(fieldResolveCmd())
	return field
}

func fieldAddCmd() *cobra.Command {
	var opts engine.FieldCreateOptions
	cmd := &cobra.Command{
		Use:   "add <deal-id>",
		Short: "Add a missing field to a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.AddMissingField(ctx, caller(), args[0], opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(f)
				}
				printFields([]domain.MissingField{f})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "field name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Impact, "impact", 0, "score points gained when resolved")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func fieldListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <deal-id>",
		Short: "List missing fields of a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fields, err := e.ListMissingFields(ctx, caller(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fields)
				}
				printFields(fields)
				return nil
			})
		},
	}
	return cmd
}

func fieldResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <deal-id> <field-id>",
		Short: "Resolve a missing field and credit its impact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ResolveField(ctx, caller(), args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Resolved %s: %d -> %d (%s %s)\n", res.FieldID, res.PreviousScore, res.Score, res.Status, trendArrow(res.Trend))
				return nil
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	var resolutions bool
	cmd := &cobra.Command{
		Use:   "history <deal-id>",
		Short: "Show score history of a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if resolutions {
					items, err := e.ResolutionHistory(ctx, caller(), args[0])
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(items)
					}
					tw := newTable("When", "Field", "Impact", "Resolved by")
					for _, r := range items {
						tw.AppendRow(table.Row{r.ResolvedAt, r.FieldName, fmt.Sprintf("+%d", r.ScoreImpact), r.ActorID})
					}
					tw.Render()
					return nil
				}
				items, err := e.ScoreHistory(ctx, caller(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("When", "Score", "Status")
				for _, h := range items {
					tw.AppendRow(table.Row{h.RecordedAt, h.Score, h.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resolutions, "resolutions", false, "show field resolutions instead of scores")
	return cmd
}

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Pipeline summary over visible deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Summary(ctx, caller())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Deals: %d  Pipeline: %s\n", s.DealCount, s.TotalValue.StringFixed(2))
				fmt.Printf("Healthy: %d  Watch: %d  At risk: %d\n", s.Healthy, s.Watch, s.AtRisk)
				fmt.Printf("Avg score: %.1f  Avg days in stage: %.1f\n", s.AvgHealthScore, s.AvgDaysInStage)
				fmt.Printf("Open fields: %d on %d deals, +%d potential\n", s.OpenFields, s.DealsWithMissing, s.PotentialGain)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, dealID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.ListEvents(ctx, caller(), engine.EventQuery{Limit: n, Type: evtType, DealID: dealID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "TS", "Type", "Deal", "Actor", "Payload")
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&dealID, "deal", "", "deal id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate HTTP callers with X-Api-Key. Each key carries an actor id and a role; only its hash is stored.",
	}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyDeleteCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			if role == "" {
				role = viper.GetString("role")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, actorID, role, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": plain, "api_key": key})
				}
				fmt.Printf("API key %s for %s (%s):\n%s\n", key.ID, key.ActorID, key.Role, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "for", "", "actor id the key acts as (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "key-role", "", "role granted to the key (defaults to --role)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Role", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "for", "", "actor id filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id and --role",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), viper.GetString("role"), ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in dealhealth.yml in the workspace: health thresholds, default score, starter fields, roles, server and log settings.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default dealhealth.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace dealhealth.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("Config OK: %d starter fields, %d roles\n", len(cfg.Health.StarterFields), len(cfg.RBAC.Roles))
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeaders, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ac.Close()
			if addr == "" {
				addr = ac.Config.Server.Addr
			}
			if basePath == "" {
				basePath = ac.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeaders,
				AllowDevLogin:          devLogin,
			}
			if authCfg.JWTSecret == "" && !legacyHeaders {
				return fmt.Errorf("DEALHEALTH_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   ac.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      ac.Log.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			ac.Log.Info("serving deal health api", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Deal Health API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&legacyHeaders, "allow-actor-header", false, "accept X-Actor-Id/X-Role without credentials (local only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}

// --- helpers ---

func caller() auth.Caller {
	return auth.Caller{ActorID: viper.GetString("actor-id"), Role: viper.GetString("role")}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ac, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac.Engine)
}

func parseValue(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return v, nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printDeals(deals []domain.Deal) error {
	if viper.GetBool("json") {
		return printJSON(deals)
	}
	tw := newTable("ID", "Name", "Account", "Value", "Stage", "Score", "Status", "Trend", "Close")
	for _, d := range deals {
		tw.AppendRow(table.Row{d.ID, d.Name, d.Account, d.Value.StringFixed(2), d.Stage, d.HealthScore, d.HealthStatus, trendArrow(d.HealthTrend), d.CloseDate})
	}
	tw.Render()
	return nil
}

func printFields(fields []domain.MissingField) {
	tw := newTable("ID", "Field", "Impact", "Resolved")
	for _, f := range fields {
		resolved := ""
		if f.ResolvedAt != nil {
			resolved = *f.ResolvedAt
		}
		tw.AppendRow(table.Row{f.ID, f.Name, fmt.Sprintf("+%d", f.Impact), resolved})
	}
	tw.Render()
}

func trendArrow(trend string) string {
	switch health.Trend(trend) {
	case health.TrendUp:
		return "↑"
	case health.TrendDown:
		return "↓"
	default:
		return "→"
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
