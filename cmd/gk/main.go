package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"grovekeeper/internal/app"
	"grovekeeper/internal/command"
	"grovekeeper/internal/config"
	"grovekeeper/internal/db"
	"grovekeeper/internal/domain"
	"grovekeeper/internal/engine"
	"grovekeeper/internal/migrate"
	"grovekeeper/internal/repo"
	"grovekeeper/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gk",
	Short: "Grovekeeper CLI",
	Long: `Grovekeeper coordinates community tree maintenance.
Participants pick a tree, request a care action (watering or cleaning),
send photo evidence, and a moderator approves, warns, or blocks. Approved
work earns points and updates the tree's care history; cooldown intervals
keep each action from being repeated too soon.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GROVEKEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-moderator", "acting handle")
	rootCmd.PersistentFlags().String("moderator", "local-moderator", "moderator handle for a fresh workspace")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("moderator", rootCmd.PersistentFlags().Lookup("moderator"))
}

func registerCommands() {
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(suspensionCmd())
	rootCmd.AddCommand(scoresCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func assetCmd() *cobra.Command {
	asset := &cobra.Command{
		Use:   "asset",
		Short: "Manage trees",
		Long:  "Trees carry a species, a planter, per-action care intervals, and the dates and counts of approved care.",
	}
	asset.AddCommand(assetAddCmd())
	asset.AddCommand(assetListCmd())
	asset.AddCommand(assetShowCmd())
	asset.AddCommand(assetDeleteCmd())
	return asset
}

func assetAddCmd() *cobra.Command {
	var definition string
	var a domain.Asset
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a tree",
		Long:  "Register from structured flags or from the definition line form ID;species;planted;planter;role;description;waterDays;cleanDays.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if definition != "" {
				parsed, err := command.ParseAssetDefinition(definition)
				if err != nil {
					return err
				}
				a = parsed
			} else if a.ID == "" || a.Species == "" {
				return fmt.Errorf("--id and --species required (or use --definition)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				created, err := e.CreateAsset(ctx, a, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&definition, "definition", "", "raw definition line")
	cmd.Flags().StringVar(&a.ID, "id", "", "tree id")
	cmd.Flags().StringVar(&a.Species, "species", "", "species")
	cmd.Flags().StringVar(&a.Description, "description", "", "description")
	cmd.Flags().StringVar(&a.PlantedAt, "planted-at", "", "planting date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&a.Planter, "planter", "", "planter")
	cmd.Flags().IntVar(&a.WaterIntervalDays, "water-interval", 0, "days between waterings")
	cmd.Flags().IntVar(&a.CleanIntervalDays, "clean-interval", 0, "days between cleanings")
	return cmd
}

func assetListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAssets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Species", "Planter", "Last water", "Last clean", "Water", "Clean"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Species, a.Planter, orNever(a.LastWater), orNever(a.LastClean), a.WaterCount, a.CleanCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func assetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAsset(ctx, engine.NormalizeAssetID(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func assetDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cleared, err := e.DeleteAsset(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"deleted":         engine.NormalizeAssetID(args[0]),
					"cleared_reviews": len(cleared),
				})
			})
		},
	}
	return cmd
}

func participantCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "participant",
		Short: "Inspect participants",
	}
	p.AddCommand(participantShowCmd())
	return p
}

func participantShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <handle>",
		Short: "Show a participant profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Profile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func leaderboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Participants ranked by score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Leaderboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Handle", "Score", "Watered", "Cleaned", "Warnings", "Suspended"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Handle, p.Score, p.WaterDone, p.CleanDone, p.Warnings, p.Suspended})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{
		Use:   "review",
		Short: "Manage submitted reports",
		Long:  "A submitted report holds a tree, an action, the submitter, and photo evidence; it waits until the moderator approves, warns, or blocks.",
	}
	rev.AddCommand(reviewListCmd())
	rev.AddCommand(reviewDecideCmd())
	return rev
}

func reviewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Reports awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.PendingReports())
			})
		},
	}
	return cmd
}

func reviewDecideCmd() *cobra.Command {
	var token, decision, assetID, action string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Decide a submitted report",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tok domain.DecisionToken
			if token != "" {
				parsed, err := command.ParseDecisionToken(token)
				if err != nil {
					return err
				}
				tok = parsed
			} else {
				kind, err := domain.ParseDecision(decision)
				if err != nil {
					return err
				}
				act, err := domain.ParseAction(action)
				if err != nil {
					return err
				}
				if assetID == "" {
					return fmt.Errorf("--asset required")
				}
				tok = domain.DecisionToken{Kind: kind, AssetID: assetID, Action: act}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Decide(ctx, tok, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "raw decision token (kind_assetID_action)")
	cmd.Flags().StringVar(&decision, "decision", "", "approve, warn, or block")
	cmd.Flags().StringVar(&assetID, "asset", "", "tree id")
	cmd.Flags().StringVar(&action, "action", "", "water or clean")
	return cmd
}

func suspensionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "suspension",
		Short: "Manage suspended participants",
	}
	s.AddCommand(suspensionListCmd())
	s.AddCommand(suspensionClearCmd())
	return s
}

func suspensionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suspended participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSuspended(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func suspensionClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear <handle>",
		Short: "Lift a participant suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Unsuspend(ctx, args[0], viper.GetString("actor")); err != nil {
					return err
				}
				fmt.Printf("suspension cleared for %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func scoresCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "scores",
		Short: "Manage participant scores",
	}
	s.AddCommand(scoresResetCmd())
	return s
}

func scoresResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset all participant scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				at, err := e.ResetScores(cmd.Context(), viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"reset_at": at})
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "report",
		Short: "Maintenance report",
	}
	rep.AddCommand(reportExportCmd())
	return rep
}

func reportExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render the maintenance report document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				doc, err := e.ExportReport(ctx)
				if err != nil {
					return err
				}
				if out == "" {
					_, err = os.Stdout.Write(doc)
					return err
				}
				if err := os.WriteFile(out, doc, 0o644); err != nil {
					return err
				}
				fmt.Printf("report written to %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect stored config",
		Long:  "Config is stored in the DB: moderator identity, approval points, default care intervals, and the chat gateway endpoint. Import from grovekeeper.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("config imported from %s\n", file)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file (default grovekeeper.yml in the workspace)")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The ledger of everything that happened: selections, report requests, submissions, decisions, and admin actions.",
	}
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
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), r, viper.GetString("moderator"))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, server.NotifierFromConfig(cfg))
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GROVEKEEPER_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GROVEKEEPER_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Grovekeeper API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, r, viper.GetString("moderator"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, server.NotifierFromConfig(cfg))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orNever(v *string) string {
	if v == nil || *v == "" {
		return "never"
	}
	return *v
}
