package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fedboard/internal/app"
	"fedboard/internal/catalog"
	"fedboard/internal/config"
	"fedboard/internal/db"
	"fedboard/internal/domain"
	"fedboard/internal/engine"
	"fedboard/internal/events"
	"fedboard/internal/migrate"
	"fedboard/internal/repo"
	"fedboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fb",
	Short: "Fedboard CLI",
	Long: `Fedboard shows the federated projects published by your network and lets you act on them
through your local agent.
- Catalog: the published activity document, grouped into invite, running and completed projects.
- Agent: the local daemon that knows your datasite identity and your memberships, and carries your commands.
- Actions: invite projects can be joined or left, and started by their author; completed projects link to results.
- Workspace: the .fedboard directory holding the stored agent port and the event log ('fb log tail').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
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
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FEDBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.Int("port", 0, "local agent port (overrides the stored port)")
	pf.String("catalog-url", "", "catalog URL (overrides config)")
	pf.String("catalog-file", "", "catalog file (overrides config)")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "port", "catalog-url", "catalog-file", "log-level"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(actionCmd(domain.ActionJoin, "Join an invite project"))
	rootCmd.AddCommand(actionCmd(domain.ActionLeave, "Leave a joined invite project"))
	rootCmd.AddCommand(actionCmd(domain.ActionStart, "Start an invite project you authored"))
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(portCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectsCmd() *cobra.Command {
	prj := &cobra.Command{
		Use:   "projects",
		Short: "Browse catalog projects",
		Long:  "Projects are fetched from the catalog and decorated with your membership: whether you joined, whether you authored it, who participates, and what you can do next.",
	}
	prj.AddCommand(projectsListCmd())
	prj.AddCommand(projectsShowCmd())
	return prj
}

func projectsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !domain.Status(status).Valid() {
				return fmt.Errorf("invalid --status %q (invite, running, completed)", status)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				snap, err := env.refresh(ctx)
				if err != nil {
					return err
				}
				views := make([]domain.ProjectView, 0, len(snap.Views))
				for _, v := range snap.Views {
					if status == "" || v.Status == domain.Status(status) {
						views = append(views, v)
					}
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"UID", "Name", "Status", "Author", "Joined", "Participants", "Actions"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.UID, v.Name, v.Status, v.Author, yesNo(v.IsJoined), strings.Join(v.EffectiveParticipants, ", "), actionList(v.Actions)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (invite, running, completed)")
	return cmd
}

func projectsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <uid>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				if _, err := env.refresh(ctx); err != nil {
					return err
				}
				sess, err := env.session(ctx)
				if err != nil {
					return err
				}
				v, err := env.Engine.View(ctx, sess, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func actionCmd(action domain.Action, short string) *cobra.Command {
	past := map[domain.Action]string{
		domain.ActionJoin:  "joined",
		domain.ActionLeave: "left",
		domain.ActionStart: "started",
	}
	return &cobra.Command{
		Use:   string(action) + " <uid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				if _, err := env.refresh(ctx); err != nil {
					return err
				}
				sess, err := env.session(ctx)
				if err != nil {
					return err
				}
				out, err := env.Engine.Perform(ctx, sess, args[0], action)
				if err != nil {
					return err
				}
				res := map[string]any{"uid": args[0], "command": out.Command.Name()}
				if out.RefreshErr != nil {
					res["refresh_error"] = out.RefreshErr.Error()
				} else if v, ok := findView(out.Snapshot, args[0]); ok {
					res["project"] = v
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s project %s\n", past[action], args[0])
				if out.RefreshErr != nil {
					fmt.Fprintf(os.Stderr, "warning: command accepted but refresh failed: %v\n", out.RefreshErr)
				} else if v, ok := res["project"].(domain.ProjectView); ok {
					fmt.Printf("next actions: %s\n", actionList(v.Actions))
				}
				return nil
			})
		},
	}
}

func resultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <uid>",
		Short: "Print where a completed project's results live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				sess, err := env.session(ctx)
				if err != nil {
					return err
				}
				u, err := env.Engine.ResultsURL(ctx, sess, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"uid": args[0], "result_url": u})
				}
				fmt.Println(u)
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the datasite identity reported by the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				sess, err := env.session(ctx)
				if err != nil {
					return err
				}
				live, liveErr := sess.AgentClient(env.Logger).Identity(ctx)
				cached, err := env.Repo.CachedIdentity(ctx)
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if live != "" && live != cached {
					if err := env.Repo.SetCachedIdentity(ctx, live, time.Now()); err != nil {
						env.Logger.Warn("cache identity", "error", err)
					}
				}
				if viper.GetBool("json") {
					out := map[string]any{"identity": live, "cached_identity": cached}
					if liveErr != nil {
						out["error"] = liveErr.Error()
					}
					return printJSON(out)
				}
				switch {
				case live != "":
					fmt.Println(live)
				case cached != "":
					fmt.Printf("%s (cached; agent did not report an identity)\n", cached)
				default:
					if liveErr != nil {
						return fmt.Errorf("agent identity unavailable: %w", liveErr)
					}
					return errors.New("agent did not report an identity")
				}
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent and catalog status",
		Long:  "See whether the local agent answers, who it says you are, and how many projects the catalog holds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				sess, err := env.session(ctx)
				if err != nil {
					return err
				}
				healthy := sess.AgentClient(env.Logger).Healthy(ctx)
				out := map[string]any{
					"agent_url":     sess.AgentURL,
					"agent_healthy": healthy,
					"app":           sess.App,
					"catalog":       sess.CatalogLocation,
				}
				counts := map[domain.Status]int{}
				snap, refreshErr := env.Engine.Refresh(ctx, sess)
				if refreshErr == nil {
					for _, v := range snap.Views {
						counts[v.Status]++
					}
					out["identity"] = snap.Identity
					out["catalog_version"] = snap.CatalogVersion
					out["joined"] = len(snap.Memberships)
					out["projects"] = counts
					out["degraded"] = snap.Degraded
				} else {
					out["error"] = refreshErr.Error()
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Agent: %s (%s)\n", sess.AgentURL, map[bool]string{true: "up", false: "unreachable"}[healthy])
				fmt.Printf("Catalog: %s\n", sess.CatalogLocation)
				if refreshErr != nil {
					fmt.Printf("Refresh failed: %v\n", refreshErr)
					return nil
				}
				fmt.Printf("Identity: %s\n", orNone(snap.Identity))
				fmt.Printf("Catalog version: %s\n", snap.CatalogVersion)
				fmt.Printf("Memberships: %d\n", len(snap.Memberships))
				fmt.Println("Projects:")
				for _, s := range domain.Statuses {
					fmt.Printf("  %s: %d\n", s, counts[s])
				}
				if len(snap.Degraded) > 0 {
					fmt.Printf("Degraded: %s\n", strings.Join(snap.Degraded, ", "))
				}
				return nil
			})
		},
	}
}

func portCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "port",
		Short: "Show or store the local agent port",
		Long:  "The stored port is used by every later command and by a running server on its next cycle. Setting it runs a refresh against the new port. --port or FEDBOARD_PORT override it for one invocation.",
	}
	p.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective agent port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				sess, err := env.session(ctx)
				if err != nil {
					return err
				}
				source := "config"
				if viper.GetInt("port") != 0 {
					source = "override"
				} else if _, err := env.Repo.Port(ctx); err == nil {
					source = "stored"
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"port": sess.Port, "source": source, "agent_url": sess.AgentURL})
				}
				fmt.Printf("%d (%s)\n", sess.Port, source)
				return nil
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "set <port>",
		Short: "Store the agent port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var port int
			if _, err := fmt.Sscanf(args[0], "%d", &port); err != nil {
				return fmt.Errorf("invalid port %q", args[0])
			}
			if err := config.ValidatePort(port); err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				if err := env.Repo.SetPort(ctx, port, time.Now()); err != nil {
					return err
				}
				if err := env.Engine.Events.Append(ctx, events.Entry{Type: events.TypePort, Outcome: events.OutcomeOK,
					Payload: events.EventPayload{"port": port}}); err != nil {
					env.Logger.Warn("event log write failed", "error", err)
				}
				fmt.Printf("agent port set to %d\n", port)
				snap, err := env.refresh(ctx)
				if err != nil && !errors.Is(err, engine.ErrSuperseded) {
					fmt.Fprintf(os.Stderr, "warning: refresh on new port failed: %v\n", err)
					return nil
				}
				if err == nil {
					fmt.Printf("refreshed %d projects (identity %s)\n", len(snap.Views), orNone(snap.Identity))
				}
				return nil
			})
		},
	})
	return p
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "catalog",
		Short: "Check or build the project catalog",
	}
	c.AddCommand(catalogCheckCmd())
	c.AddCommand(catalogBuildCmd())
	return c
}

func catalogCheckCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Fetch and validate the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				var src catalog.Source
				location := file
				if file != "" {
					src = catalog.FileSource{Path: file}
				} else {
					sess, err := env.session(ctx)
					if err != nil {
						return err
					}
					src, location = sess.Catalog, sess.CatalogLocation
				}
				snap, err := src.Fetch(ctx)
				var ve *catalog.ValidationError
				if errors.As(err, &ve) && !viper.GetBool("json") {
					fmt.Printf("catalog %s is invalid:\n", location)
					for _, p := range ve.Problems {
						fmt.Printf("  - %s\n", p)
					}
					return errors.New("catalog check failed")
				}
				if viper.GetBool("json") {
					out := map[string]any{"ok": err == nil, "location": location}
					if err != nil {
						out["error"] = err.Error()
						if ve != nil {
							out["problems"] = ve.Problems
						}
					} else {
						out["version"] = snap.Version
						out["invite"], out["running"], out["completed"] = len(snap.Catalog.Invite), len(snap.Catalog.Running), len(snap.Catalog.Completed)
					}
					return printJSON(out)
				}
				if err != nil {
					return err
				}
				fmt.Printf("catalog OK: %d invite, %d running, %d completed (version %s)\n",
					len(snap.Catalog.Invite), len(snap.Catalog.Running), len(snap.Catalog.Completed), snap.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog file to check instead of the configured source")
	return cmd
}

func catalogBuildCmd() *cobra.Command {
	var syncFolder, out, app, baseURL string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build activity.json from a synced datasites folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				opts := catalog.BuildOptions{
					SyncFolder: syncFolder,
					App:        firstNonEmpty(app, env.Config.Agent.App),
					BaseURL:    firstNonEmpty(baseURL, env.Config.Catalog.BaseURL),
					Logger:     env.Logger,
				}
				c, err := catalog.Build(opts)
				if err != nil {
					return err
				}
				if err := catalog.Validate(c); err != nil {
					return fmt.Errorf("built catalog is invalid: %w", err)
				}
				target := firstNonEmpty(out, env.Config.Catalog.Path, "activity.json")
				if err := catalog.Write(target, c); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"path": target, "invite": len(c.Invite), "running": len(c.Running), "completed": len(c.Completed)})
				}
				fmt.Printf("wrote %s: %d invite, %d running, %d completed\n", target, len(c.Invite), len(c.Running), len(c.Completed))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&syncFolder, "sync-folder", "", "synced datasites folder")
	cmd.Flags().StringVar(&out, "out", "", "output file (defaults to catalog.path)")
	cmd.Flags().StringVar(&app, "app", "", "app name (defaults to agent.app)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "datasites base URL (defaults to catalog.base_url)")
	_ = cmd.MarkFlagRequired("sync-folder")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "fedboard.yml in the workspace sets the agent host, default port and app, the catalog source and the server address. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate fedboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fedboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
		Long:  "Every refresh cycle, command and port change is recorded with its outcome.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Outcome", "Source", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Outcome, e.Source, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the dashboard API",
		Long:  "Signs an HS256 token with FEDBOARD_JWT_SECRET, the same secret 'fb serve' verifies against.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				addr = firstNonEmpty(addr, env.Config.Server.Addr)
				basePath = firstNonEmpty(basePath, env.Config.Server.BasePath)
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: env.Logger}
				if authCfg.JWTSecret == "" && !loopback(addr) {
					env.Logger.Warn("serving without authentication on a non-loopback address; set FEDBOARD_JWT_SECRET", "addr", addr)
				}
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					Repo:     env.Repo,
					Session:  env.session,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   env.Logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, env.Repo, env.Config.Webhooks, env.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Fedboard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

// --- helpers ---

type cliEnv struct {
	Config *config.Config
	Repo   repo.Repo
	Engine *engine.Engine
	Logger *slog.Logger
}

func (e cliEnv) session(ctx context.Context) (app.Session, error) {
	return app.ResolveSession(ctx, e.Config, e.Repo, app.Overrides{
		Port:        viper.GetInt("port"),
		CatalogURL:  viper.GetString("catalog-url"),
		CatalogPath: viper.GetString("catalog-file"),
	})
}

// refresh runs one cycle and reports degraded components on stderr.
func (e cliEnv) refresh(ctx context.Context) (engine.Snapshot, error) {
	sess, err := e.session(ctx)
	if err != nil {
		return engine.Snapshot{}, err
	}
	snap, err := e.Engine.Refresh(ctx, sess)
	if err != nil {
		return engine.Snapshot{}, err
	}
	if len(snap.Degraded) > 0 {
		fmt.Fprintf(os.Stderr, "warning: agent at %s unavailable (%s); projects shown as not joined\n",
			sess.AgentURL, strings.Join(snap.Degraded, ", "))
	}
	return snap, nil
}

func withEnv(ctx context.Context, fn func(context.Context, cliEnv) error) error {
	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		e := engine.New(logger, events.Writer{DB: r.DB}, r)
		return fn(ctx, cliEnv{Config: cfg, Repo: r, Engine: e, Logger: logger})
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func findView(s engine.Snapshot, uid string) (domain.ProjectView, bool) {
	for _, v := range s.Views {
		if v.UID == uid {
			return v, true
		}
	}
	return domain.ProjectView{}, false
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

func actionList(actions []domain.Action) string {
	if len(actions) == 0 {
		return "-"
	}
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
