package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"intakeline/internal/aging"
	"intakeline/internal/app"
	"intakeline/internal/config"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/migrate"
	"intakeline/internal/observability"
	"intakeline/internal/repo"
	"intakeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "Intakeline CLI",
	Long: `Intakeline runs the intake pipeline for client requests.
Requests move through in_treatment, estimation, on_hold and ready. An
estimated request is routed to a ticket or a project and converted once.
Everything is recorded in an append-only history per request.`,
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
	viper.SetEnvPrefix("INTAKELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(bulkCmd())
	rootCmd.AddCommand(agingCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func actor() string {
	return viper.GetString("actor-id")
}

func initCmd() *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, default config and an admin user",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u := domain.User{ID: actor(), Name: name, Email: email, Role: repo.RoleAdmin}
				if err := app.Bootstrap(ctx, e.Repo, u); err != nil {
					return err
				}
				applied, latest, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				fmt.Printf("Workspace ready (schema %d/%d); %s is admin\n", applied, latest, u.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "admin display name")
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate intakeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print the default config",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.GenerateDefault())
		},
	})
	return cfg
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Aliases: []string{"req"}, Short: "Manage intake requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestTransitionCmd())
	req.AddCommand(requestHoldCmd())
	req.AddCommand(requestResumeCmd())
	req.AddCommand(requestEstimateCmd())
	req.AddCommand(requestConvertCmd())
	req.AddCommand(requestAssignCmd())
	req.AddCommand(requestCancelCmd())
	req.AddCommand(requestHistoryCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var typ, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Type = domain.RequestType(typ)
			opts.Priority = domain.Priority(priority)
			opts.ActorID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&typ, "type", "", "bug, feature, enhancement, change_request, support, other")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high, critical (default medium)")
	cmd.Flags().StringVar(&opts.BusinessJustification, "justification", "", "business justification")
	cmd.Flags().StringVar(&opts.DesiredDeliveryDate, "desired-date", "", "desired delivery date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.StepsToReproduce, "steps", "", "steps to reproduce")
	cmd.Flags().StringVar(&opts.Dependencies, "dependencies", "", "dependencies")
	cmd.Flags().StringVar(&opts.AdditionalNotes, "notes", "", "additional notes")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "client id")
	cmd.Flags().StringVar(&opts.RelatedProjectID, "project-id", "", "related project id")
	cmd.Flags().StringVar(&opts.RequesterID, "requester-id", "", "requester (defaults to actor)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Title", "Type", "Priority", "Stage", "PM", "Points"})
				for _, r := range items {
					points := ""
					if r.StoryPoints != nil {
						points = fmt.Sprint(*r.StoryPoints)
					}
					tw.AppendRow(table.Row{r.RequestNumber, r.Title, r.Type, r.Priority, r.Stage, deref(r.AssignedPMID), points})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.AssignedPMID, "pm-id", "", "assigned PM filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester-id", "", "requester filter")
	cmd.Flags().StringVar(&f.ClientID, "client-id", "", "client filter")
	cmd.Flags().BoolVar(&f.IncludeClosed, "all", false, "include converted and cancelled requests")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func requestTransitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <id> <stage>",
		Short: "Move a request to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Transition(ctx, engine.TransitionOptions{
					ID:      args[0],
					ToStage: domain.Stage(args[1]),
					Reason:  reason,
					ActorID: actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func requestHoldCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "hold <id>",
		Short: "Put a request on hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Hold(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is blocked")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func requestResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a request from hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Resume(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func requestEstimateCmd() *cobra.Command {
	var points int
	var confidence, notes string
	cmd := &cobra.Command{
		Use:   "estimate <id>",
		Short: "Record an estimate and move the request to ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Estimate(ctx, engine.EstimateOptions{
					ID:          args[0],
					StoryPoints: points,
					Confidence:  domain.Confidence(confidence),
					Notes:       notes,
					ActorID:     actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&points, "points", 0, "story points (1-100)")
	cmd.Flags().StringVar(&confidence, "confidence", "medium", "low, medium, high")
	cmd.Flags().StringVar(&notes, "notes", "", "estimation notes")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func requestConvertCmd() *cobra.Command {
	var to, projectID string
	var override bool
	cmd := &cobra.Command{
		Use:   "convert <id>",
		Short: "Convert a ready request into a ticket or project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Convert(ctx, engine.ConvertOptions{
					ID:              args[0],
					DestinationType: domain.ConvertTarget(to),
					ProjectID:       projectID,
					OverrideRouting: override,
					ActorID:         actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "project or ticket")
	cmd.Flags().StringVar(&projectID, "project-id", "", "project for the new ticket")
	cmd.Flags().BoolVar(&override, "override", false, "ignore the routing recommendation")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func requestAssignCmd() *cobra.Command {
	var pmID, estimatorID string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a PM and/or estimator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pmID == "" && estimatorID == "" {
				return fmt.Errorf("--pm-id or --estimator-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var r domain.Request
				var err error
				if pmID != "" {
					if r, err = e.AssignPM(ctx, args[0], pmID, actor()); err != nil {
						return err
					}
				}
				if estimatorID != "" {
					if r, err = e.AssignEstimator(ctx, args[0], estimatorID, actor()); err != nil {
						return err
					}
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&pmID, "pm-id", "", "project manager")
	cmd.Flags().StringVar(&estimatorID, "estimator-id", "", "estimator")
	return cmd
}

func requestCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Cancel(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func requestHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Action", "Actor", "Metadata"})
				for _, h := range items {
					meta, _ := json.Marshal(h.Metadata)
					tw.AppendRow(table.Row{h.CreatedAt, h.Action, h.ActorID, string(meta)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

func bulkCmd() *cobra.Command {
	bulk := &cobra.Command{Use: "bulk", Short: "Operate on many requests"}
	var reason string
	transition := &cobra.Command{
		Use:   "transition <stage> <id>...",
		Short: "Move requests to one stage",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.BulkTransition(ctx, engine.BulkTransitionOptions{
					IDs:     args[1:],
					ToStage: domain.Stage(args[0]),
					Reason:  reason,
					ActorID: actor(),
				})
				if err != nil {
					return err
				}
				return printBulk(res)
			})
		},
	}
	transition.Flags().StringVar(&reason, "reason", "", "reason (required for on_hold)")
	bulk.AddCommand(transition)
	bulk.AddCommand(&cobra.Command{
		Use:   "assign <pm-id> <id>...",
		Short: "Assign a PM to requests",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.BulkAssignPM(ctx, args[1:], args[0], actor())
				if err != nil {
					return err
				}
				return printBulk(res)
			})
		},
	})
	return bulk
}

func printBulk(res engine.BulkResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Result"})
	for _, id := range res.SuccessIDs {
		tw.AppendRow(table.Row{id, "ok"})
	}
	for _, f := range res.Failed {
		tw.AppendRow(table.Row{f.ID, f.Error})
	}
	tw.Render()
	return nil
}

func agingCmd() *cobra.Command {
	ag := &cobra.Command{Use: "aging", Short: "Requests stuck in a stage"}
	ag.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List requests past their alert threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScanner(cmd.Context(), func(ctx context.Context, s *aging.Scanner) error {
				items, err := s.ListAging(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Title", "Stage", "Days", "Threshold", "Severity"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Request.RequestNumber, a.Request.Title, a.Request.Stage, a.DaysInStage, a.Threshold, a.Severity})
				}
				tw.Render()
				return nil
			})
		},
	})
	ag.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Send aging alerts now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScanner(cmd.Context(), func(ctx context.Context, s *aging.Scanner) error {
				res, err := s.Scan(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	return ag
}

func analyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Pipeline analytics for the last 30 days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScanner(cmd.Context(), func(ctx context.Context, s *aging.Scanner) error {
				sum, err := s.Analytics(ctx)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	var u domain.User
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Create or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u.ID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := app.Bootstrap(ctx, e.Repo, u); err != nil {
					return err
				}
				got, err := e.Repo.GetUser(ctx, u.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(got)
			})
		},
	}
	add.Flags().StringVar(&u.Name, "name", "", "display name")
	add.Flags().StringVar(&u.Email, "email", "", "email")
	add.Flags().StringVar(&u.Role, "role", repo.RoleDeveloper, "admin, pm, developer, client")
	usr.AddCommand(add)

	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListUsers(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&role, "role", "", "role filter")
	usr.AddCommand(list)
	return usr
}

func clientCmd() *cobra.Command {
	cl := &cobra.Command{Use: "client", Short: "Manage clients"}
	var c domain.Client
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.ID = args[0]
			c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertClient(ctx, tx, c); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	add.Flags().StringVar(&c.Name, "name", "", "client name")
	add.Flags().StringVar(&c.Email, "email", "", "contact email")
	_ = add.MarkFlagRequired("name")
	cl.AddCommand(add)
	cl.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListClients(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return cl
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key; the raw key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw, key, err := e.Repo.IssueAPIKey(ctx, args[0], name, time.Now().UTC().Format(time.RFC3339))
				if err != nil {
					return fmt.Errorf("issue key for %s: %w", args[0], err)
				}
				return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	keys.AddCommand(create)
	var actorFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, actorFilter)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&actorFilter, "actor-id", "", "owner filter")
	keys.AddCommand(list)
	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, actorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the aging scanner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			slog.SetDefault(logger)
			rt, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config

			shutdownTracer, err := observability.InitTracer(observability.TracerOptions{
				Enabled:  cfg.Tracing.Enabled,
				Exporter: cfg.Tracing.Exporter,
				Service:  cfg.Tracing.Service,
				Endpoint: cfg.Tracing.Endpoint,
			})
			if err != nil {
				return err
			}
			defer shutdownTracer(context.Background())

			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt_secret"),
				DevLogin:         devLogin || cfg.Auth.DevLogin,
				AllowActorHeader: actorHeader,
				Logger:           logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("INTAKELINE_JWT_SECRET is required for bearer auth")
			}

			scanner := aging.New(rt.Engine.Repo, cfg, rt.Engine.Notify, logger)
			if err := scanner.Start(ctx); err != nil {
				return err
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, Scanner: scanner, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving intakeline api", "addr", addr, "base_path", basePath, "dev_login", authCfg.DevLogin)
			fmt.Printf("Serving Intakeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (never in production)")
	cmd.Flags().BoolVar(&actorHeader, "trust-actor-header", false, "accept X-Actor-Id without credentials (local use only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func withScanner(ctx context.Context, fn func(context.Context, *aging.Scanner) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, aging.New(e.Repo, e.Config, e.Notify, newLogger()))
	})
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
