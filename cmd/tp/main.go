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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"testpool/internal/config"
	"testpool/internal/db"
	"testpool/internal/domain"
	"testpool/internal/engine"
	"testpool/internal/migrate"
	"testpool/internal/notify"
	"testpool/internal/realtime"
	"testpool/internal/repo"
	"testpool/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "TestPool CLI",
	Long: `TestPool orchestrates crowd usability-testing sessions.
Customers publish tests with a participant capacity and a per-participant
reward. Testers join while slots remain, report progress, and complete the
session to earn the reward. The CLI talks straight to the local database;
'tp serve' exposes the same engine over HTTP and websockets.`,
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
	viper.SetEnvPrefix("TESTPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(earningCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Println("database up to date")
				return nil
			})
		},
	}
}

func testCmd() *cobra.Command {
	test := &cobra.Command{
		Use:   "test",
		Short: "Manage usability tests",
		Long:  "Tests are created as drafts, published to accept testers, and complete when every slot finished. Capacity and reward freeze at publish.",
	}
	test.AddCommand(testCreateCmd())
	test.AddCommand(testListCmd())
	test.AddCommand(testShowCmd())
	test.AddCommand(testUpdateCmd())
	test.AddCommand(testStatusCmd())
	test.AddCommand(testPublishCmd())
	test.AddCommand(testDeleteCmd())
	return test
}

func testCreateCmd() *cobra.Command {
	var opts engine.TestCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a test (draft)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CustomerID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "test id (optional)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.MaxParticipants, "max-participants", 1, "participant capacity")
	cmd.Flags().Int64Var(&opts.RewardPerParticipant, "reward", 0, "reward per participant, in cents")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func testListCmd() *cobra.Command {
	var f repo.TestFilters
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if mine {
					f.CustomerID = viper.GetString("actor-id")
				}
				tests, err := e.Repo.ListTests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tests)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Slots", "Reward"})
				for _, t := range tests {
					tw.AppendRow(table.Row{
						t.ID, t.Title, t.Status,
						fmt.Sprintf("%d/%d", t.CurrentParticipants, t.MaxParticipants),
						t.RewardPerParticipant,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	cmd.Flags().BoolVar(&mine, "mine", false, "only own tests")
	return cmd
}

func testShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func testUpdateCmd() *cobra.Command {
	var title, description string
	var maxParticipants int
	var reward int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a test (capacity and reward only while draft)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TestUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
				Title:   title,
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("max-participants") {
				opts.MaxParticipants = &maxParticipants
			}
			if cmd.Flags().Changed("reward") {
				opts.RewardPerParticipant = &reward
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().IntVar(&maxParticipants, "max-participants", 0, "participant capacity")
	cmd.Flags().Int64Var(&reward, "reward", 0, "reward per participant, in cents")
	return cmd
}

func testPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <id>",
		Short: "Publish a draft test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTestStatus(ctx, args[0], viper.GetString("actor-id"), domain.TestPublished)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func testStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Set test status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTestStatus(ctx, args[0], viper.GetString("actor-id"), status)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status (published, paused, running, cancelled)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func testDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a test that has no sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTest(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		Long:  "A session is one tester's run through a test. Joining reserves a slot; completing pays the reward; cancel or fail gives the slot back.",
	}
	session.AddCommand(sessionStartCmd())
	session.AddCommand(sessionShowCmd())
	session.AddCommand(sessionListCmd())
	session.AddCommand(sessionProgressCmd())
	session.AddCommand(sessionCompleteCmd())
	session.AddCommand(sessionCancelCmd())
	session.AddCommand(sessionFailCmd())
	session.AddCommand(sessionReconcileCmd())
	return session
}

func sessionStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <test-id>",
		Short: "Join a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.TryAdmit(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSession(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionListCmd() *cobra.Command {
	var f repo.SessionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessions, err := e.Repo.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Test", "Tester", "Status", "Started"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{s.ID, s.TestID, s.TesterID, s.Status, s.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TestID, "test", "", "test id filter")
	cmd.Flags().StringVar(&f.TesterID, "tester", "", "tester id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func sessionProgressCmd() *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Merge progress into a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var partial map[string]any
			if err := json.Unmarshal([]byte(raw), &partial); err != nil {
				return fmt.Errorf("invalid --data: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateProgress(ctx, args[0], viper.GetString("actor-id"), partial)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&raw, "data", "{}", "progress JSON object to merge")
	return cmd
}

func sessionCompleteCmd() *cobra.Command {
	var rating int
	var feedback string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a session and collect the reward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ratingPtr *int
			if cmd.Flags().Changed("rating") {
				ratingPtr = &rating
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Complete(ctx, args[0], viper.GetString("actor-id"), ratingPtr, feedback)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	cmd.Flags().StringVar(&feedback, "feedback", "", "free-form feedback")
	return cmd
}

func sessionCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a session and free its slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionFailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark an expired session failed (scheduler entry point)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Fail(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <id>",
		Short: "Re-run the completion side effects for a completed session",
		Long:  "Safe retry after a suspected partial failure. Re-running is a no-op when the earning already exists; a persistent failure here means durable state and side effects disagree and needs manual inspection.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RunCompletionPipeline(ctx, args[0]); err != nil {
					var ie engine.InconsistencyError
					if errors.As(err, &ie) {
						log, _ := zap.NewProduction()
						log.Error("completion side effects inconsistent",
							zap.String("session_id", ie.SessionID), zap.Error(ie.Err))
					}
					return err
				}
				cmd.Println("session reconciled")
				return nil
			})
		},
	}
}

func profileCmd() *cobra.Command {
	profile := &cobra.Command{Use: "profile", Short: "Tester profiles"}
	profile.AddCommand(&cobra.Command{
		Use:   "show [tester-id]",
		Short: "Show a tester profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			testerID := viper.GetString("actor-id")
			if len(args) == 1 {
				testerID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProfile(ctx, testerID)
				if errors.Is(err, repo.ErrNotFound) {
					p = domain.TesterProfile{TesterID: testerID}
				} else if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return profile
}

func earningCmd() *cobra.Command {
	earning := &cobra.Command{Use: "earning", Short: "Earnings"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List own earnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEarnings(ctx, viper.GetString("actor-id"), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Session", "Amount", "Status", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.SessionID, it.Amount, it.Status, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max results")
	earning.AddCommand(list)
	return earning
}

func notificationCmd() *cobra.Command {
	notification := &cobra.Command{Use: "notification", Short: "Notifications"}
	var unread bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List own notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotifications(ctx, viper.GetString("actor-id"), unread, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "unread only")
	list.Flags().IntVar(&limit, "limit", 50, "max results")
	notification.AddCommand(list)
	notification.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.MarkNotificationRead(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	})
	return notification
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: admissions, progress, completions, payouts.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var testID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, testID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&testID, "test", "", "test id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "API keys"}
	apikey.AddCommand(apikeyCreateCmd())
	apikey.AddCommand(apikeyListCmd())
	apikey.AddCommand(apikeyDeleteCmd())
	return apikey
}

func apikeyCreateCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := "tpk_" + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Role:      role,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
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
				return printJSONOrTable(map[string]any{"id": key.ID, "key": plaintext, "role": key.Role})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&role, "role", "tester", "role (tester, customer, admin)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List own API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			secret := os.Getenv("TESTPOOL_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("TESTPOOL_JWT_SECRET is required for bearer auth")
			}

			e := engine.New(conn)
			live := realtime.NewRegistry(log.Named("realtime"), server.RoomAuthorizer{Engine: e})
			e.Live = live
			e.Notify = notify.NewStore(e.Repo, log.Named("notify"))

			authCfg := server.AuthConfig{JWTSecret: secret, Logger: log.Named("auth")}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Limits:   cfg,
				Live:     live,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), e, cfg.Webhooks, log.Named("webhooks"))

			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving TestPool API",
				zap.String("addr", addr), zap.String("base_path", basePath))
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

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn)
	e.Notify = notify.NewStore(e.Repo, zap.NewNop())
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
