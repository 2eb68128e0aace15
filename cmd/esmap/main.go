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

	"esmap/internal/app"
	"esmap/internal/config"
	"esmap/internal/db"
	"esmap/internal/domain"
	"esmap/internal/engine"
	"esmap/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "esmap",
	Short: "esmap CLI",
	Long: `esmap serves location-based learning tasks backed by the Entu CMS.
Students complete tasks by visiting locations on a map; every entity (task,
location, response, group, person) lives in Entu. This service fronts Entu
with a session-authenticated JSON API, computes visit progress, and keeps a
local outbox so submissions survive CMS downtime.`,
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
	viper.SetEnvPrefix("ESMAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "", "act as this Entu person id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:     a.Config.Server.JWTSecret,
				SessionHours:  a.Config.Server.SessionHours,
				WebhookSecret: a.Config.Server.WebhookSecret,
			}
			if secret := os.Getenv("ESMAP_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("jwt secret is required (config server.jwt_secret or ESMAP_JWT_SECRET)")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			engine.StartOutboxFlusher(cmd.Context(), a.Engine, 0)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving esmap API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, a.Config.Entu.Token)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Map", "Group", "Deadline"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Name, t.MapID, t.GroupID, t.Deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its locations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				locations, err := a.Engine.TaskLocations(ctx, task)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": task, "locations": locations})
				}
				fmt.Printf("%s  %s\n", task.ID, task.Name)
				if task.Description != "" {
					fmt.Println(task.Description)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Lat", "Long"})
				for _, loc := range locations {
					tw.AppendRow(table.Row{loc.ID, loc.Name, loc.Coordinates.Lat, loc.Coordinates.Long})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func progressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <task-id>",
		Short: "Visit progress for a user on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := viper.GetString("user-id")
			if userID == "" {
				return fmt.Errorf("--user-id required")
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				prog, err := a.Engine.TaskProgress(ctx, args[0], userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(prog)
				}
				fmt.Printf("visited %d of %d (%.1f%%)\n", prog.VisitedCount, prog.TotalCount, prog.Percent)
				for _, id := range prog.VisitedIDs {
					fmt.Println("  ", id)
				}
				return nil
			})
		},
	}
	return cmd
}

func outboxCmd() *cobra.Command {
	outbox := &cobra.Command{Use: "outbox", Short: "Manage queued submissions"}
	outbox.AddCommand(outboxListCmd())
	outbox.AddCommand(outboxFlushCmd())
	return outbox
}

func outboxListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListOutbox(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Location", "Status", "Attempts", "Created"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.TaskID, item.LocationID, item.Status, item.Attempts, item.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, sent, failed)")
	return cmd
}

func outboxFlushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Deliver queued submissions to Entu",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				sent, failed, err := a.Engine.FlushOutbox(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("sent %d, failed %d\n", sent, failed)
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	var limit int
	var after int64
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				var (
					items []domain.Event
					err   error
				)
				if after > 0 {
					items, err = a.Engine.Repo.EventsAfter(ctx, limit, after)
				} else {
					items, err = a.Engine.Repo.ListEvents(ctx, limit, "", "")
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "User"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.UserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to show")
	cmd.Flags().Int64Var(&after, "after", 0, "only events with id greater than this cursor")
	return cmd
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Entu authentication"}
	auth.AddCommand(authLoginCmd())
	auth.AddCommand(authExchangeCmd())
	return auth
}

func authLoginCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Print the Entu OAuth login URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				base := strings.TrimRight(a.Config.Entu.URL, "/")
				base = strings.TrimSuffix(base, "/api")
				fmt.Printf("%s/auth/%s?account=%s\n", base, provider, a.Config.Entu.Account)
				fmt.Println("After signing in, exchange the temporary key with: esmap auth exchange <key>")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "google", "OAuth provider (google, apple, smart-id, mobile-id, id-card)")
	return cmd
}

func authExchangeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exchange <key>",
		Short: "Exchange a temporary OAuth key for an Entu token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				result, err := a.Engine.Entu.Authenticate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage esmap.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default esmap.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" {
				return fmt.Errorf("--account required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(account)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Entu account name")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				return fmt.Errorf("no %s; create one with esmap config init", config.Path(viper.GetString("workspace")))
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func withApp(fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
