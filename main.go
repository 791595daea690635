package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime_server/config"
	"realtime_server/core/domain"
	"realtime_server/infra/database"
	"realtime_server/internal/bootstrap"
	"realtime_server/internal/stream"
	"realtime_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "realtime",
		Short: "Realtime connection, channel and notification server",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if exists (for local development)
			_ = godotenv.Load()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd(), notifyCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and initializes the default logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if cfg.LogLevel == "" && cfg.IsDevelopment() {
		level = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   level,
		Service: "realtime",
		Pretty:  cfg.IsDevelopment(),
	})
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime node",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := bootstrap.ParseMode(mode)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bootstrap.Version = version

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize dependencies: %w", err)
			}
			defer cleanup()

			return bootstrap.NewServer(deps, m).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "all", "Run mode: all, api, ws")
	return cmd
}

func notifyCmd() *cobra.Command {
	var (
		user, role string
		broadcast  bool
		req        domain.NotificationRequest
		typ        string
		priority   string
		data       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Enqueue a notification on the ingress stream",
		Example: `  realtime notify --user 42 --type order_update --title "Order shipped"
  realtime notify --role admin --type alert --title "Disk full" --priority urgent
  realtime notify --broadcast --type system --title "Maintenance at 02:00" --ttl 6h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := notifyTarget(user, role, broadcast)
			if err != nil {
				return err
			}

			req.Type = domain.NotificationType(typ)
			req.Priority = domain.NotificationPriority(priority)
			req.TTLSeconds = int(ttl / time.Second)
			if data != "" {
				if err := json.Unmarshal([]byte(data), &req.Data); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			if err := req.Notification(time.Now()).Validate(); err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return errors.New("REDIS_URL is required to enqueue notifications")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			client, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig())
			if err != nil {
				return err
			}
			defer client.Close()

			producer := stream.NewProducer(stream.NewRedisStream(client, cfg.IngressGroup), cfg.IngressStream)
			id, err := producer.Enqueue(ctx, target, req)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&user, "user", "", "Deliver to every connection of this user")
	f.StringVar(&role, "role", "", "Deliver to connected holders of this role")
	f.BoolVar(&broadcast, "broadcast", false, "Deliver to every connection")
	f.StringVar(&typ, "type", string(domain.NotificationTypeSystem), "Notification type")
	f.StringVar(&req.Title, "title", "", "Title")
	f.StringVar(&req.Message, "message", "", "Message body")
	f.StringVar(&priority, "priority", string(domain.NotificationPriorityNormal), "low, normal, high or urgent")
	f.StringVar(&data, "data", "", "Extra data as a JSON object")
	f.DurationVar(&ttl, "ttl", 0, "Expire undelivered copies after this long")
	cmd.MarkFlagsMutuallyExclusive("user", "role", "broadcast")
	return cmd
}

func notifyTarget(user, role string, broadcast bool) (domain.NotificationTarget, error) {
	switch {
	case user != "":
		return domain.UserTarget(user), nil
	case role != "":
		return domain.RoleTarget(role), nil
	case broadcast:
		return domain.BroadcastTarget(), nil
	}
	return domain.NotificationTarget{}, errors.New("one of --user, --role or --broadcast is required")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
