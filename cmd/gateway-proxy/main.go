package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/gateway-client/pkg/logging"
	"github.com/Sternrassler/gateway-client/pkg/oauth"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:          "gateway-proxy",
		Short:        "Authenticated, quota-aware proxy in front of one remote API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", cfgFile, err)
				}
			}
			logging.Setup(logging.Config{
				Level:  logging.LogLevel(v.GetString("log_level")),
				Pretty: v.GetBool("log_pretty"),
				Output: os.Stderr,
				Fields: map[string]string{
					"service":  "gateway-proxy",
					"command":  cmd.Name(),
					"base_url": v.GetString("base_url"),
				},
			})
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (optional; GATEWAY_* environment variables always apply)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human readable console logs")
	flags.String("base-url", "", "base URL of the remote API")
	flags.String("auth-base-url", "", "base URL of the OAuth authorize/token endpoints")
	flags.String("session-file", "sessions.json", "session store file")
	flags.String("redis-url", "", "store sessions in Redis instead of the session file")
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log_pretty", flags.Lookup("log-pretty"))
	_ = v.BindPFlag("base_url", flags.Lookup("base-url"))
	_ = v.BindPFlag("auth_base_url", flags.Lookup("auth-base-url"))
	_ = v.BindPFlag("session_file", flags.Lookup("session-file"))
	_ = v.BindPFlag("redis_url", flags.Lookup("redis-url"))

	rootCmd.AddCommand(
		newAuthorizeCmd(v),
		newLogoutCmd(v),
		newServeCmd(v),
	)
	return rootCmd
}

// newManager builds the session manager from settings. The returned
// cleanup closes the session store connection.
func newManager(ctx context.Context, s settings) (*oauth.Manager, func(), error) {
	manager, _, cleanup, err := newManagerWithRedis(ctx, s)
	return manager, cleanup, err
}

func newManagerWithRedis(ctx context.Context, s settings) (*oauth.Manager, *redis.Client, func(), error) {
	store, redisClient, err := s.sessionStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		if redisClient != nil {
			redisClient.Close()
		}
	}

	manager, err := oauth.New(s.oauthConfig(store))
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("create session manager: %w", err)
	}
	return manager, redisClient, cleanup, nil
}

func newAuthorizeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Run the browser authorization flow and persist the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			manager, cleanup, err := newManager(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer cleanup()

			ok, err := manager.Authorize(cmd.Context())
			if err != nil {
				return fmt.Errorf("authorize: %w", err)
			}
			if !ok {
				return fmt.Errorf("authorization was cancelled or timed out")
			}

			sess, _ := manager.Session()
			log.Info().
				Time("access_expires_at", sess.AccessTokenExpiresAt).
				Time("refresh_expires_at", sess.RefreshTokenExpiresAt).
				Msg("Session stored")
			fmt.Fprintln(cmd.OutOrStdout(), "Authorized.")
			return nil
		},
	}

	cmd.Flags().Int("redirect-port", 3000, "local callback listener port")
	_ = v.BindPFlag("redirect_port", cmd.Flags().Lookup("redirect-port"))
	return cmd
}

func newLogoutCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			manager, cleanup, err := newManager(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := manager.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session removed.")
			return nil
		},
	}
}
