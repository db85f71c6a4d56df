// Command controlplaned is the control-plane server binary: it wires the
// persistent store, in-process bus, command dispatcher, approval manager,
// console/terminal managers, and the agent/UI WebSocket and REST surfaces
// together into one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcommander/controlplane/internal/agentconn"
	"github.com/agentcommander/controlplane/internal/approval"
	"github.com/agentcommander/controlplane/internal/authn"
	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/config"
	"github.com/agentcommander/controlplane/internal/console"
	"github.com/agentcommander/controlplane/internal/dispatch"
	"github.com/agentcommander/controlplane/internal/httpapi"
	"github.com/agentcommander/controlplane/internal/logging"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/terminalproxy"
	"github.com/agentcommander/controlplane/internal/uiconn"
)

var (
	// Version is set via -ldflags at release build time.
	Version = "dev"

	cfgPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "controlplaned",
	Short:   "Agent Commander control-plane server",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (defaults to the XDG config dir)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.LoadOrDefault(path)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control-plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Server.Port = port
		}

		logging.Init(logging.Config{
			Level:      logging.Level(cfg.Logging.Level),
			JSONOutput: cfg.Logging.JSON,
		})
		log := logging.WithComponent("controlplaned")

		b := bus.New()
		st, err := store.Open(context.Background(), cfg.Store.DSN, b)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		d := dispatch.New(b, cfg.Timeouts.CommandResult, cfg.Timeouts.HostCommandResult)
		cm := console.New(st, b)
		tp := terminalproxy.New(st, b, cfg.Timeouts.TerminalIdle)
		am := approval.New(st, b, d)

		agentHandler := agentconn.New(st, b, d, am, cm, tp)
		uiHandler := uiconn.New(st, b, d, am)
		resolve := authn.StaticTokenResolver(cfg.Auth.StaticTokens)
		api := httpapi.New(st, d, am, resolve)

		mux := http.NewServeMux()
		mux.HandleFunc("/v1/agent/connect", agentHandler.ServeHTTP)
		mux.HandleFunc("/v1/ui/ws", uiHandler.ServeHTTP)
		mux.Handle("/v1/", api.Router())

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		srv := &http.Server{Addr: addr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		log.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "override the configured server port")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		// store.Open runs every pending goose migration before returning,
		// so opening and closing is the whole of "migrate".
		st, err := store.Open(context.Background(), cfg.Store.DSN, nil)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		defer st.Close()
		fmt.Println("migrations applied")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage agent host tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue HOST_ID",
	Short: "Issue a new bearer token for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := store.Open(context.Background(), cfg.Store.DSN, nil)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		raw, token, err := st.IssueAgentToken(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Printf("token:   %s\n", raw)
		fmt.Printf("host_id: %s\n", token.HostID)
		fmt.Printf("issued:  %s\n", token.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN_ID",
	Short: "Revoke a previously issued token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := store.Open(context.Background(), cfg.Store.DSN, nil)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		if err := st.RevokeAgentToken(context.Background(), args[0]); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		fmt.Println("token revoked")
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}
