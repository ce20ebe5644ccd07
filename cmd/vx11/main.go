package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vx11/vx11/pkg/app"
	"github.com/vx11/vx11/pkg/client"
	"github.com/vx11/vx11/pkg/config"
	"github.com/vx11/vx11/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "vx11",
	Short: "VX11 - control plane gateway and operator CLI",
	Long: `VX11 fronts a small fleet of services behind one authenticated gateway.

Madre is always reachable. Every other service is only reachable while an
operator-opened window includes it; windows expire on their own.

Exit codes: 0 ok, 1 error, 2 denied by policy, 3 authentication failed,
4 gateway or upstream unavailable.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"VX11 version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("gateway", envOr("VX11_GATEWAY", "http://127.0.0.1:8000"), "Gateway base URL")
	rootCmd.PersistentFlags().String("token", "", "Shared token (default $VX11_TOKEN)")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().Bool("json", false, "Print raw JSON")

	serveCmd.Flags().String("config", "", "Path to YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(intentCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(tailEventsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway with Madre in-process",
	Long: `Run the VX11 gateway. Configuration comes from defaults, then the
optional --config file, then VX11_* environment variables. VX11_TOKEN is
required.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path, os.Getenv)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.ParseLevel(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, app.Options{Version: Version})
		if err != nil {
			return fmt.Errorf("failed to build control plane: %w", err)
		}
		return a.Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "VX11 version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// newClient builds a gateway client from the persistent flags
func newClient(cmd *cobra.Command) (*client.Client, error) {
	url, _ := cmd.Flags().GetString("gateway")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("VX11_TOKEN")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return client.New(url, token,
		client.WithTimeout(timeout),
		client.WithHeaders(os.Getenv("VX11_TOKEN_HEADER"), os.Getenv("VX11_CORRELATION_HEADER")),
	)
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
