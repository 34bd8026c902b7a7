package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentnet/internal/api"
	"agentnet/internal/config"
)

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "agentnet",
	Short: "Multi-agent task orchestrator",
	Long: `agentnet routes multi-step tasks to a network of capability-tagged agents.

Run "agentnet serve" to host the orchestrator, the message bus and the
configured agents behind an HTTP API. The other commands talk to that API.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.agentnet/config.toml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "server address for client commands (default: [server].addr)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(historyCmd)
}

// newClient resolves the server address from the flag or the config file.
func newClient() (*api.Client, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return api.NewClient(addr, nil), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}
