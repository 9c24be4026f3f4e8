package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cordum/mpk/core/infra/config"
	"github.com/cordum/mpk/core/mpk/host"
	sdk "github.com/cordum/mpk/sdk/client"
)

const (
	envGateway = "MPK_GATEWAY"
	envAPIKey  = "MPK_API_KEY"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	gateway string
	apiKey  string
	dataDir string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mpkctl",
		Short:         "Create, inspect and install MPK packages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.gateway, "gateway", envOr(envGateway, ""), "mpkd base URL; empty operates on the local install root")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", envOr(envAPIKey, ""), "API key for --gateway")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "local data directory (overrides MPK_DATA_DIR)")

	cmd.AddCommand(newCreateCommand(opts))
	cmd.AddCommand(newParseCommand(opts))
	cmd.AddCommand(newInstallCommand(opts, false))
	cmd.AddCommand(newInstallCommand(opts, true))
	cmd.AddCommand(newUninstallCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newInfoCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newDigestCommand())
	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// openBackend talks to mpkd when a gateway is set and to the local
// repository otherwise.
func openBackend(opts *rootOptions) (backend, error) {
	if opts.gateway != "" {
		return &remoteBackend{client: newClient(opts.gateway, opts.apiKey)}, nil
	}
	h, err := openLocal(opts)
	if err != nil {
		return nil, err
	}
	return &localBackend{host: h}, nil
}

func openLocal(opts *rootOptions) (*host.Host, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.dataDir != "" {
		d := config.Default(opts.dataDir)
		cfg.StagingRoot, cfg.InstallRoot, cfg.RegistryPath = d.StagingRoot, d.InstallRoot, d.RegistryPath
	}
	return host.Open(cfg)
}

func newClient(gateway, apiKey string) *sdk.Client {
	return sdk.New(strings.TrimRight(gateway, "/"), apiKey)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
