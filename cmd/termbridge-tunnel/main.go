// Command termbridge-tunnel dials out from a host machine to a relay
// (cmd/termbridge-server) and mirrors one demoterm-backed session under a
// (namespace, id) pair, printing the resulting share URL. Grounded on
// internal/tunnel's Dial/WaitForSignal pair, which itself follows the
// teacher's cmd/rovo-bridge/main.go signal-handling tail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opentermio/termbridge/internal/config"
	"github.com/opentermio/termbridge/internal/demoterm"
	"github.com/opentermio/termbridge/internal/renderer"
	"github.com/opentermio/termbridge/internal/tunnel"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath, relayURL, namespace, id, shell string
	var printShareURL bool
	cmd := &cobra.Command{
		Use:           "termbridge-tunnel",
		Short:         "Dial a relay and mirror a local terminal session to it",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTunnel(cmd.Context(), tunnelFlags{
				cfgPath:       cfgPath,
				relayURL:      relayURL,
				namespace:     namespace,
				id:            id,
				shell:         shell,
				printShareURL: printShareURL,
			})
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&relayURL, "relay", "", "override relay_url from config, e.g. ws://host:port")
	cmd.Flags().StringVar(&namespace, "namespace", "", "override namespace from config")
	cmd.Flags().StringVar(&id, "id", "", "session id (generated if empty)")
	cmd.Flags().StringVar(&shell, "shell", "", "shell to launch (default $SHELL or /bin/sh)")
	cmd.Flags().BoolVar(&printShareURL, "print-share-url", true, "print the derived share URL as JSON on stdout")
	return cmd
}

type tunnelFlags struct {
	cfgPath       string
	relayURL      string
	namespace     string
	id            string
	shell         string
	printShareURL bool
}

type shareInfo struct {
	ID       string `json:"id"`
	ShareURL string `json:"shareUrl"`
}

func runTunnel(ctx context.Context, flags tunnelFlags) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(flags.cfgPath)
	if err != nil {
		return fmt.Errorf("termbridge-tunnel: %w", err)
	}
	if flags.relayURL != "" {
		cfg.RelayURL = flags.relayURL
	}
	if flags.namespace != "" {
		cfg.Namespace = flags.namespace
	}
	if cfg.RelayURL == "" {
		return fmt.Errorf("termbridge-tunnel: relay_url is required (set --relay or config)")
	}

	tokens, err := config.WatchTokenFile(cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("termbridge-tunnel: token file: %w", err)
	}
	defer tokens.Close()

	factory := demoterm.NewFactory(demoterm.Config{Shell: flags.shell, Logger: logger})

	t, err := tunnel.Dial(ctx, tunnel.Config{
		RelayURL:    cfg.RelayURL,
		Namespace:   cfg.Namespace,
		ID:          flags.id,
		BearerToken: tokens.Token(),
		InitialSize: renderer.Size{Cols: cfg.MaxCols, Rows: cfg.MaxRows},
		Factory:     factory,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("termbridge-tunnel: dial: %w", err)
	}

	t.OnDisconnect(func(err error) {
		logger.Warn("tunnel disconnected", "error", err)
	})
	t.OnError(func(err error) {
		logger.Error("tunnel rejected by relay", "error", err)
	})

	if flags.printShareURL {
		shareURL, err := t.ShareURL()
		if err != nil {
			logger.Warn("could not derive share URL", "error", err)
		} else {
			enc := json.NewEncoder(os.Stdout)
			_ = enc.Encode(shareInfo{ID: t.ID(), ShareURL: shareURL})
		}
	}

	return t.WaitForSignal(ctx)
}
