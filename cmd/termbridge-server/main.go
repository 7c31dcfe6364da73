// Command termbridge-server hosts the server-side multiplexer (spec.md
// C5): it accepts upstream connections that declare (namespace, id)
// sessions and viewer connections that mirror them, backed by demoterm's
// PTY-based reference renderer when no other renderer factory is wired
// in. Shape (cobra root command, listen, print connection info, wait for
// signal) is grounded on the teacher's cmd/rovo-bridge/main.go, wiring in
// spf13/viper-backed configuration and log/slog logging in place of the
// teacher's flag+log.Printf pair.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opentermio/termbridge/internal/config"
	"github.com/opentermio/termbridge/internal/demoterm"
	"github.com/opentermio/termbridge/internal/mux"
	"github.com/opentermio/termbridge/internal/registry"
	"github.com/opentermio/termbridge/internal/renderer"
	"github.com/opentermio/termbridge/internal/termsession"
	"github.com/opentermio/termbridge/internal/wschannel"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath, listenAddr, tokenFile, shell string
	cmd := &cobra.Command{
		Use:           "termbridge-server",
		Short:         "Serve mirrored terminal sessions to upstream and viewer connections",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), serverFlags{
				cfgPath:    cfgPath,
				listenAddr: listenAddr,
				tokenFile:  tokenFile,
				shell:      shell,
			})
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override listen_addr from config")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "override token_file from config")
	cmd.Flags().StringVar(&shell, "shell", "", "shell to launch for demo sessions (default $SHELL or /bin/sh)")
	return cmd
}

type serverFlags struct {
	cfgPath    string
	listenAddr string
	tokenFile  string
	shell      string
}

func runServer(ctx context.Context, flags serverFlags) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(flags.cfgPath)
	if err != nil {
		return fmt.Errorf("termbridge-server: %w", err)
	}
	if flags.listenAddr != "" {
		cfg.ListenAddr = flags.listenAddr
	}
	if flags.tokenFile != "" {
		cfg.TokenFile = flags.tokenFile
	}

	tokens, err := config.WatchTokenFile(cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("termbridge-server: token file: %w", err)
	}
	defer tokens.Close()

	reg := registry.New(registry.Config{
		Grace:  time.Duration(cfg.GraceSeconds) * time.Second,
		Logger: logger,
	})

	build := func(ctx context.Context, namespace, id string) (termsession.Config, error) {
		factory := demoterm.NewFactory(demoterm.Config{Shell: flags.shell, Logger: logger})
		return termsession.Config{
			InitialSize:  renderer.Size{Cols: cfg.MaxCols, Rows: cfg.MaxRows},
			Factory:      factory,
			TickInterval: time.Second / time.Duration(maxInt(cfg.FrameRate, 1)),
			Logger:       logger,
		}, nil
	}
	m := mux.New(reg, build, logger)
	handler := newHandler(m, tokens)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("termbridge-server: listen: %w", err)
	}
	srv := &http.Server{Handler: handler}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("server exited", "error", serveErr)
		}
	}()

	logger.Info("termbridge-server listening", "addr", ln.Addr().String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return srv.Close()
}

// newHandler assembles the HTTP routes: a health check, upstream discover
// endpoints (with and without an explicit namespace segment, mirroring
// tunnel.deriveWSPath), and the viewer-facing watch endpoint.
func newHandler(m *mux.Mux, tokens *config.TokenWatcher) http.Handler {
	handler := http.NewServeMux()
	handler.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	handler.HandleFunc("/s/{id}", upstreamHandler(m, tokens, ""))
	handler.HandleFunc("/s/{namespace}/{id}", upstreamHandlerNS(m, tokens))
	handler.HandleFunc("/watch", watchHandler(m, tokens))
	return handler
}

func upstreamHandler(m *mux.Mux, tokens *config.TokenWatcher, namespace string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, tokens) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		id := r.PathValue("id")
		serveUpstream(w, r, m, namespace, id)
	}
}

func upstreamHandlerNS(m *mux.Mux, tokens *config.TokenWatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, tokens) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		serveUpstream(w, r, m, r.PathValue("namespace"), r.PathValue("id"))
	}
}

// serveUpstream runs for the lifetime of the websocket connection, well
// past the HTTP handler's own return, so it deliberately does not use
// r.Context() (canceled once the hijack completes) and instead runs on
// context.Background(), matching the same choice in the existing mux
// tests' server harness.
func serveUpstream(w http.ResponseWriter, r *http.Request, m *mux.Mux, namespace, id string) {
	ch, err := wschannel.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := m.Discover(context.Background(), namespace, id, ch); err != nil {
		_ = ch.CloseWithCode(wschannel.CloseUpstreamTaken, err.Error())
		return
	}
	_ = m.Serve(context.Background(), ch)
}

// watchHandler serves viewer connections. namespace is not checked: when
// it is missing, the empty namespace is used, which matches upstreams
// bound via /s/{id}. id may repeat to scope the subscription to specific
// sessions, or be omitted entirely for the wildcard subscription (every
// id in namespace).
func watchHandler(m *mux.Mux, tokens *config.TokenWatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, tokens) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		namespace := r.URL.Query().Get("namespace")
		ids := r.URL.Query()["id"]
		ch, err := wschannel.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = m.Watch(context.Background(), namespace, ids, ch)
	}
}

func authorized(r *http.Request, tokens *config.TokenWatcher) bool {
	want := tokens.Token()
	if want == "" {
		return true
	}
	if bearer := wschannel.BearerToken(r); bearer == want {
		return true
	}
	auth := r.Header.Get("Authorization")
	return auth == "Bearer "+want
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
