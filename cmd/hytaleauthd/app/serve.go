package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hytaleauth/authd/internal/config"
	"github.com/hytaleauth/authd/internal/exchange"
	"github.com/hytaleauth/authd/internal/httpapi"
	"github.com/hytaleauth/authd/internal/issuerresolver"
	"github.com/hytaleauth/authd/internal/jwks"
	"github.com/hytaleauth/authd/internal/keystore"
	"github.com/hytaleauth/authd/internal/logging"
	"github.com/hytaleauth/authd/internal/netutil"
	"github.com/hytaleauth/authd/internal/sessionstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hytaleauthd HTTP server",
	Long:  `Start the session/authentication HTTP server, loading configuration from file, environment, and defaults.`,
	RunE:  runServe,
}

const (
	defaultGracefulTimeout = 15 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("listen-address", "", "override the configured listen address")
	if err := viper.BindPFlag("listen_address", serveCmd.Flags().Lookup("listen-address")); err != nil {
		logging.Errorf("error binding listen-address flag: %v", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newSessionStore returns the file-backed Store when path is configured,
// otherwise the in-memory default.
func newSessionStore(path string) (sessionstore.Store, error) {
	if path == "" {
		return sessionstore.NewMemoryStore(), nil
	}
	return sessionstore.NewFileStore(path)
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("listen-address"); addr != "" {
		cfg.ListenAddress = addr
	}

	logging.Configure(parseLogLevel(cfg.LogLevel), os.Stderr, cfg.LogJSON)
	logging.Infow("configuration loaded", "base_domain", cfg.BaseDomain, "default_issuer", cfg.DefaultIssuer, "listen_address", cfg.ListenAddress)

	keys := keystore.New(cfg.SigningKeyPath)
	if _, err := keys.KeyID(); err != nil {
		return err
	}

	resolver := issuerresolver.New(issuerresolver.Config{
		BaseDomain:    cfg.BaseDomain,
		DefaultIssuer: cfg.DefaultIssuer,
		LocalHosts:    cfg.LocalHosts,
		OfficialHosts: cfg.OfficialIssuerAllowList,
	})

	httpClient, err := netutil.NewHttpClientBuilder().
		WithTimeout(cfg.JWKSFetchTimeout()).
		Build()
	if err != nil {
		return err
	}

	federation := jwks.New(jwks.Config{
		Resolver:    resolver,
		LocalKeys:   keys,
		HTTPClient:  httpClient,
		TTL:         cfg.ForeignKeyCacheTTL(),
		NegativeTTL: cfg.ForeignKeyNegativeCacheTTL(),
	})

	store, err := newSessionStore(cfg.SessionStorePath)
	if err != nil {
		return err
	}

	machine := exchange.New(keys, resolver, federation, store, cfg.SessionTTL(), cfg.AcceptSelfSignedBypass)

	server := httpapi.NewServer(keys, resolver, federation, machine)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logging.Infow("listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Errorw("server forced to shutdown", "error", err)
		return err
	}

	logging.Info("shutdown complete")
	return nil
}
