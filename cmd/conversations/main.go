package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convcore/internal/classifier"
	"convcore/internal/config"
	"convcore/internal/conversations"
	"convcore/internal/delivery"
	"convcore/internal/fanout"
	"convcore/internal/keydist"
	"convcore/internal/keyedmutex"
	"convcore/internal/messages"
	"convcore/internal/observability/logging"
	"convcore/internal/observability/metrics"
	"convcore/internal/registry"
	"convcore/internal/session"
	"convcore/internal/store"
	transporthttp "convcore/internal/transport/http"
	"convcore/internal/transport/ws"
	"convcore/pkg/db"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "conversations"

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: serviceName,
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})

	slog.SetDefault(logger)
	metrics.MustRegister(serviceName)

	logger.Info("starting service")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	gdb, err := db.OpenGorm(db.Config{Driver: cfg.DBDriver, DSN: cfg.DatabaseURL, LogSQL: cfg.LogSQL})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(gdb)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		logger.Error("token verifier", "error", err)
		os.Exit(1)
	}

	locks := keyedmutex.New()
	hub := fanout.NewHub(fanout.Config{OfflineCap: cfg.OfflineQueueCap, SendBuffer: cfg.SendBuffer})
	tracker := delivery.NewTracker(st)
	reg := registry.New(st)
	auth := session.NewAuthenticator(verifier, reg)

	dist := keydist.New(keydist.Deps{Store: st, Locks: locks, Hub: hub, Tracker: tracker})
	msgs := messages.New(messages.Deps{Store: st, Locks: locks, Hub: hub, Tracker: tracker, Targets: dist})
	dist.SetAggregateNotifier(msgs)
	convs := conversations.New(conversations.Deps{Store: st, Locks: locks, Keys: dist, Tracker: tracker, Aggregates: msgs})

	socket := ws.NewHandler(ws.Deps{Auth: auth, Hub: hub, Keys: dist, Messages: msgs}, ws.Config{
		OriginPatterns: cfg.CORSOrigins,
	})
	router := transporthttp.NewRouter(transporthttp.Deps{
		Auth:          auth,
		Registry:      reg,
		Conversations: convs,
		Keys:          dist,
		Messages:      msgs,
		Classifier:    classifier.New(classifier.Config{URL: cfg.ClassifierURL, Timeout: cfg.ClassifierTimeout}),
		Socket:        socket,
		Metrics:       promhttp.Handler(),
	}, transporthttp.Options{
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		// Leaves room for the classifier call.
		RequestTimeout: cfg.ClassifierTimeout + 15*time.Second,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("conversations service listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newVerifier picks the token key source: JWKS, then a single Ed25519 key,
// then the HS256 shared secret.
func newVerifier(ctx context.Context, cfg config.Config) (*session.Verifier, error) {
	var opts []session.VerifierOption
	if cfg.Issuer != "" {
		opts = append(opts, session.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, session.WithAudience(cfg.Audience))
	}
	switch {
	case cfg.JWKSURL != "":
		slog.Info("using JWKS token validation", "url", cfg.JWKSURL)
		return session.NewJWKSVerifier(ctx, cfg.JWKSURL, opts...)
	case cfg.Ed25519PublicKey != "":
		slog.Info("using Ed25519 token validation")
		return session.NewEd25519Verifier(cfg.Ed25519PublicKey, opts...)
	case cfg.HS256Secret != "":
		slog.Info("using HS256 shared-secret token validation")
		return session.NewHS256Verifier(cfg.HS256Secret, opts...)
	}
	return nil, config.ErrNoTokenKey
}
