package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/example/ssoportal/internal/accounts"
	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/authorize"
	"github.com/example/ssoportal/internal/claims"
	cfg "github.com/example/ssoportal/internal/config"
	"github.com/example/ssoportal/internal/identity"
	"github.com/example/ssoportal/internal/registry"
	"github.com/example/ssoportal/internal/session"
	"github.com/example/ssoportal/internal/store"
	"github.com/example/ssoportal/internal/token"
)

const maxBodyBytes = 1 << 20

type App struct {
	cfg      *cfg.Config
	log      *zap.SugaredLogger
	store    store.Store
	sessions session.Store

	accounts *accounts.Service
	clients  *registry.Registry
	authz    *authorize.Engine
	tokens   *token.Engine
	claims   *claims.Resolver
	bridge   *session.Bridge

	// portalAuth accepts a session or a first-party bearer token.
	portalAuth identity.Verifier
	// browserAuth accepts only the session cookie, for the consent flow.
	browserAuth identity.Verifier
	// bearerAuth accepts access tokens of any client, for userinfo.
	bearerAuth identity.Verifier

	rateLimiter *RateLimiter
}

// NewApp wires the components over st and sessions.
func NewApp(c *cfg.Config, log *zap.SugaredLogger, st store.Store, sessions session.Store) (*App, error) {
	var previous *token.Key
	if c.JwtPreviousSecret != "" {
		previous = &token.Key{ID: c.JwtPreviousKeyID, Secret: []byte(c.JwtPreviousSecret)}
	}
	keys, err := token.NewKeySet(c.Issuer, token.Key{ID: c.JwtKeyID, Secret: []byte(c.JwtSecret)}, previous, c.KeyOverlap, time.Now)
	if err != nil {
		return nil, fmt.Errorf("signing keys: %w", err)
	}

	a := &App{cfg: c, log: log, store: st, sessions: sessions}
	a.accounts = accounts.NewService(st, log.Named("accounts"))
	a.clients = registry.New(st, log.Named("registry"))
	a.authz = authorize.NewEngine(st, a.clients, c.AuthorizationCodeTTL, log.Named("authorize"))
	a.tokens = token.NewEngine(st, a.clients, keys, token.Config{
		AccessTTL:          c.AccessTokenTTL,
		RefreshTTL:         c.RefreshTokenTTL,
		FirstPartyClientID: c.FirstPartyClientID,
	}, log.Named("token"))
	a.claims = claims.NewResolver(st)
	a.bridge = session.NewBridge(a.accounts, a.tokens, sessions, log.Named("session"))

	a.browserAuth = identity.Session(sessions, c.FirstPartyClientID)
	a.portalAuth = identity.Any(a.browserAuth, identity.Bearer(a.tokens, c.FirstPartyClientID))
	a.bearerAuth = identity.Bearer(a.tokens, "")
	a.rateLimiter = NewRateLimiter(c.RateLimitPerMinute)
	return a, nil
}

// Routes returns the HTTP handler of the portal.
func (a *App) Routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", fmt.Sprintf("Method %q not allowed", r.Method))
	})

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)

	// OAuth2 provider
	r.HandleFunc("/oauth/authorize/", a.HandleAuthorize).Methods(http.MethodGet)
	r.HandleFunc("/oauth/authorize/", a.HandleConsent).Methods(http.MethodPost)
	r.HandleFunc("/oauth/token/", a.RateLimit(a.HandleToken)).Methods(http.MethodPost)
	r.HandleFunc("/oauth/userinfo/", a.HandleUserinfo).Methods(http.MethodGet)
	r.HandleFunc("/oauth/introspect/", a.RateLimit(a.HandleIntrospect)).Methods(http.MethodPost)
	r.HandleFunc("/oauth/revoke_token/", a.HandleRevokeToken).Methods(http.MethodPost)

	// Application management
	r.HandleFunc("/oauth/applications/", a.authed(a.portalAuth, a.HandleListApplications)).Methods(http.MethodGet)
	r.HandleFunc("/oauth/applications/", a.authed(a.portalAuth, a.HandleCreateApplication)).Methods(http.MethodPost)
	r.HandleFunc("/oauth/applications/{id}/", a.authed(a.portalAuth, a.HandleGetApplication)).Methods(http.MethodGet)
	r.HandleFunc("/oauth/applications/{id}/", a.authed(a.portalAuth, a.HandleUpdateApplication)).Methods(http.MethodPatch)
	r.HandleFunc("/oauth/applications/{id}/", a.authed(a.portalAuth, a.HandleDeleteApplication)).Methods(http.MethodDelete)
	r.HandleFunc("/oauth/applications/{id}/rotate-secret/", a.authed(a.portalAuth, a.HandleRotateSecret)).Methods(http.MethodPost)
	r.HandleFunc("/oauth/authorized_tokens/", a.authed(a.portalAuth, a.HandleListAuthorizedTokens)).Methods(http.MethodGet)
	r.HandleFunc("/oauth/authorized_tokens/{id}/delete/", a.authed(a.portalAuth, a.HandleDeleteAuthorizedToken)).Methods(http.MethodPost)
	r.HandleFunc("/oauth/authorized_tokens/clients/{client_id}/delete/", a.authed(a.portalAuth, a.HandleRevokeApplicationAccess)).Methods(http.MethodPost)

	// First-party authentication
	r.HandleFunc("/user/login/", a.RateLimit(a.HandleLogin)).Methods(http.MethodPost)
	r.HandleFunc("/user/register/", a.RateLimit(a.HandleRegister)).Methods(http.MethodPost)
	r.HandleFunc("/user/refresh/", a.RateLimit(a.HandleRefresh)).Methods(http.MethodPost)
	r.HandleFunc("/user/logout/", a.authed(a.portalAuth, a.HandleLogout)).Methods(http.MethodPost)

	// Account settings
	r.HandleFunc("/user-settings/info/", a.authed(a.portalAuth, a.HandleSettingsInfo)).Methods(http.MethodGet)
	r.HandleFunc("/user-settings/change-password/", a.authed(a.portalAuth, a.HandleChangePassword)).Methods(http.MethodPost)
	r.HandleFunc("/user-settings/change-email/", a.authed(a.portalAuth, a.HandleChangeEmail)).Methods(http.MethodPost)

	// Admin
	r.HandleFunc("/admin/users/{id}/", a.authed(a.portalAuth, a.HandleAdminUpdateUser)).Methods(http.MethodPatch)

	return r
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.log.Warnw("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	if p, ok := a.sessions.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			a.log.Warnw("session store readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// runCleanup drops expired codes, refresh tokens and memory sessions until ctx is done.
// Expiry is enforced on read; this only reclaims space.
func (a *App) runCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanup(ctx)
		}
	}
}

func (a *App) cleanup(ctx context.Context) {
	n, err := a.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		a.log.Warnw("cleanup of expired rows failed", "error", err)
	} else if n > 0 {
		a.log.Infow("expired rows removed", "count", n)
	}
	if m, ok := a.sessions.(*session.MemoryStore); ok {
		if n := m.Purge(); n > 0 {
			a.log.Infow("expired sessions removed", "count", n)
		}
	}
	a.rateLimiter.Forget(time.Hour)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return apierr.New(apierr.InvalidRequest, "Invalid request body")
	}
	return nil
}

func newLogger(level, env string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if env == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openStore(c *cfg.Config, log *zap.SugaredLogger) (store.Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		return store.NewSQLiteStore(c.SQLiteFile)
	case "postgres":
		// Apply migrations before connecting
		log.Infow("applying database migrations", "dir", c.MigrationsDir)
		if err := store.Migrate(c.MigrationsDir, c.PostgresDSN, log); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return store.NewPostgresStore(c.PostgresDSN)
	default:
		log.Warn("using in-memory database (not recommended for production)")
		return store.NewMemoryStore(), nil
	}
}

func openSessions(ctx context.Context, c *cfg.Config) (session.Store, error) {
	if c.SessionBackend == "redis" {
		return session.NewRedisStore(ctx, session.RedisConfig{
			Addr:      c.RedisAddr,
			Password:  c.RedisPassword,
			DB:        c.RedisDB,
			KeyPrefix: c.RedisKeyPrefix,
			TTL:       c.SessionTTL,
		})
	}
	return session.NewMemoryStore(c.SessionTTL), nil
}

func main() {
	c, err := cfg.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(c.LogLevel, c.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	st, err := openStore(c, log)
	if err != nil {
		log.Fatalw("store init failed", "adapter", c.DBAdapter, "error", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, err := openSessions(ctx, c)
	if err != nil {
		log.Fatalw("session store init failed", "backend", c.SessionBackend, "error", err)
	}
	if closer, ok := sessions.(io.Closer); ok {
		defer closer.Close()
	}

	app, err := NewApp(c, log, st, sessions)
	if err != nil {
		log.Fatalw("app init failed", "error", err)
	}
	go app.runCleanup(ctx, c.CleanupInterval)

	srv := &http.Server{Handler: app.Routes(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		log.Infow("starting sso portal", "port", c.Port, "db_adapter", c.DBAdapter, "session_backend", c.SessionBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("shutdown failed", "error", err)
		return
	}
	log.Info("server exited properly")
}
