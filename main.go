package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/maildrift/maildrift/internal/auth"
	"github.com/maildrift/maildrift/internal/journal"
	"github.com/maildrift/maildrift/internal/notify"
	"github.com/maildrift/maildrift/internal/providers/gmail"
	"github.com/maildrift/maildrift/internal/state"
	syncpkg "github.com/maildrift/maildrift/internal/sync"
)

// SyncRequest registers or runs a sync for one account.
type SyncRequest struct {
	Account     string   `json:"account" binding:"required"`
	Labels      []string `json:"labels" binding:"required"`
	MaxPerLabel int      `json:"max_per_label"`
	Since       string   `json:"since"` // YYYY-MM-DD
	Days        int      `json:"days"`
	ForceFull   bool     `json:"force_full"`
	IntervalSec int      `json:"interval_seconds"`
}

func main() {
	dataRoot := envOr("MAILDRIFT_DATA", "data")
	addr := envOr("MAILDRIFT_ADDR", ":8080")
	tokenProviderURL := envOr("MAILDRIFT_TOKEN_PROVIDER_URL", "http://localhost:3000")
	jwksURL := envOr("MAILDRIFT_JWKS_URL", "http://localhost:3000/api/auth/jwks")
	natsURL := os.Getenv("MAILDRIFT_NATS_URL")

	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		logrus.WithError(err).Fatal("create data directory")
	}

	// Root context for everything that outlives a single request:
	// continuous syncs are bound to it, not to the request that
	// registered them.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := auth.NewJWTVerifier(jwksURL)
	if err != nil {
		logrus.WithError(err).Fatal("initialize JWT verifier")
	}

	var publisher *notify.Publisher
	if natsURL != "" {
		publisher, err = notify.NewPublisher(natsURL)
		if err != nil {
			logrus.WithError(err).Fatal("connect to NATS")
		}
		defer publisher.Close()
	}

	tokens := auth.NewTokenClient(tokenProviderURL)
	feedFactory := func(ctx context.Context, token *auth.Token) (syncpkg.Feed, error) {
		return gmail.New(ctx, token)
	}
	manager := syncpkg.NewManager(ctx, dataRoot, tokens, publisher, feedFactory)

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(verifier))

	// Start a continuous sync for an account.
	authorized.POST("/syncs", func(c *gin.Context) {
		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		config, err := configFromRequest(c, req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := manager.StartSync(c.Request.Context(), config); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"account": req.Account, "status": "started"})
	})

	// One-shot sync, blocking until the attempt finishes.
	authorized.POST("/syncs/:account/run", func(c *gin.Context) {
		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.Account = c.Param("account")

		config, err := configFromRequest(c, req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := manager.SyncOnce(c.Request.Context(), config)
		if err != nil {
			// Partial progress is still visible alongside the error.
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	// Remote label taxonomy, for choosing what to sync.
	authorized.GET("/accounts/:account/labels", func(c *gin.Context) {
		config := syncpkg.Config{
			Account:   c.Param("account"),
			CallerJWT: bearerToken(c.Request),
		}
		labels, err := manager.ListLabels(c.Request.Context(), config)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"labels": labels})
	})

	authorized.DELETE("/syncs/:account", func(c *gin.Context) {
		if err := manager.StopSync(c.Param("account")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"account": c.Param("account"), "status": "stopped"})
	})

	authorized.GET("/syncs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"running": manager.RunningSyncs()})
	})

	// Sync history and checkpoint for one account, from the journal.
	authorized.GET("/syncs/:account/status", func(c *gin.Context) {
		account := c.Param("account")

		jnl, err := journal.Open(manager.JournalPath(account), account)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer jnl.Close()

		runs, err := jnl.RecentRuns(c.Request.Context(), 20)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		stored, err := jnl.StoredCount(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		checkpoint, err := state.NewFileStore(manager.StatePath(), account).Load()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"account":    account,
			"running":    manager.IsRunning(account),
			"stored":     stored,
			"checkpoint": checkpoint,
			"runs":       runs,
		})
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logrus.WithField("addr", addr).Info("maildrift listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	stop()
	logrus.Info("shutting down")

	manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("server shutdown")
	}
}

func configFromRequest(c *gin.Context, req SyncRequest) (syncpkg.Config, error) {
	opts := syncpkg.Options{
		Labels:      req.Labels,
		MaxPerLabel: req.MaxPerLabel,
		Days:        req.Days,
		ForceFull:   req.ForceFull,
	}
	if req.Since != "" {
		since, err := time.Parse("2006-01-02", req.Since)
		if err != nil {
			return syncpkg.Config{}, err
		}
		opts.Since = since
	}

	return syncpkg.Config{
		Account:   req.Account,
		CallerJWT: bearerToken(c.Request),
		Options:   opts,
		Interval:  time.Duration(req.IntervalSec) * time.Second,
	}, nil
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user_id", user.ID)
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
