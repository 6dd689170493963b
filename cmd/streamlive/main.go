package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nantokaworks/streamlive/internal/backendapi"
	"github.com/nantokaworks/streamlive/internal/domain"
	"github.com/nantokaworks/streamlive/internal/env"
	"github.com/nantokaworks/streamlive/internal/feed"
	"github.com/nantokaworks/streamlive/internal/gift"
	"github.com/nantokaworks/streamlive/internal/localdb"
	"github.com/nantokaworks/streamlive/internal/msgbus"
	"github.com/nantokaworks/streamlive/internal/session"
	"github.com/nantokaworks/streamlive/internal/share"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"github.com/nantokaworks/streamlive/internal/uibridge"
	"github.com/nantokaworks/streamlive/internal/videocall"
	"go.uber.org/zap"
)

// busSink routes gift events into whichever bus is live right now.
type busSink struct {
	orch *session.Orchestrator
}

func (s *busSink) AddLocal(msg domain.Message) {
	if bus := s.orch.Bus(); bus != nil {
		bus.AddLocal(msg)
	}
}

func main() {
	logger.Init(false)
	defer logger.Sync()

	logger.Info("Starting streamlive session daemon")

	env.LoadEnv()
	if env.Value.DebugMode {
		logger.Init(true)
		logger.Info("Debug mode enabled")
	}
	if !env.Validate() {
		logger.Fatal("Missing required configuration")
	}

	if _, err := localdb.SetupDB(env.Value.DBPath); err != nil {
		logger.Fatal("Failed to setup database", zap.Error(err))
	}
	if err := localdb.CleanupChatBefore(time.Now().AddDate(0, 0, -30).UnixMilli()); err != nil {
		logger.Warn("Chat history cleanup failed", zap.Error(err))
	}

	backend := backendapi.New(*env.Value.BackendURL, *env.Value.AuthToken)

	hub := uibridge.NewHub()
	go hub.Run()

	anims := gift.NewAnimations(10 * time.Second)

	var orch *session.Orchestrator

	feedWSURL := ""
	if env.Value.FeedWSURL != nil {
		feedWSURL = *env.Value.FeedWSURL
	}
	pollInterval := time.Duration(env.Value.FeedPollInterval) * time.Millisecond

	events := uibridge.SessionEvents(hub)
	bridgeStateChanged := events.OnStateChanged
	events.OnStateChanged = func(state domain.SessionState) {
		if state == domain.StateEnded {
			if sess := orch.Session(); sess != nil {
				started := int64(0)
				if sess.StartedAt != nil {
					started = sess.StartedAt.Unix()
				}
				if err := localdb.RecordSessionHistory(sess.ID, sess.HostID, sess.Title,
					string(sess.Mode), started, time.Now().Unix()); err != nil {
					logger.Warn("Failed to record session history", zap.Error(err))
				}
			}
		}
		bridgeStateChanged(state)
	}

	orch = session.New(session.Config{
		Backend:  backend,
		Provider: videocall.NewLoopback(),
		Identity: session.Identity{
			UserID:   *env.Value.UserID,
			Username: env.Value.Username,
			Tier:     domain.TierLevel(env.Value.UserTier),
		},
		Events:          events,
		PersistMessages: true,
		NewFeed: func(sessionID string, bus *msgbus.Bus) session.FeedStarter {
			return feed.NewConsumer(sessionID, feedWSURL, backend, bus, pollInterval)
		},
	})

	engine := gift.NewEngine(backend, &busSink{orch: orch}, anims, *env.Value.UserID, uibridge.GiftEvents(hub))

	if err := engine.RefreshBalance(context.Background()); err != nil {
		logger.Warn("Initial balance refresh failed", zap.Error(err))
		if coins, updatedAt, ok, err := localdb.LoadWalletSnapshot(); err == nil && ok {
			logger.Info("Using stored wallet snapshot",
				zap.Int("coins", coins),
				zap.Int64("updated_at", updatedAt))
		}
	} else if b, ok := engine.Balance(); ok {
		_ = localdb.SaveWalletSnapshot(b.Coins, time.Now().Unix())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/share/qr", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			http.Error(w, "session parameter required", http.StatusBadRequest)
			return
		}
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		png, err := share.InviteQR(*env.Value.BackendURL, sessionID, size)
		if err != nil {
			logger.Error("Failed to render invite QR", zap.Error(err))
			http.Error(w, "failed to render QR", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", env.Value.UIBridgePort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("UI bridge server failed", zap.Error(err))
		}
	}()

	logger.Info("UI bridge started",
		zap.Int("port", env.Value.UIBridgePort),
		zap.String("ws", fmt.Sprintf("ws://127.0.0.1:%d/ws", env.Value.UIBridgePort)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	if orch.State() == domain.StateLive {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := orch.EndSession(ctx); err != nil {
			logger.Warn("Best-effort session end failed", zap.Error(err))
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	shutdownCancel()

	logger.Info("Shutdown complete")
}
