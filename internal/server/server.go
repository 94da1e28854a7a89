package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/multi-ai-tgbot-go/internal/middleware"
	"github.com/multi-ai-tgbot-go/internal/models"
	"github.com/multi-ai-tgbot-go/internal/services/storage"
	"github.com/multi-ai-tgbot-go/internal/telegram"
	"github.com/sirupsen/logrus"
)

const (
	secretHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxBodyBytes = 1 << 20
)

// UpdateHandler runs one update to completion
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update *models.Update)
}

// DuplicateRecorder counts redelivered updates
type DuplicateRecorder interface {
	RecordDuplicateUpdate()
}

// UpdateSource is a long polling connection to the Bot API
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Server accepts updates by webhook or long polling and hands each one to
// the handler on its own goroutine
type Server struct {
	cfg        *config.Config
	handler    UpdateHandler
	store      storage.KeyValueStore
	metrics    DuplicateRecorder
	logger     *logrus.Logger
	httpServer *http.Server

	// base context of in-flight updates, cancelled once draining gives up
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates the update server
func NewServer(cfg *config.Config, handler UpdateHandler, store storage.KeyValueStore, metrics DuplicateRecorder, logger *logrus.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		store:   store,
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Router exposes the webhook, plus the metrics and health routes when they
// share the webhook port
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(s.cfg.Bot.Webhook.Path, s.handleWebhook).Methods(http.MethodPost)
	if s.SharesMetricsPort() {
		middleware.RegisterRoutes(router, s.cfg.Monitoring.Metrics.Path)
	}
	return router
}

// SharesMetricsPort reports whether metrics are served by the webhook server
func (s *Server) SharesMetricsPort() bool {
	m := s.cfg.Monitoring.Metrics
	return m.Enabled && (m.Port == 0 || m.Port == s.cfg.Bot.Webhook.Port)
}

// ListenAndServe serves the webhook until Shutdown
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Bot.Webhook.Port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.WithFields(logrus.Fields{
		"port": s.cfg.Bot.Webhook.Port,
		"path": s.cfg.Bot.Webhook.Path,
	}).Info("Starting webhook server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Poll pulls updates until ctx is done
func (s *Server) Poll(ctx context.Context, source UpdateSource) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = s.cfg.Bot.UpdateTimeout
	updates := source.GetUpdatesChan(u)
	s.logger.Info("Using long polling")

	for {
		select {
		case <-ctx.Done():
			source.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.Dispatch(ctx, &update)
		}
	}
}

// Shutdown stops accepting updates and waits for in-flight ones until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for in-flight updates")
	}
	s.cancel()
	return err
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if secret := s.cfg.Bot.Webhook.Secret; secret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			s.logger.WithField("remote", r.RemoteAddr).Warn("Rejected webhook call with bad secret")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&update); err != nil {
		// a malformed body will not get better on redelivery
		s.logger.WithError(err).Warn("Failed to decode webhook update")
		w.WriteHeader(http.StatusOK)
		return
	}

	s.Dispatch(r.Context(), &update)
	w.WriteHeader(http.StatusOK)
}

// Dispatch drops redelivered updates and runs the rest in the background
func (s *Server) Dispatch(ctx context.Context, raw *tgbotapi.Update) {
	if s.seen(ctx, raw.UpdateID) {
		s.metrics.RecordDuplicateUpdate()
		s.logger.WithField("update_id", raw.UpdateID).Debug("Skipping duplicate update")
		return
	}

	update := telegram.ConvertUpdate(raw)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.WithFields(logrus.Fields{
					"update_id": update.ID,
					"panic":     rec,
					"stack":     string(debug.Stack()),
				}).Error("Recovered from panic while handling update")
			}
		}()
		s.handler.HandleUpdate(s.ctx, update)
	}()
}

// seen marks updateID as delivered and reports whether it already was.
// A storage failure lets the update through.
func (s *Server) seen(ctx context.Context, updateID int) bool {
	key := "update:" + strconv.Itoa(updateID)
	if _, found, err := s.store.Get(ctx, key); err != nil {
		s.logger.WithError(err).Warn("Failed to check update deduplication")
	} else if found {
		return true
	}

	if err := s.store.Set(ctx, key, "1", s.cfg.Storage.TTL.Dedup); err != nil {
		s.logger.WithError(err).Warn("Failed to record update id")
	}
	return false
}
