package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"xfactor-bot-go/internal/activity"
	"xfactor-bot-go/internal/bot"
	"xfactor-bot-go/internal/broker"
	"xfactor-bot-go/internal/marketdata"
	"xfactor-bot-go/internal/scheduler"
)

// APIServer provides the HTTP interface for the bot service.
type APIServer struct {
	server   *http.Server
	manager  *bot.Manager
	registry *broker.Registry
	sched    *scheduler.Scheduler
	data     *marketdata.Cache
	activity *activity.Log
	logger   *zap.Logger
}

// NewAPIServer creates a new APIServer listening on the given port.
func NewAPIServer(port int, manager *bot.Manager, registry *broker.Registry,
	sched *scheduler.Scheduler, data *marketdata.Cache, log *activity.Log,
	logger *zap.Logger) *APIServer {

	s := &APIServer{
		manager:  manager,
		registry: registry,
		sched:    sched,
		data:     data,
		activity: log,
		logger:   logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("GET /api/bots", s.listBotsHandler)
	mux.HandleFunc("POST /api/bots", s.createBotHandler)
	mux.HandleFunc("GET /api/bots/{id}", s.getBotHandler)
	mux.HandleFunc("DELETE /api/bots/{id}", s.deleteBotHandler)
	mux.HandleFunc("POST /api/bots/{id}/start", s.botAction((*bot.Bot).Start))
	mux.HandleFunc("POST /api/bots/{id}/stop", s.botAction((*bot.Bot).Stop))
	mux.HandleFunc("POST /api/bots/{id}/pause", s.botAction((*bot.Bot).Pause))
	mux.HandleFunc("POST /api/bots/{id}/resume", s.botAction((*bot.Bot).Resume))
	mux.HandleFunc("POST /api/bots/start-all", s.bulkHandler(manager.StartAll))
	mux.HandleFunc("POST /api/bots/stop-all", s.bulkHandler(manager.StopAll))
	mux.HandleFunc("POST /api/bots/pause-all", s.bulkHandler(manager.PauseAll))
	mux.HandleFunc("GET /api/bots/{id}/activity", s.botActivityHandler)
	mux.HandleFunc("PUT /api/bots/{id}/schedule", s.scheduleHandler)

	mux.HandleFunc("GET /api/brokers", s.brokersHandler)
	mux.HandleFunc("GET /api/brokers/events", s.brokerEventsHandler)
	mux.HandleFunc("POST /api/brokers/{type}/connect", s.connectBrokerHandler)
	mux.HandleFunc("POST /api/brokers/{type}/reconnect", s.reconnectBrokerHandler)
	mux.HandleFunc("DELETE /api/brokers/{type}", s.disconnectBrokerHandler)

	mux.HandleFunc("GET /api/market/stats", s.marketStatsHandler)
	mux.HandleFunc("GET /api/activity", s.activityHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// createBotRequest is the POST /api/bots payload. The schedule is optional;
// without one the bot only runs when started by hand.
type createBotRequest struct {
	Name            string                    `json:"name"`
	Symbols         []string                  `json:"symbols"`
	StrategyWeights map[string]float64        `json:"strategy_weights,omitempty"`
	MaxPositionSize float64                   `json:"max_position_size,omitempty"`
	MaxPositionPct  float64                   `json:"max_position_pct,omitempty"`
	MaxPositions    int                       `json:"max_positions,omitempty"`
	MaxDailyLossPct float64                   `json:"max_daily_loss_pct,omitempty"`
	Routing         broker.RoutingPolicy      `json:"routing,omitempty"`
	Schedule        *scheduler.ScheduleConfig `json:"schedule,omitempty"`
}

func (s *APIServer) createBotHandler(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	b, err := s.manager.Create(bot.Config{
		Name:            req.Name,
		Symbols:         req.Symbols,
		StrategyWeights: req.StrategyWeights,
		MaxPositionSize: req.MaxPositionSize,
		MaxPositionPct:  req.MaxPositionPct,
		MaxPositions:    req.MaxPositions,
		MaxDailyLossPct: req.MaxDailyLossPct,
		Routing:         req.Routing,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Schedule != nil {
		if err := s.sched.AddSchedule(b.ID, *req.Schedule); err != nil {
			// The bot exists either way; report the bad schedule so the
			// caller can PUT a corrected one.
			s.writeJSON(w, http.StatusCreated, map[string]any{
				"id":             b.ID,
				"status":         b.Status(),
				"schedule_error": err.Error(),
			})
			return
		}
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":     b.ID,
		"status": b.Status(),
	})
}

func (s *APIServer) listBotsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *APIServer) getBotHandler(w http.ResponseWriter, r *http.Request) {
	b, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":     b.ID,
		"status": b.Status(),
		"config": b.Config(),
		"stats":  b.Stats(),
	})
}

func (s *APIServer) deleteBotHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Delete(id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.sched.RemoveSchedule(id)
	w.WriteHeader(http.StatusNoContent)
}

// botAction adapts a lifecycle method into a handler. Transition errors map
// to 409 so callers can tell "wrong state" from "unknown bot".
func (s *APIServer) botAction(fn func(*bot.Bot) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := s.manager.Get(r.PathValue("id"))
		if err != nil {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		if err := fn(b); err != nil {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"id":     b.ID,
			"status": b.Status(),
		})
	}
}

func (s *APIServer) bulkHandler(fn func() map[string]error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		errs := fn()
		out := make(map[string]string, len(errs))
		for id, err := range errs {
			out[id] = err.Error()
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"errors": out})
	}
}

func (s *APIServer) botActivityHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.activity.Entries(id, 100))
}

func (s *APIServer) activityHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.activity.Entries("", 200))
}

func (s *APIServer) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	var sc scheduler.ScheduleConfig
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.sched.AddSchedule(id, sc); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) brokersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Status())
}

func (s *APIServer) brokerEventsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Events(100))
}

func (s *APIServer) connectBrokerHandler(w http.ResponseWriter, r *http.Request) {
	t := broker.Type(r.PathValue("type"))
	var cfg broker.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.registry.Connect(ctx, t, cfg); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"broker": string(t), "state": "connected"})
}

func (s *APIServer) reconnectBrokerHandler(w http.ResponseWriter, r *http.Request) {
	t := broker.Type(r.PathValue("type"))
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.registry.ForceReconnect(ctx, t); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"broker": string(t), "state": "connected"})
}

func (s *APIServer) disconnectBrokerHandler(w http.ResponseWriter, r *http.Request) {
	t := broker.Type(r.PathValue("type"))
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.registry.Disconnect(ctx, t); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) marketStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.data.Stats())
}
