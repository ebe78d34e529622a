package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"xfactor-bot-go/internal/activity"
	"xfactor-bot-go/internal/bot"
	"xfactor-bot-go/internal/broker"
	"xfactor-bot-go/internal/config"
	"xfactor-bot-go/internal/marketdata"
	"xfactor-bot-go/internal/scheduler"
)

type nullProvider struct{}

func (nullProvider) History(ctx context.Context, symbol string) ([]marketdata.Bar, error) {
	return nil, nil
}

func setupAPI(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	registry := broker.NewRegistry(&config.Brokers{
		HealthCheckIntervalSeconds: 60,
		MaxReconnectAttempts:       3,
		CallTimeoutSeconds:         2,
		EventLogSize:               100,
	}, logger)
	registry.RegisterFactory("paper", broker.PaperFactory)

	cache := marketdata.NewCache(nullProvider{}, time.Minute, time.Second, 3, logger)
	log := activity.NewLog(100)
	manager := bot.NewManager(&config.Bots{
		MaxBots:              10,
		CycleIntervalSeconds: 60,
		CallTimeoutSeconds:   2,
		StopTimeoutSeconds:   2,
		TradeHistorySize:     10,
		ActivityLogSize:      100,
	}, registry, cache, log, nil, logger)

	schedCfg := &config.Scheduler{
		TickIntervalSeconds: 30,
		MarketOpen:          "09:30",
		MarketClose:         "16:00",
		PreMarketOpen:       "04:00",
		AfterHoursClose:     "20:00",
	}
	calendar, err := scheduler.NewCalendar(schedCfg)
	assert.NoError(t, err)
	sched := scheduler.New(schedCfg, calendar, scheduler.SystemClock{Location: time.UTC},
		manager.HandleTrigger, logger)

	api := NewAPIServer(0, manager, registry, sched, cache, log, logger)
	ts := httptest.NewServer(api.server.Handler)
	t.Cleanup(func() {
		manager.StopAll()
		ts.Close()
	})
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	assert.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	assert.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAPI_Health(t *testing.T) {
	ts := setupAPI(t)

	resp, err := http.Get(ts.URL + "/health")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_BotLifecycle(t *testing.T) {
	ts := setupAPI(t)

	// Create
	resp := postJSON(t, ts.URL+"/api/bots", map[string]any{
		"name":    "api-bot",
		"symbols": []string{"AAPL"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "created", created.Status)

	// List
	resp, err := http.Get(ts.URL + "/api/bots")
	assert.NoError(t, err)
	var list []map[string]any
	decode(t, resp, &list)
	assert.Len(t, list, 1)

	// Start
	resp = postJSON(t, ts.URL+"/api/bots/"+created.ID+"/start", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Starting again conflicts once the worker is up
	assert.Eventually(t, func() bool {
		resp := postJSON(t, ts.URL+"/api/bots/"+created.ID+"/start", nil)
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusConflict
	}, 2*time.Second, 20*time.Millisecond)

	// Detail
	var detail struct {
		Status string     `json:"status"`
		Config bot.Config `json:"config"`
	}
	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/bots/" + created.ID)
		if err != nil {
			return false
		}
		decode(t, resp, &detail)
		return detail.Status == "running"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "api-bot", detail.Config.Name)

	// Stop and delete
	resp = postJSON(t, ts.URL+"/api/bots/"+created.ID+"/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/bots/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/bots/" + created.ID)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_CreateRejectsBadConfig(t *testing.T) {
	ts := setupAPI(t)

	resp := postJSON(t, ts.URL+"/api/bots", map[string]any{"symbols": []string{"AAPL"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_UnknownBotActions(t *testing.T) {
	ts := setupAPI(t)

	resp := postJSON(t, ts.URL+"/api/bots/nope/start", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Brokers(t *testing.T) {
	ts := setupAPI(t)

	// Connect the paper broker over the API
	resp := postJSON(t, ts.URL+"/api/brokers/paper/connect", map[string]string{
		"starting_cash": "5000",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Status reflects it
	resp, err := http.Get(ts.URL + "/api/brokers")
	assert.NoError(t, err)
	var status broker.Status
	decode(t, resp, &status)
	assert.ElementsMatch(t, []broker.Type{"paper"}, status.Connected)
	assert.Equal(t, broker.Type("paper"), status.Default)

	// Events were recorded
	resp, err = http.Get(ts.URL + "/api/brokers/events")
	assert.NoError(t, err)
	var events []broker.ConnectionEvent
	decode(t, resp, &events)
	assert.NotEmpty(t, events)

	// Disconnect
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/brokers/paper", nil)
	resp, err = http.DefaultClient.Do(req)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Disconnecting again is a 404
	resp, err = http.DefaultClient.Do(req)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_SchedulePut(t *testing.T) {
	ts := setupAPI(t)

	resp := postJSON(t, ts.URL+"/api/bots", map[string]any{
		"name":    "sched-bot",
		"symbols": []string{"AAPL"},
	})
	var created struct {
		ID string `json:"id"`
	}
	decode(t, resp, &created)

	raw, _ := json.Marshal(scheduler.ScheduleConfig{Type: scheduler.Interval, IntervalMinutes: 5})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/bots/"+created.ID+"/schedule", bytes.NewReader(raw))
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Invalid schedules are rejected
	raw, _ = json.Marshal(scheduler.ScheduleConfig{Type: scheduler.Interval})
	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/api/bots/"+created.ID+"/schedule", bytes.NewReader(raw))
	resp, err = http.DefaultClient.Do(req)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
