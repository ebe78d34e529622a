package httpretry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func setupExecutor() *Executor {
	return New(rate.NewLimiter(rate.Inf, 1), zap.NewNop())
}

func TestExecutor_ClientErrorIsNotRetried(t *testing.T) {
	// Arrange
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	client := resty.New().SetBaseURL(srv.URL)

	// Act
	_, err := setupExecutor().Do(context.Background(), http.MethodGet, "/x", client.R())

	// Assert
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutor_ServerErrorIsRetried(t *testing.T) {
	// Arrange: first response 500, then success
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	client := resty.New().SetBaseURL(srv.URL)

	// Act
	resp, err := setupExecutor().Do(context.Background(), http.MethodGet, "/x", client.R())

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecutor_NotFoundPassThrough(t *testing.T) {
	// Arrange
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	client := resty.New().SetBaseURL(srv.URL)

	// Act + Assert: a plain executor treats 404 as a failure
	_, err := setupExecutor().Do(context.Background(), http.MethodGet, "/x", client.R())
	assert.Error(t, err)

	// With pass-through the caller gets the response back
	resp, err := setupExecutor().WithPassNotFound().Do(context.Background(), http.MethodGet, "/x", client.R())
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())
}
