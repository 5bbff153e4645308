package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chanpass/pkg/config"
)

type fakePinger struct {
	err   error
	calls int
}

func (f *fakePinger) Ping(context.Context) error {
	f.calls++
	return f.err
}

func healthConfig() *config.Config {
	return &config.Config{App: config.AppConfig{Env: "dev"}}
}

func TestHealthLive(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthLive(healthConfig())(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Header().Get("X-Chanpass-Env") != "dev" {
		t.Fatalf("missing env header")
	}
}

func TestHealthReadyPingsDependencies(t *testing.T) {
	db := &fakePinger{}
	redis := &fakePinger{}
	rec := httptest.NewRecorder()
	HealthReady(healthConfig(), testLogger(), db, redis)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if db.calls != 1 || redis.calls != 1 {
		t.Fatalf("both dependencies must be pinged: db=%d redis=%d", db.calls, redis.calls)
	}
}

func TestHealthReadyFailsWhenDatabaseDown(t *testing.T) {
	db := &fakePinger{err: errors.New("connection refused")}
	redis := &fakePinger{}
	rec := httptest.NewRecorder()
	HealthReady(healthConfig(), testLogger(), db, redis)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestHealthReadyFailsWhenRedisDown(t *testing.T) {
	db := &fakePinger{}
	redis := &fakePinger{err: errors.New("connection refused")}
	rec := httptest.NewRecorder()
	HealthReady(healthConfig(), testLogger(), db, redis)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}
