package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prodimport/importer/internal/config"
)

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := NewServer(config.ServerConfig{}, nil)

	rec := doRequest(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestReadyz_AllChecksPass(t *testing.T) {
	s := NewServer(config.ServerConfig{}, map[string]Checker{
		"database": func(ctx context.Context) error { return nil },
		"queue":    func(ctx context.Context) error { return nil },
	})

	rec := doRequest(t, s, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyz_FailingCheck(t *testing.T) {
	s := NewServer(config.ServerConfig{}, map[string]Checker{
		"database": func(ctx context.Context) error { return nil },
		"queue":    func(ctx context.Context) error { return errors.New("disk full") },
	})

	rec := doRequest(t, s, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var body struct {
		Status  string            `json:"status"`
		Failing map[string]string `json:"failing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Failing["queue"] != "disk full" {
		t.Errorf("failing = %v, want queue named", body.Failing)
	}
}
