package db

import (
	"errors"
	"net/http"
	"testing"
)

func TestHealthOfHealthyPool(t *testing.T) {
	status, body := healthOf(nil, PoolStats{Total: 3, Idle: 2, Max: 20})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body.Status != "ok" || body.Error != "" {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Database.Total != 3 {
		t.Fatalf("expected pool stats carried through, got %+v", body.Database)
	}
}

func TestHealthOfUnreachableDatabase(t *testing.T) {
	status, body := healthOf(errors.New("connection refused"), PoolStats{})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if body.Status != "unhealthy" || body.Error != "connection refused" {
		t.Fatalf("unexpected body %+v", body)
	}
}
