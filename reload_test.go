package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tp-checklist/offline-hub/internal/config"
	"github.com/tp-checklist/offline-hub/internal/logging"
)

func TestServiceRegistersAndReloadsWorker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	defer upstream.Close()

	cfg := newServiceConfig(upstream.URL)
	svc, err := newService(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newService error: %v", err)
	}
	defer svc.close()

	svc.registerInitial(context.Background())
	if active := svc.host.Active(); active == nil || active.Version() != "tp-checklist-v1" {
		t.Fatalf("expected v1 to be active after startup")
	}

	next := newServiceConfig(upstream.URL)
	next.Worker.CacheVersion = "tp-checklist-v2"
	svc.reload(next, nil)

	if active := svc.host.Active(); active == nil || active.Version() != "tp-checklist-v2" {
		t.Fatalf("expected v2 to be active after reload")
	}
	names, err := svc.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "tp-checklist-v2" {
		t.Fatalf("expected only v2 bucket, got %v", names)
	}
}

func TestServiceReloadIgnoresInvalidConfig(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	svc, err := newService(context.Background(), newServiceConfig(upstream.URL), logging.Discard())
	if err != nil {
		t.Fatalf("newService error: %v", err)
	}
	defer svc.close()
	svc.registerInitial(context.Background())

	svc.reload(nil, errors.New("Upstream: required"))
	if active := svc.host.Active(); active == nil || active.Version() != "tp-checklist-v1" {
		t.Fatalf("invalid reload must keep the current worker")
	}
}

func TestServiceStartsInPassthroughWhenInstallFails(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	svc, err := newService(context.Background(), newServiceConfig(upstream.URL), logging.Discard())
	if err != nil {
		t.Fatalf("newService error: %v", err)
	}
	defer svc.close()

	svc.registerInitial(context.Background())
	if svc.host.Active() != nil {
		t.Fatalf("no worker should be active when install fails")
	}
}

func newServiceConfig(upstream string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:     5000,
			Upstream:       upstream,
			StorageBackend: config.BackendMemory,
		},
		Worker: config.WorkerConfig{
			CacheVersion:   "tp-checklist-v1",
			Assets:         []string{"/index.html", "/manifest.webmanifest"},
			BypassPatterns: []string{"/checklist/", "/metrics/"},
		},
	}
}
