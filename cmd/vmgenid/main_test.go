package main

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmgenid/internal/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// listenable reports whether nothing is serving on addr any more.
func listenable(addr string) bool {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func TestServeConsumerFailureStopsBackground(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Listen = freeAddr(t)
	cfg.Consumers.Journal = filepath.Join(t.TempDir(), "missing", "journal")

	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), cfg, serveOptions{simulate: true, simInterval: time.Millisecond})
	}()

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "journal")
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after a consumer failed")
	}
	// The metrics server was shut down before serve returned.
	assert.True(t, listenable(cfg.Metrics.Listen))
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Listen = freeAddr(t)
	cfg.Consumers.Journal = filepath.Join(t.TempDir(), "journal")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, serveOptions{simulate: true, simInterval: time.Millisecond})
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Metrics.Listen + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.True(t, listenable(cfg.Metrics.Listen))
}
