package main

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeHTTP_ListenFailureStopsBackgroundLoops(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	var stopped atomic.Bool
	loop := func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	}
	srv := &http.Server{Addr: taken.Addr().String(), ReadHeaderTimeout: time.Second}

	done := make(chan error, 1)
	go func() { done <- serveHTTP(context.Background(), srv, time.Second, loop) }()

	select {
	case err := <-done:
		require.Error(t, err, "the address is already in use")
		assert.True(t, stopped.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("serveHTTP did not return after the listener failed")
	}
}

func TestServeHTTP_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var stopped atomic.Bool
	loop := func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	}
	srv := &http.Server{Addr: "127.0.0.1:0", ReadHeaderTimeout: time.Second}

	done := make(chan error, 1)
	go func() { done <- serveHTTP(ctx, srv, time.Second, loop) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.True(t, stopped.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("serveHTTP did not return after cancel")
	}
}
