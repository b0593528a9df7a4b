package jrpc_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidegate/go-jrpc"
)

func startWSPair(t *testing.T) (jrpc.Session, jrpc.Session, func()) {
	t.Helper()

	srv := jrpc.NewWSServer()
	httpSrv := httptest.NewServer(srv)

	serverSessions := make(chan jrpc.Session, 1)
	go func() {
		for sess := range srv.Sessions() {
			serverSessions <- sess
		}
	}()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	cli := jrpc.NewWSClient(wsURL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientSession, err := cli.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}

	var serverSession jrpc.Session
	select {
	case serverSession = <-serverSessions:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server session")
	}

	return clientSession, serverSession, func() {
		clientSession.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("failed to shutdown WebSocket server: %v", err)
		}
		httpSrv.Close()
	}
}

func TestWSRoundTrip(t *testing.T) {
	clientSession, serverSession, cleanup := startWSPair(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverFrame := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"fromServer","params":{}}`)
	if err := serverSession.Send(ctx, serverFrame); err != nil {
		t.Fatalf("failed to send server frame: %v", err)
	}

	clientFrames := make(chan json.RawMessage, 1)
	go func() {
		for frame := range clientSession.Messages() {
			clientFrames <- frame
			return
		}
	}()

	select {
	case frame := <-clientFrames:
		if string(frame) != string(serverFrame) {
			t.Errorf("client received wrong frame. Got %s, want %s", frame, serverFrame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client frame")
	}

	clientFrame := json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"fromClient","params":{}}`)
	if err := clientSession.Send(ctx, clientFrame); err != nil {
		t.Fatalf("failed to send client frame: %v", err)
	}

	serverFrames := make(chan json.RawMessage, 1)
	go func() {
		for frame := range serverSession.Messages() {
			serverFrames <- frame
			return
		}
	}()

	select {
	case frame := <-serverFrames:
		if string(frame) != string(clientFrame) {
			t.Errorf("server received wrong frame. Got %s, want %s", frame, clientFrame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server frame")
	}
}

func TestWSSessionStopEndsMessages(t *testing.T) {
	clientSession, serverSession, cleanup := startWSPair(t)
	defer cleanup()

	ended := make(chan struct{})
	go func() {
		for range serverSession.Messages() {
		}
		close(ended)
	}()

	clientSession.Stop()

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("server message stream did not end after client stop")
	}
}
