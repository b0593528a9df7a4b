package jrpc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/tidegate/go-jrpc"
)

// rawServerConn exposes the raw frame stream of a running server for tests
// that need to speak the wire protocol directly.
type rawServerConn struct {
	writer  *io.PipeWriter
	scanner *bufio.Scanner
}

func startRawServer(t *testing.T, configure func(*jrpc.Server)) (*rawServerConn, func()) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := jrpc.NewStdIO(serverReader, serverWriter)
	srv := jrpc.NewServer(jrpc.Info{Name: "raw-server", Version: "0.1"}, serverTransport)
	if configure != nil {
		configure(srv)
	}
	go srv.Serve()

	scanner := bufio.NewScanner(clientReader)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	return &rawServerConn{writer: clientWriter, scanner: scanner}, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		clientWriter.Close()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
	}
}

func (c *rawServerConn) sendFrame(t *testing.T, frame string) {
	t.Helper()
	if _, err := fmt.Fprintln(c.writer, frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func (c *rawServerConn) readMessage(t *testing.T) jrpc.Message {
	t.Helper()
	if !c.scanner.Scan() {
		t.Fatalf("no frame received: %v", c.scanner.Err())
	}
	var msg jrpc.Message
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		t.Fatalf("failed to unmarshal frame %q: %v", c.scanner.Text(), err)
	}
	return msg
}

func TestServerInitializeHandshake(t *testing.T) {
	conn, cleanup := startRawServer(t, nil)
	defer cleanup()

	conn.sendFrame(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"raw","version":"0"}}}`)

	resp := conn.readMessage(t)
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}

	var result struct {
		ProtocolVersion string    `json:"protocolVersion"`
		ServerInfo      jrpc.Info `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.ServerInfo.Name != "raw-server" {
		t.Errorf("wrong server name. Got %s, want raw-server", result.ServerInfo.Name)
	}
	if result.ProtocolVersion == "" {
		t.Error("result must carry a protocol version")
	}
}

func TestServerRejectsUnsupportedProtocolVersion(t *testing.T) {
	conn, cleanup := startRawServer(t, nil)
	defer cleanup()

	conn.sendFrame(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01","clientInfo":{"name":"raw","version":"0"}}}`)

	resp := conn.readMessage(t)
	if resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != jrpc.CodeInvalidParams {
		t.Errorf("wrong error code. Got %d, want %d", resp.Error.Code, jrpc.CodeInvalidParams)
	}
}

func TestServerRejectsSecondInitialize(t *testing.T) {
	conn, cleanup := startRawServer(t, nil)
	defer cleanup()

	init := `{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"raw","version":"0"}}}`

	conn.sendFrame(t, fmt.Sprintf(init, 1))
	if resp := conn.readMessage(t); resp.Error != nil {
		t.Fatalf("first initialize failed: %v", resp.Error)
	}

	conn.sendFrame(t, fmt.Sprintf(init, 2))
	resp := conn.readMessage(t)
	if resp.Error == nil {
		t.Fatal("expected an error response for the second initialize")
	}
	if resp.Error.Code != jrpc.CodeInvalidRequest {
		t.Errorf("wrong error code. Got %d, want %d", resp.Error.Code, jrpc.CodeInvalidRequest)
	}
}

func TestServerBatchOverWire(t *testing.T) {
	conn, cleanup := startRawServer(t, func(srv *jrpc.Server) {
		srv.Register("sum", func(_ context.Context, params json.RawMessage) (any, error) {
			var nums []int
			if err := json.Unmarshal(params, &nums); err != nil {
				return nil, err
			}
			total := 0
			for _, n := range nums {
				total += n
			}
			return total, nil
		})
	})
	defer cleanup()

	conn.sendFrame(t, `[`+
		`{"jsonrpc":"2.0","id":1,"method":"sum","params":[1,2,3]},`+
		`{"jsonrpc":"2.0","id":2,"method":"sum","params":[10,20]}`+
		`]`)

	if !conn.scanner.Scan() {
		t.Fatalf("no batch response received: %v", conn.scanner.Err())
	}
	var responses []jrpc.Message
	if err := json.Unmarshal(conn.scanner.Bytes(), &responses); err != nil {
		t.Fatalf("batch response is not an array: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("wrong response count. Got %d, want 2", len(responses))
	}
	if string(responses[0].Result) != "6" {
		t.Errorf("wrong first result. Got %s, want 6", responses[0].Result)
	}
	if string(responses[1].Result) != "30" {
		t.Errorf("wrong second result. Got %s, want 30", responses[1].Result)
	}
}

func TestServerLateRegistration(t *testing.T) {
	var srv *jrpc.Server
	conn, cleanup := startRawServer(t, func(s *jrpc.Server) { srv = s })
	defer cleanup()

	conn.sendFrame(t, `{"jsonrpc":"2.0","id":1,"method":"late","params":{}}`)
	resp := conn.readMessage(t)
	if resp.Error == nil || resp.Error.Code != jrpc.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %v", resp)
	}

	// Handlers registered after the server started reach running sessions,
	// as all sessions share the server's dispatcher.
	srv.Register("late", func(_ context.Context, _ json.RawMessage) (any, error) {
		return "better late", nil
	})

	conn.sendFrame(t, `{"jsonrpc":"2.0","id":2,"method":"late","params":{}}`)
	resp = conn.readMessage(t)
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	if string(resp.Result) != `"better late"` {
		t.Errorf("wrong result. Got %s, want \"better late\"", resp.Result)
	}
}
