package uds

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	// Use /tmp directly to stay under the Unix socket path length limit
	dir, err := os.MkdirTemp("/tmp", "drover-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sockPath := filepath.Join(dir, "t.sock")

	server := NewServer(sockPath, zap.NewNop().Sugar())
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)

	return server, client
}

func TestServer_RoundTrip(t *testing.T) {
	server, client := setupTestServer(t)

	server.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("ping", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error: %+v", resp.Error)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["status"] != "ok" {
		t.Errorf("status = %q, want ok", data["status"])
	}
}

func TestServer_ParamsRoundTrip(t *testing.T) {
	server, client := setupTestServer(t)

	type syncParams struct {
		MachineID string `json:"machine_id"`
	}

	server.Handle("sync", func(req *Request) *Response {
		var p syncParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]string{"machine_id": p.MachineID})
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("sync", syncParams{MachineID: "mach_1"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error: %+v", resp.Error)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("bogus", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown command")
	}
	if resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("code = %s, want %s", resp.Error.Code, ErrCodeUnknownCommand)
	}
}

func TestServer_ProtocolMismatch(t *testing.T) {
	server, client := setupTestServer(t)

	server.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(nil)
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "ping"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for protocol mismatch")
	}
	if resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("code = %s, want %s", resp.Error.Code, ErrCodeProtocolMismatch)
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient("/tmp/drover-no-such-socket.sock")
	client.SetTimeout(time.Second)

	if _, err := client.SendCommand("ping", nil); err == nil {
		t.Fatal("expected connection error")
	}
}
