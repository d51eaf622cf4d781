package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/resolve"
	"github.com/stuhub/classtrack-sync/internal/session"
)

// startTestServer runs a server on an ephemeral port.
func startTestServer(t *testing.T) *Server {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	logger := log.New(os.Stderr, "[test] ", 0)
	coordinator := session.New(database, logger, session.Config{}, 0)

	srv := NewServer(&Config{Port: 0, Logger: logger}, database, coordinator)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("failed to stop server: %v", err)
		}
	})

	return srv
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestRegisterAndSync(t *testing.T) {
	srv := startTestServer(t)
	base := "http://" + srv.GetAddr()

	var reg struct {
		ClientID string `json:"clientId"`
	}
	status := postJSON(t, base+"/register", map[string]string{
		"token":  "tok-1",
		"userId": "user-1",
	}, &reg)
	if status != http.StatusOK {
		t.Fatalf("register returned %d", status)
	}
	if reg.ClientID == "" {
		t.Fatal("expected a client id")
	}

	syncReq := map[string]interface{}{
		"clientId":     reg.ClientID,
		"lastKnownSeq": 0,
		"mutations": []map[string]interface{}{{
			"mutationId":  "m-1",
			"ref":         map[string]string{"type": "note", "id": "n-1"},
			"baseVersion": 0,
			"op":          "create",
			"fields":      map[string]interface{}{"title": "Biology", "body": "mitosis"},
		}},
	}

	var result session.Result
	status = postJSON(t, base+"/sync", syncReq, &result)
	if status != http.StatusOK {
		t.Fatalf("sync returned %d", status)
	}
	if len(result.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(result.Outcomes))
	}
	if result.Outcomes[0].Outcome != resolve.OutcomeApplied {
		t.Errorf("expected applied, got %+v", result.Outcomes[0])
	}
	if result.NewAckSeq != result.Outcomes[0].Seq {
		t.Errorf("ack should cover the new entry: %d vs %d",
			result.NewAckSeq, result.Outcomes[0].Seq)
	}
}

func TestSyncUnknownClient(t *testing.T) {
	srv := startTestServer(t)
	base := "http://" + srv.GetAddr()

	status := postJSON(t, base+"/sync", map[string]interface{}{
		"clientId":     "ghost",
		"lastKnownSeq": 0,
	}, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown client, got %d", status)
	}
}

func TestSyncInvalidCursorMapsToResync(t *testing.T) {
	srv := startTestServer(t)
	base := "http://" + srv.GetAddr()

	var reg struct {
		ClientID string `json:"clientId"`
	}
	postJSON(t, base+"/register", map[string]string{
		"token": "tok-1", "userId": "user-1",
	}, &reg)

	var body struct {
		Kind   string `json:"kind"`
		Action string `json:"action"`
	}
	status := postJSON(t, base+"/sync", map[string]interface{}{
		"clientId":     reg.ClientID,
		"lastKnownSeq": 9999,
	}, &body)

	if status != http.StatusConflict {
		t.Fatalf("expected 409 for invalid cursor, got %d", status)
	}
	if body.Action != "resync" {
		t.Errorf("expected resync instruction, got %q", body.Action)
	}
}

func TestHealth(t *testing.T) {
	srv := startTestServer(t)

	resp, err := http.Get("http://" + srv.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	srv := startTestServer(t)

	resp, err := http.Get("http://" + srv.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	for _, key := range []string{"entries", "maxSeq", "clients", "markers", "devices"} {
		if _, ok := body[key]; !ok {
			t.Errorf("status missing %q: %v", key, body)
		}
	}
}

func TestStopBeforeStart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	logger := log.New(os.Stderr, "[test] ", 0)
	coordinator := session.New(database, logger, session.Config{}, 0)
	srv := NewServer(&Config{Port: 0, Logger: logger}, database, coordinator)

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop before Start should be a no-op: %v", err)
	}
}

func TestSyncRejectsGet(t *testing.T) {
	srv := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/sync", srv.GetAddr()))
	if err != nil {
		t.Fatalf("GET /sync failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
