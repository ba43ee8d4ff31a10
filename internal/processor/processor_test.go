package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"edgewatch/internal/config"
	"edgewatch/internal/models"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Node = "test-node"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.MQTT.Broker = ""
	cfg.Emitter.BatchTimeout = 10 * time.Millisecond
	return cfg
}

func startProcessor(t *testing.T, cfg *config.Config) (*Processor, string, func()) {
	t.Helper()

	p := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	select {
	case <-p.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("Run returned before ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("processor did not become ready")
	}

	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("expected nil error on graceful shutdown, got %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("processor did not shut down in time")
		}
	}
	return p, "http://" + p.Addr(), stop
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

type alertsResponse struct {
	Count  int                 `json:"count"`
	Alerts []models.AlertEvent `json:"alerts"`
}

func waitForAlerts(t *testing.T, url string, want int) alertsResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var body alertsResponse
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET %s: %v", url, err)
		}
		body = alertsResponse{}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode alerts: %v", err)
		}
		if body.Count >= want {
			return body
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected %d alerts, got %d", want, body.Count)
	return body
}

func TestProcessorGracefulShutdown(t *testing.T) {
	_, _, stop := startProcessor(t, testConfig())
	stop()
}

func TestProcessorListenError(t *testing.T) {
	cfg := testConfig()
	cfg.HTTPAddr = "127.0.0.1:-1"

	if err := New(cfg).Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestProcessorReadingsToAlertHistory(t *testing.T) {
	_, base, stop := startProcessor(t, testConfig())
	defer stop()

	resp := postJSON(t, base+"/readings", `[
		{"device_id": "pump1", "metric": "pressure", "value": 60},
		{"device_id": "pump1", "metric": "pressure", "value": 98},
		{"device_id": "pump1", "metric": "pressure", "value": 99},
		{"device_id": "pump1", "metric": "pressure", "value": 100}
	]`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	body := waitForAlerts(t, base+"/alerts?device_id=pump1", 1)

	// later readings fall inside the cooldown window
	time.Sleep(100 * time.Millisecond)
	body = waitForAlerts(t, base+"/alerts?device_id=pump1", 1)
	if body.Count != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", body.Count)
	}

	alert := body.Alerts[0]
	if alert.DeviceID != "pump1" || alert.Metric != models.MetricPressure {
		t.Errorf("unexpected alert %+v", alert)
	}
	if alert.Value != 98 {
		t.Errorf("alert value = %v, want 98", alert.Value)
	}
}

func TestProcessorHealthAndStats(t *testing.T) {
	_, base, stop := startProcessor(t, testConfig())
	defer stop()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp = postJSON(t, base+"/readings", `{"device_id": "pump2", "metric": "flow_rate", "value": 150}`)
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	var stats StatsResponse
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/stats")
		if err != nil {
			t.Fatal(err)
		}
		err = json.NewDecoder(resp.Body).Decode(&stats)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if stats.Ingest.Evaluated >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if stats.Ingest.Evaluated != 1 {
		t.Errorf("evaluated = %d, want 1", stats.Ingest.Evaluated)
	}
	if stats.StateKeys != 1 {
		t.Errorf("state keys = %d, want 1", stats.StateKeys)
	}
	if len(stats.Sinks) != 2 {
		t.Errorf("sinks = %v, want history and websocket", stats.Sinks)
	}
}

func TestProcessorAlertStream(t *testing.T) {
	p, base, stop := startProcessor(t, testConfig())
	defer stop()

	conn, _, err := gorilla.DefaultDialer.Dial("ws://"+p.Addr()+"/alerts/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for p.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	resp := postJSON(t, base+"/readings", `{"device_id": "pump3", "metric": "flow_rate", "value": 45}`)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type    string            `json:"type"`
		Payload models.AlertEvent `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "alert" {
		t.Errorf("type = %q, want alert", msg.Type)
	}
	if msg.Payload.DeviceID != "pump3" || msg.Payload.Band != models.BandCritical {
		t.Errorf("unexpected payload %+v", msg.Payload)
	}
}
