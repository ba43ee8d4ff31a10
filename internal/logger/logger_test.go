package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Logger
	Logger = zerolog.New(&buf)
	t.Cleanup(func() { Logger = prev })
	return &buf
}

func TestScopedLoggers(t *testing.T) {
	tests := []struct {
		name string
		log  func()
		want map[string]string
	}{
		{
			name: "component",
			log: func() {
				log := WithComponent("fanout")
				log.Warn().Str("sink", "mqtt").Msg("sink publish failed")
			},
			want: map[string]string{"component": "fanout", "sink": "mqtt", "level": "warn"},
		},
		{
			name: "device",
			log: func() {
				log := WithDevice("patterns", "pump1")
				log.Info().Msg("pattern alert raised")
			},
			want: map[string]string{"component": "patterns", "device_id": "pump1", "message": "pattern alert raised"},
		},
		{
			name: "error",
			log: func() {
				log := WithError(errors.New("broker gone"))
				log.Error().Msg("publish failed")
			},
			want: map[string]string{"error": "broker gone", "level": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)
			tt.log()

			var entry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
			}
			for k, v := range tt.want {
				if entry[k] != v {
					t.Errorf("%s = %v, want %q", k, entry[k], v)
				}
			}
		})
	}
}

func TestInitFallsBackToInfo(t *testing.T) {
	prev, prevLevel := Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	Init("chatty")
	if got := zerolog.GlobalLevel(); got != zerolog.InfoLevel {
		t.Errorf("level = %s, want info", got)
	}
}
