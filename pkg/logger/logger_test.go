package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{in: "debug", want: DEBUG},
		{in: "INFO", want: INFO},
		{in: "", want: INFO},
		{in: "warning", want: WARN},
		{in: "error", want: ERROR},
		{in: "loud", want: INFO, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestComponentFieldsAreWritten(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	InfoCF("capture", "Channel captured", map[string]interface{}{
		"channel": "CH123",
	})

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["component"] != "capture" {
		t.Errorf("component = %v, want capture", line["component"])
	}
	if line["channel"] != "CH123" {
		t.Errorf("channel = %v, want CH123", line["channel"])
	}
	if line["msg"] != "Channel captured" {
		t.Errorf("msg = %v", line["msg"])
	}
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})
	defer SetLevel(INFO)

	SetLevel(WARN)
	InfoC("api", "hidden")
	WarnC("api", "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at WARN level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %s", out)
	}
	if GetLevel() != WARN {
		t.Errorf("GetLevel() = %v, want WARN", GetLevel())
	}
}
