package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	var out bytes.Buffer
	w := New(FormatJSON, WithOutput(&out))

	if err := w.Write(map[string]any{"session_id": "s1", "count": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["session_id"] != "s1" || decoded["count"] != float64(2) {
		t.Fatalf("decoded = %v", decoded)
	}
	if !strings.Contains(out.String(), "\n  ") {
		t.Error("JSON output not indented")
	}
}

func TestWriteYAML(t *testing.T) {
	var out bytes.Buffer
	w := New(FormatYAML, WithOutput(&out))

	type payload struct {
		SessionID string `json:"session_id"`
		Rows      int    `json:"rows"`
	}
	if err := w.Write(payload{SessionID: "s1", Rows: 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// JSON tags drive the YAML keys.
	if !strings.Contains(out.String(), "session_id: s1") {
		t.Fatalf("yaml = %q", out.String())
	}
	if !strings.Contains(out.String(), "rows: 3") {
		t.Fatalf("yaml = %q", out.String())
	}
}

func TestWriteTextGoesToStderr(t *testing.T) {
	var out, errOut bytes.Buffer
	w := New(FormatText, WithOutput(&out), WithErrorOutput(&errOut))

	if err := w.Write("hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("stdout polluted: %q", out.String())
	}
	if errOut.String() != "hello\n" {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestWriteNDJSON(t *testing.T) {
	var out bytes.Buffer
	w := New(FormatJSON, WithOutput(&out))

	for i := 0; i < 2; i++ {
		if err := w.WriteNDJSON(map[string]any{"event": "request_denied", "n": i}); err != nil {
			t.Fatalf("WriteNDJSON: %v", err)
		}
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d: %q", len(lines), out.String())
	}
	for _, line := range lines {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("line %q is not JSON: %v", line, err)
		}
	}
}

func TestSuccessAndError(t *testing.T) {
	var out, errOut bytes.Buffer
	w := New(FormatText, WithOutput(&out), WithErrorOutput(&errOut))

	w.Success("done")
	if !strings.HasPrefix(errOut.String(), "✓ done") {
		t.Errorf("success = %q", errOut.String())
	}

	errOut.Reset()
	w.Error(errors.New("boom"))
	if !strings.HasPrefix(errOut.String(), "✗ boom") {
		t.Errorf("error = %q", errOut.String())
	}

	out.Reset()
	jw := New(FormatJSON, WithOutput(&out))
	jw.Error(errors.New("boom"))
	var payload ErrorPayload
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("error payload not JSON: %v", err)
	}
	if payload.Message != "boom" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestWriteUnsupportedFormat(t *testing.T) {
	w := New(Format("xml"), WithOutput(&bytes.Buffer{}))
	if err := w.Write("x"); err == nil {
		t.Fatal("expected unsupported-format error")
	}
}
