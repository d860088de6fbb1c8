package broadcast

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewRejectsEmptyAddress(t *testing.T) {
	if _, err := New("", "", nil); err == nil {
		t.Fatal("expected error for empty redis address")
	}
}

// TestEnvelopeRoundTripsRawPayload verifies the wire envelope preserves an
// already-marshaled status payload byte-for-byte rather than re-encoding it
// as a JSON string.
func TestEnvelopeRoundTripsRawPayload(t *testing.T) {
	payload := []byte(`{"heap_alloc":123,"goroutines":4}`)
	env := envelope{Hostname: "host-a", Payload: json.RawMessage(payload), SentAt: time.Now().UTC()}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Hostname != "host-a" {
		t.Fatalf("hostname = %q", decoded.Hostname)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(decoded.Payload, &got); err != nil {
		t.Fatalf("decoding inner payload: %v", err)
	}
	if got["goroutines"] != float64(4) {
		t.Fatalf("payload round-trip mismatch: %+v", got)
	}
}
