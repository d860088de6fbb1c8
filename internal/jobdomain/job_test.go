package jobdomain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending: false,
		StatusRunning: false,
		StatusSuccess: true,
		StatusError:   true,
	}
	for status, want := range cases {
		if got := status.terminal(); got != want {
			t.Errorf("Status(%q).terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestJobCloneResetsLifecycleFields(t *testing.T) {
	now := time.Now().UTC()
	orig := &Job{
		ID:         uuid.New(),
		Type:       "encode",
		Status:     StatusError,
		StatusText: "boom",
		Details:    "stack trace",
		Hostname:   "worker-1",
		Timeout:    60,
		TTL:        2,
		Completion: 80,
		Payload:    datatypes.JSON([]byte(`{"key":"value"}`)),
		Result:     datatypes.JSON([]byte(`{"partial":true}`)),
		Created:    now,
		Started:    &now,
		Finished:   &now,
	}

	clone := orig.Clone()

	if clone.ID != uuid.Nil {
		t.Errorf("Clone() should reset ID, got %v", clone.ID)
	}
	if clone.Status != StatusPending {
		t.Errorf("Clone() status = %v, want pending", clone.Status)
	}
	if clone.Hostname != "" || clone.StatusText != "" || clone.Details != "" {
		t.Errorf("Clone() should clear lifecycle text fields: %+v", clone)
	}
	if clone.Started != nil || clone.Finished != nil || clone.Result != nil {
		t.Errorf("Clone() should clear timing/result fields: %+v", clone)
	}
	if clone.Type != orig.Type || clone.Timeout != orig.Timeout || clone.TTL != orig.TTL {
		t.Errorf("Clone() should preserve type/timeout/ttl: %+v", clone)
	}
	if string(clone.Payload) != string(orig.Payload) {
		t.Errorf("Clone() payload = %s, want %s", clone.Payload, orig.Payload)
	}

	// Mutating the clone's payload buffer must not affect the original —
	// Clone copies the backing array explicitly (no shared slice).
	clone.Payload[0] = 'X'
	if orig.Payload[0] == 'X' {
		t.Errorf("Clone() must not alias the original payload backing array")
	}
}
