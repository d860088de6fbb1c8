package registry

import "testing"

type fakeHandler struct{ jobType string }

func (h *fakeHandler) Type() string           { return h.jobType }
func (h *fakeHandler) Run(_ *RunContext) error { return nil }

func TestRegisterAndGet(t *testing.T) {
	r := New()
	h := &fakeHandler{jobType: "encode"}
	if err := r.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Get("encode")
	if !ok || got != h {
		t.Fatalf("Get(encode) = %v, %v", got, ok)
	}
	if _, ok := r.Get("thumbnail"); ok {
		t.Fatal("Get(thumbnail) should miss")
	}
}

func TestRegisterDuplicateTypeFails(t *testing.T) {
	r := New()
	if err := r.Register(&fakeHandler{jobType: "encode"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(&fakeHandler{jobType: "encode"}); err == nil {
		t.Fatal("expected error registering a duplicate job type")
	}
}

func TestRegisterRejectsNilAndEmptyType(t *testing.T) {
	r := New()
	if err := r.Register(nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if err := r.Register(&fakeHandler{jobType: ""}); err == nil {
		t.Fatal("expected error for empty job type")
	}
}

func TestTypesListsRegisteredHandlers(t *testing.T) {
	r := New()
	_ = r.Register(&fakeHandler{jobType: "encode"})
	_ = r.Register(&fakeHandler{jobType: "thumbnail"})
	types := r.Types()
	if len(types) != 2 {
		t.Fatalf("Types() = %v, want 2 entries", types)
	}
}
