package content

import (
	"context"
	"errors"
	"testing"

	"github.com/helmstream/helmstream/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewStore(st.DB())
}

func TestLocator(t *testing.T) {
	got := Locator("emails", "07", "email_20250714_0930.json")
	if got != "blob://emails/07/email_20250714_0930.json" {
		t.Errorf("Locator = %q", got)
	}
}

func TestPutAndFetchText(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ref := Locator("documents", "manual", "doc-1.txt")
	if err := s.Put(ctx, ref, TypeText, []byte("Ballast pump procedure")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.FetchText(ctx, ref)
	if err != nil {
		t.Fatalf("FetchText: %v", err)
	}
	if got != "Ballast pump procedure" {
		t.Errorf("FetchText = %q", got)
	}

	// Put replaces.
	if err := s.Put(ctx, ref, TypeText, []byte("v2")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	if got, _ := s.FetchText(ctx, ref); got != "v2" {
		t.Errorf("after replace FetchText = %q, want v2", got)
	}
}

func TestFetchText_EmailJSON(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ref := Locator("emails", "07", "email_1.json")
	doc := `{"subject":"Berth 4","body":"Pilot boarding pushed back two hours."}`
	if err := s.Put(ctx, ref, TypeJSON, []byte(doc)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.FetchText(ctx, ref)
	if err != nil {
		t.Fatalf("FetchText: %v", err)
	}
	if got != "Pilot boarding pushed back two hours." {
		t.Errorf("FetchText = %q", got)
	}
}

func TestFetchText_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.FetchText(context.Background(), "blob://missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPut_RejectsForeignLocator(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(context.Background(), "s3://bucket/key", TypeText, []byte("x")); err == nil {
		t.Error("expected error for non-blob locator")
	}
}

func TestEmailBody_MissingField(t *testing.T) {
	if _, err := EmailBody([]byte(`{"subject":"x"}`)); err == nil {
		t.Error("expected error for missing body")
	}
	if _, err := EmailBody([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}
