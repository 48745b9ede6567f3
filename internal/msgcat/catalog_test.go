package msgcat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEmbeddedReasonsRender(t *testing.T) {
	c := MustDefault()
	got, err := c.Render("reason.knockout", map[string]string{"Winner": "Alice", "Loser": "Bob"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Alice knocked out Bob." {
		t.Fatalf("got %q", got)
	}
	if _, err := c.Render("reason.knockout", map[string]string{"Winner": "Alice"}); err == nil {
		t.Fatalf("missing field should fail")
	}
	if got := c.Text("error.nope", nil, "fallback"); got != "fallback" {
		t.Fatalf("Text fallback = %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("error:\n  daily_limit: \"No more battles today.\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Text("error.daily_limit", nil, ""); got != "No more battles today." {
		t.Fatalf("override not applied: %q", got)
	}
	if got := c.Text("error.self_invite", nil, ""); got == "" {
		t.Fatalf("defaults lost")
	}

	_ = os.WriteFile(filepath.Join(dir, "b.yml"), []byte("error:\n  daily_limit: \"dup\"\n"), 0o600)
	if _, err := New(dir); err == nil {
		t.Fatalf("duplicate override keys should fail")
	}
}
