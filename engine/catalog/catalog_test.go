package catalog

import (
	"os"
	"testing"

	"github.com/sablehq/sable/engine/domain"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestPersistLookupRoundTrip(t *testing.T) {
	c := newTestCatalog(t)
	r := domain.Resource{Hash: "abc123", SourceType: domain.SourceWeb, Suffix: ".html"}

	if _, err := c.Persist(r, []byte("<html>hi</html>"), nil, "websites"); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	content, _, err := c.Lookup("abc123")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if string(content) != "<html>hi</html>" {
		t.Fatalf("got %q", content)
	}
}

func TestFlushRestartLookup(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := domain.Resource{Hash: "xyz", SourceType: domain.SourceTicket, Suffix: ".txt"}
	if _, err := c.Persist(r, []byte("ticket body"), nil, "tickets"); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	content, _, err := reopened.Lookup("xyz")
	if err != nil {
		t.Fatalf("Lookup after restart: %v", err)
	}
	if string(content) != "ticket body" {
		t.Fatalf("got %q", content)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	c := newTestCatalog(t)
	r := domain.Resource{Hash: "gone", SourceType: domain.SourceLocal, Suffix: ".txt"}
	if _, err := c.Persist(r, []byte("x"), nil, "uploads"); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := c.Delete("gone", true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := c.Lookup("gone"); !os.IsNotExist(err) {
		t.Fatalf("expected ErrNotExist after delete, got %v", err)
	}
}

func TestPersistRejectsPathEscape(t *testing.T) {
	c := newTestCatalog(t)
	r := domain.Resource{Hash: "../../etc/passwd", SourceType: domain.SourceLocal, Suffix: ""}
	if _, err := c.Persist(r, []byte("x"), nil, "uploads"); err == nil {
		t.Fatalf("expected error for escaping hash, got nil")
	}
}

func TestLookupMissingIsNotExist(t *testing.T) {
	c := newTestCatalog(t)
	if _, _, err := c.Lookup("missing"); !os.IsNotExist(err) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}
