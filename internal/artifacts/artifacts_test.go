package artifacts

import (
	"context"
	"os"
	"strings"
	"testing"

	appconfig "github.com/relaypoint/portal-bridge/internal/config"
)

func TestLocalStoreSave(t *testing.T) {
	dir := t.TempDir()
	store := &LocalStore{Dir: dir, Prefix: "renders"}

	loc, err := store.Save(context.Background(), "accept_invite", ".png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(loc, dir) {
		t.Errorf("location %q not under %q", loc, dir)
	}
	if !strings.Contains(loc, "accept_invite_") || !strings.HasSuffix(loc, ".png") {
		t.Errorf("location %q missing kind or extension", loc)
	}

	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("content = %q", data)
	}

	second, err := store.Save(context.Background(), "accept_invite", ".png", []byte("x"))
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if second == loc {
		t.Error("two saves produced the same key")
	}
}

func TestNewStoreDisabled(t *testing.T) {
	store := NewStore(context.Background(), appconfig.ArtifactsConfig{Enabled: false})
	if _, ok := store.(Discard); !ok {
		t.Fatalf("disabled config produced %T, want Discard", store)
	}
	loc, err := store.Save(context.Background(), "send_reply", ".html", []byte("x"))
	if err != nil || loc != "" {
		t.Errorf("Discard Save = (%q, %v)", loc, err)
	}
}

func TestNewStoreLocal(t *testing.T) {
	store := NewStore(context.Background(), appconfig.ArtifactsConfig{
		Enabled:  true,
		LocalDir: t.TempDir(),
	})
	if _, ok := store.(*LocalStore); !ok {
		t.Fatalf("local config produced %T, want *LocalStore", store)
	}
}

func TestContentType(t *testing.T) {
	if got := contentType(".png"); got != "image/png" {
		t.Errorf(".png = %q", got)
	}
	if got := contentType(".html"); got != "text/html" {
		t.Errorf(".html = %q", got)
	}
	if got := contentType(".bin"); got != "application/octet-stream" {
		t.Errorf(".bin = %q", got)
	}
}
