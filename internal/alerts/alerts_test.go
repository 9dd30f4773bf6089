package alerts

import (
	"context"
	"testing"

	appconfig "github.com/relaypoint/portal-bridge/internal/config"
)

func TestNewMailerDisabled(t *testing.T) {
	m := NewMailer(context.Background(), appconfig.AlertsConfig{Enabled: false})
	if _, ok := m.(Noop); !ok {
		t.Fatalf("disabled config produced %T, want Noop", m)
	}
	if err := m.Send(context.Background(), "subject", "body"); err != nil {
		t.Errorf("Noop Send: %v", err)
	}
}

func TestNewMailerRequiresAddresses(t *testing.T) {
	m := NewMailer(context.Background(), appconfig.AlertsConfig{
		Enabled:   true,
		Region:    "us-west-2",
		AccessKey: "AKIA...",
		SecretKey: "secret",
	})
	if _, ok := m.(Noop); !ok {
		t.Fatalf("config without addresses produced %T, want Noop", m)
	}
}

func TestNewSESMailer(t *testing.T) {
	// No network traffic happens until Send, so the constructor is safe to
	// exercise with placeholder credentials.
	m, err := NewSESMailer(context.Background(), appconfig.AlertsConfig{
		Enabled:    true,
		Region:     "us-west-2",
		AccessKey:  "AKIAEXAMPLE",
		SecretKey:  "secret",
		FromEmail:  "bridge@relay.test",
		AdminEmail: "ops@relay.test",
	})
	if err != nil {
		t.Fatalf("NewSESMailer: %v", err)
	}
	if m.client == nil {
		t.Fatal("nil ses client")
	}
}
