package delivery

import (
	"context"
	"testing"

	"formulation/pkg/domain"
)

func TestMaskIdentity(t *testing.T) {
	email, err := domain.NewEmailIdentity("respondent@example.com")
	if err != nil {
		t.Fatalf("new email identity: %v", err)
	}
	masked := maskIdentity(email)
	if masked == "respondent@example.com" {
		t.Fatalf("email not masked: %q", masked)
	}

	platform, err := domain.NewPlatformIdentity("telegram", "882001")
	if err != nil {
		t.Fatalf("new platform identity: %v", err)
	}
	if got := maskIdentity(platform); got != "telegram:***" {
		t.Fatalf("platform mask = %q", got)
	}

	if got := maskIdentity(domain.Identity{}); got != "unknown" {
		t.Fatalf("zero identity mask = %q", got)
	}
}

func TestLogPublisherNeverFails(t *testing.T) {
	p := NewLogPublisher()
	identity, err := domain.NewEmailIdentity("respondent@example.com")
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if err := p.PublishMagicLink(context.Background(), MagicLinkJob{Identity: identity, Token: "raw"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	if _, err := NewAMQPPublisher("", ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}
