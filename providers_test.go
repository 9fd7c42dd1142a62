package gatekit_test

import (
	"errors"
	"testing"

	gk "github.com/gatekit/gatekit"
)

func TestProviderRegistry(t *testing.T) {
	google := gk.NewGoogleProvider("gid", "gsecret")
	github := gk.NewGitHubProvider("hid", "hsecret")

	registry, err := gk.NewProviderRegistry(google, github, gk.EmailProvider{})
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}

	p, err := registry.OAuth2("google")
	if err != nil {
		t.Fatalf("OAuth2(google): %v", err)
	}
	if p.DisplayName() != "Google" {
		t.Errorf("Expected Google, got %q", p.DisplayName())
	}

	if _, err := registry.OAuth2("missing"); !errors.Is(err, gk.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider for missing id, got %v", err)
	}
	// A registered non-OAuth2 provider is not addressable as one.
	if _, err := registry.OAuth2("email"); !errors.Is(err, gk.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider for email id, got %v", err)
	}

	all := registry.All()
	if len(all) != 3 {
		t.Fatalf("Expected 3 providers, got %d", len(all))
	}
	// Registration order is preserved.
	if all[0].ID() != "google" || all[1].ID() != "github" || all[2].ID() != "email" {
		t.Errorf("Unexpected order: %s, %s, %s", all[0].ID(), all[1].ID(), all[2].ID())
	}
}

func TestProviderRegistryDuplicateID(t *testing.T) {
	a := gk.NewGoogleProvider("id", "secret")
	b := gk.NewGoogleProvider("id2", "secret2")
	if _, err := gk.NewProviderRegistry(a, b); err == nil {
		t.Error("Expected duplicate provider id to be rejected")
	}
}

func TestStandardProviderConfiguration(t *testing.T) {
	google := gk.NewGoogleProvider("gid", "gsecret")
	if google.ID() != "google" {
		t.Errorf("Expected id google, got %q", google.ID())
	}
	if google.Conf.ClientID != "gid" {
		t.Errorf("Expected client id to be wired, got %q", google.Conf.ClientID)
	}
	if google.UserInfoURL == "" {
		t.Error("Expected a userinfo URL")
	}

	github := gk.NewGitHubProvider("hid", "hsecret")
	if github.ID() != "github" || github.DisplayName() != "GitHub" {
		t.Errorf("Unexpected github identity: %s / %s", github.ID(), github.DisplayName())
	}
}
