package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestReconciler(t *testing.T, store UserStore) *IdentityReconciler {
	t.Helper()
	registry, err := NewProviderRegistry([]string{ProviderGoogle, ProviderGitHub})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return NewIdentityReconciler(store, registry, zaptest.NewLogger(t))
}

func TestProviderRegistryRejectsUnknownProviders(t *testing.T) {
	if _, err := NewProviderRegistry([]string{"google", "myspace"}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}

	registry, err := NewProviderRegistry([]string{" GitHub ", ""})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if providers := registry.Providers(); !reflect.DeepEqual(providers, []string{ProviderGitHub}) {
		t.Fatalf("unexpected providers %v", providers)
	}
	if registry.Supports(ProviderGoogle) {
		t.Fatalf("google must not be enabled")
	}
	if _, err := registry.Extract(ProviderGoogle, map[string]any{"sub": "1"}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestProviderRegistryExtractsProfiles(t *testing.T) {
	registry, err := NewProviderRegistry([]string{ProviderGoogle, ProviderGitHub})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	google, err := registry.Extract(ProviderGoogle, map[string]any{
		"sub":            "google-sub",
		"name":           "Ada Lovelace",
		"picture":        "https://example.com/ada.png",
		"email":          "Ada@Example.com",
		"email_verified": true,
	})
	if err != nil {
		t.Fatalf("extract google: %v", err)
	}
	expected := FederatedProfile{
		SubjectID: "google-sub",
		Name:      "Ada Lovelace",
		ImageURL:  "https://example.com/ada.png",
		Email:     "ada@example.com",
	}
	if google != expected {
		t.Fatalf("unexpected google profile %+v", google)
	}

	github, err := registry.Extract(ProviderGitHub, map[string]any{
		"id":         json.Number("583231"),
		"login":      "octocat",
		"avatar_url": "https://example.com/octocat.png",
	})
	if err != nil {
		t.Fatalf("extract github: %v", err)
	}
	if github.SubjectID != "583231" || github.Name != "octocat" || github.Email != "583231@users.github.example" {
		t.Fatalf("unexpected github profile %+v", github)
	}

	if _, err := registry.Extract(ProviderGitHub, map[string]any{"login": "nobody"}); err == nil {
		t.Fatalf("expected error for missing subject")
	}
}

func TestGoogleProfileIgnoresUnverifiedEmail(t *testing.T) {
	registry, err := NewProviderRegistry([]string{ProviderGoogle})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	testCases := map[string]map[string]any{
		"verified false":   {"sub": "g-1", "email": "victim@example.com", "email_verified": false},
		"verified missing": {"sub": "g-1", "email": "victim@example.com"},
		"verified garbage": {"sub": "g-1", "email": "victim@example.com", "email_verified": "maybe"},
	}
	for name, attributes := range testCases {
		profile, extractErr := registry.Extract(ProviderGoogle, attributes)
		if extractErr != nil {
			t.Fatalf("%s: extract: %v", name, extractErr)
		}
		if profile.Email != "g-1@users.google.example" {
			t.Fatalf("%s: expected placeholder email, got %q", name, profile.Email)
		}
	}

	verified, err := registry.Extract(ProviderGoogle, map[string]any{"sub": "g-1", "email": "victim@example.com", "email_verified": "true"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if verified.Email != "victim@example.com" {
		t.Fatalf("expected verified email to be kept, got %q", verified.Email)
	}
}

func TestIdentityReconcilerDoesNotLinkUnverifiedGoogleEmail(t *testing.T) {
	store := NewMemoryStore(nil)
	existing := createTestUser(t, store, "local@example.com", true)
	reconciler := newTestReconciler(t, store)

	reconciled, err := reconciler.Reconcile(context.Background(), ProviderGoogle, map[string]any{
		"sub":            "google-unverified",
		"email":          "local@example.com",
		"email_verified": false,
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reconciled.ID == existing.ID {
		t.Fatalf("unverified email must not resolve to the existing local account")
	}
	if reconciled.Email != "google-unverified@users.google.example" || reconciled.Origin != Origin("GOOGLE") {
		t.Fatalf("unexpected reconciled user %+v", reconciled)
	}
}

func TestIdentityReconcilerPlaceholderEmailReusesUser(t *testing.T) {
	store := NewMemoryStore(nil)
	reconciler := newTestReconciler(t, store)
	ctx := context.Background()
	attributes := map[string]any{"id": float64(42), "login": "hubot"}

	first, err := reconciler.Reconcile(ctx, ProviderGitHub, attributes)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if first.Email != "42@users.github.example" || first.Origin != Origin("GITHUB") || first.ProviderSubjectID != "42" {
		t.Fatalf("unexpected created user %+v", first)
	}
	if !first.Enabled || !reflect.DeepEqual(first.Roles, []string{DefaultRole}) {
		t.Fatalf("expected enabled user with default role, got %+v", first)
	}

	second, err := reconciler.Reconcile(ctx, ProviderGitHub, attributes)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same user on repeat login, got %s and %s", first.ID, second.ID)
	}
}

func TestIdentityReconcilerDoesNotOverwriteExistingUser(t *testing.T) {
	store := NewMemoryStore(nil)
	existing := createTestUser(t, store, "shared@example.com", true)
	reconciler := newTestReconciler(t, store)

	reconciled, err := reconciler.Reconcile(context.Background(), ProviderGoogle, map[string]any{
		"sub":            "google-123",
		"name":           "Different Name",
		"picture":        "https://example.com/new.png",
		"email":          "shared@example.com",
		"email_verified": true,
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reconciled.ID != existing.ID {
		t.Fatalf("expected existing user, got %+v", reconciled)
	}
	if reconciled.DisplayName != "Test User" || reconciled.Origin != OriginLocal || reconciled.AvatarURL != "" {
		t.Fatalf("existing user must not be modified, got %+v", reconciled)
	}
}

func TestIdentityReconcilerUnsupportedProvider(t *testing.T) {
	reconciler := newTestReconciler(t, NewMemoryStore(nil))
	_, err := reconciler.Reconcile(context.Background(), "facebook", map[string]any{"id": "1"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}
