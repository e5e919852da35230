package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Provider identifiers recognized by the built-in extractors.
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// FederatedProfile is the provider-neutral view of an external identity.
type FederatedProfile struct {
	SubjectID string
	Name      string
	ImageURL  string
	Email     string
}

// ProfileExtractor maps raw provider attributes to a FederatedProfile. It must be pure.
type ProfileExtractor func(attributes map[string]any) (FederatedProfile, error)

var builtinProfileExtractors = map[string]ProfileExtractor{
	ProviderGoogle: extractGoogleProfile,
	ProviderGitHub: extractGitHubProfile,
}

// ProviderRegistry is the closed set of providers enabled for this process.
type ProviderRegistry struct {
	extractors map[string]ProfileExtractor
}

// NewProviderRegistry enables the named built-in providers.
func NewProviderRegistry(providerIDs []string) (*ProviderRegistry, error) {
	registry := &ProviderRegistry{extractors: make(map[string]ProfileExtractor)}
	for _, providerID := range providerIDs {
		normalized := strings.ToLower(strings.TrimSpace(providerID))
		if normalized == "" {
			continue
		}
		extractor, ok := builtinProfileExtractors[normalized]
		if !ok {
			return nil, fmt.Errorf("provider_registry.%s: %w", normalized, ErrUnsupportedProvider)
		}
		registry.extractors[normalized] = extractor
	}
	return registry, nil
}

// Supports reports whether providerID is enabled.
func (registry *ProviderRegistry) Supports(providerID string) bool {
	_, ok := registry.extractors[providerID]
	return ok
}

// Providers lists enabled provider ids in sorted order.
func (registry *ProviderRegistry) Providers() []string {
	providerIDs := make([]string, 0, len(registry.extractors))
	for providerID := range registry.extractors {
		providerIDs = append(providerIDs, providerID)
	}
	sort.Strings(providerIDs)
	return providerIDs
}

// Extract runs the provider's extractor and fills a placeholder email when
// the provider exposes none.
func (registry *ProviderRegistry) Extract(providerID string, attributes map[string]any) (FederatedProfile, error) {
	extractor, ok := registry.extractors[providerID]
	if !ok {
		return FederatedProfile{}, fmt.Errorf("provider_registry.%s: %w", providerID, ErrUnsupportedProvider)
	}
	profile, extractErr := extractor(attributes)
	if extractErr != nil {
		return FederatedProfile{}, fmt.Errorf("provider_registry.%s: %w", providerID, extractErr)
	}
	if strings.TrimSpace(profile.SubjectID) == "" {
		return FederatedProfile{}, fmt.Errorf("provider_registry.%s: missing subject id", providerID)
	}
	if strings.TrimSpace(profile.Email) == "" {
		profile.Email = PlaceholderEmail(providerID, profile.SubjectID)
	}
	profile.Email = NormalizeEmail(profile.Email)
	return profile, nil
}

// PlaceholderEmail synthesizes an address for providers that expose no email.
func PlaceholderEmail(providerID string, subjectID string) string {
	return fmt.Sprintf("%s@users.%s.example", subjectID, strings.ToLower(providerID))
}

// IdentityReconciler links federated identities to local users.
type IdentityReconciler struct {
	users    UserStore
	registry *ProviderRegistry
	logger   *zap.Logger
}

// NewIdentityReconciler wires a reconciler over users and registry.
func NewIdentityReconciler(users UserStore, registry *ProviderRegistry, logger *zap.Logger) *IdentityReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityReconciler{users: users, registry: registry, logger: logger}
}

// Reconcile returns the user owning the provider profile's email, creating
// an enabled user when none exists. Existing users are never modified.
func (reconciler *IdentityReconciler) Reconcile(ctx context.Context, providerID string, attributes map[string]any) (User, error) {
	profile, extractErr := reconciler.registry.Extract(providerID, attributes)
	if extractErr != nil {
		return User{}, fmt.Errorf("reconcile: %w", extractErr)
	}
	existing, findErr := reconciler.users.FindUserByEmail(ctx, profile.Email)
	if findErr == nil {
		return existing, nil
	}
	if !errors.Is(findErr, ErrUserNotFound) {
		return User{}, fmt.Errorf("reconcile.find: %w", findErr)
	}

	created, createErr := reconciler.users.CreateUser(ctx, User{
		Email:             profile.Email,
		DisplayName:       profile.Name,
		AvatarURL:         profile.ImageURL,
		Enabled:           true,
		Origin:            OriginForProvider(providerID),
		ProviderSubjectID: profile.SubjectID,
		Roles:             []string{DefaultRole},
	})
	if createErr != nil {
		if errors.Is(createErr, ErrEmailTaken) {
			// Lost a concurrent first login for the same email.
			return reconciler.users.FindUserByEmail(ctx, profile.Email)
		}
		return User{}, fmt.Errorf("reconcile.create: %w", createErr)
	}
	reconciler.logger.Info("created federated user",
		zap.String("code", "auth.federated.user_created"),
		zap.String("provider", providerID),
		zap.String("user_id", created.ID))
	return created, nil
}

// extractGoogleProfile keeps the email only when Google marks it verified;
// otherwise the profile falls back to a placeholder address and never links
// to an account that merely shares the email.
func extractGoogleProfile(attributes map[string]any) (FederatedProfile, error) {
	profile := FederatedProfile{
		SubjectID: stringAttribute(attributes, "sub"),
		Name:      stringAttribute(attributes, "name"),
		ImageURL:  stringAttribute(attributes, "picture"),
	}
	if boolAttribute(attributes, "email_verified") {
		profile.Email = stringAttribute(attributes, "email")
	}
	return profile, nil
}

func extractGitHubProfile(attributes map[string]any) (FederatedProfile, error) {
	return FederatedProfile{
		SubjectID: stringAttribute(attributes, "id"),
		Name:      stringAttribute(attributes, "login"),
		ImageURL:  stringAttribute(attributes, "avatar_url"),
		Email:     stringAttribute(attributes, "email"),
	}, nil
}

func stringAttribute(attributes map[string]any, key string) string {
	switch typed := attributes[key].(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(typed, 10)
	case int:
		return strconv.Itoa(typed)
	default:
		return ""
	}
}

func boolAttribute(attributes map[string]any, key string) bool {
	switch typed := attributes[key].(type) {
	case bool:
		return typed
	case string:
		parsed, parseErr := strconv.ParseBool(strings.TrimSpace(typed))
		return parseErr == nil && parsed
	default:
		return false
	}
}
