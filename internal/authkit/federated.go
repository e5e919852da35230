package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"google.golang.org/api/idtoken"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// ProfileSource runs one provider's authorization code flow and returns the
// raw identity attributes handed to the provider's ProfileExtractor.
type ProfileSource interface {
	AuthCodeURL(state OAuthState) string
	FetchAttributes(ctx context.Context, code string, codeVerifier string) (map[string]any, error)
}

// GoogleTokenValidator verifies Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// OAuthClientConfig holds one provider's client registration. AuthURL and
// TokenURL override the provider's well-known endpoints when set.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	HTTPClient   *http.Client
}

func (configuration OAuthClientConfig) oauth2Config(defaultEndpoint oauth2.Endpoint, defaultScopes []string) *oauth2.Config {
	endpoint := defaultEndpoint
	if configuration.AuthURL != "" {
		endpoint.AuthURL = configuration.AuthURL
	}
	if configuration.TokenURL != "" {
		endpoint.TokenURL = configuration.TokenURL
	}
	scopes := configuration.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return &oauth2.Config{
		ClientID:     configuration.ClientID,
		ClientSecret: configuration.ClientSecret,
		RedirectURL:  configuration.RedirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
}

func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func exchangeCode(ctx context.Context, configuration *oauth2.Config, code string, codeVerifier string) (*oauth2.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("missing authorization code")
	}
	token, err := configuration.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, err
	}
	return token, nil
}

// GoogleProfileSource exchanges a code for tokens and reads identity claims
// from the validated id_token.
type GoogleProfileSource struct {
	configuration *oauth2.Config
	validator     GoogleTokenValidator
	httpClient    *http.Client
}

// NewGoogleProfileSource builds the Google source.
func NewGoogleProfileSource(configuration OAuthClientConfig, validator GoogleTokenValidator) (*GoogleProfileSource, error) {
	if validator == nil {
		return nil, errors.New("federated.google: token validator is required")
	}
	if configuration.ClientID == "" {
		return nil, errors.New("federated.google: client id is required")
	}
	return &GoogleProfileSource{
		configuration: configuration.oauth2Config(endpoints.Google, []string{"openid", "email", "profile"}),
		validator:     validator,
		httpClient:    configuration.HTTPClient,
	}, nil
}

func (source *GoogleProfileSource) AuthCodeURL(state OAuthState) string {
	return source.configuration.AuthCodeURL(state.Value, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(state.CodeVerifier))
}

func (source *GoogleProfileSource) FetchAttributes(ctx context.Context, code string, codeVerifier string) (map[string]any, error) {
	ctx = withHTTPClient(ctx, source.httpClient)
	token, exchangeErr := exchangeCode(ctx, source.configuration, code, codeVerifier)
	if exchangeErr != nil {
		return nil, fmt.Errorf("federated.google.exchange: %w", exchangeErr)
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, errors.New("federated.google: token response has no id_token")
	}
	payload, validateErr := source.validator.Validate(ctx, rawIDToken, source.configuration.ClientID)
	if validateErr != nil {
		return nil, fmt.Errorf("federated.google.validate: %w", validateErr)
	}
	attributes := make(map[string]any, len(payload.Claims)+1)
	for key, value := range payload.Claims {
		attributes[key] = value
	}
	if payload.Subject != "" {
		attributes["sub"] = payload.Subject
	}
	return attributes, nil
}

// GitHubProfileSource exchanges a code for a token and reads the user resource.
type GitHubProfileSource struct {
	configuration *oauth2.Config
	apiBaseURL    string
	httpClient    *http.Client
}

// NewGitHubProfileSource builds the GitHub source; an empty apiBaseURL uses api.github.com.
func NewGitHubProfileSource(configuration OAuthClientConfig, apiBaseURL string) (*GitHubProfileSource, error) {
	if configuration.ClientID == "" {
		return nil, errors.New("federated.github: client id is required")
	}
	if apiBaseURL == "" {
		apiBaseURL = defaultGitHubAPIBaseURL
	}
	return &GitHubProfileSource{
		configuration: configuration.oauth2Config(endpoints.GitHub, []string{"read:user", "user:email"}),
		apiBaseURL:    strings.TrimRight(apiBaseURL, "/"),
		httpClient:    configuration.HTTPClient,
	}, nil
}

func (source *GitHubProfileSource) AuthCodeURL(state OAuthState) string {
	return source.configuration.AuthCodeURL(state.Value, oauth2.S256ChallengeOption(state.CodeVerifier))
}

func (source *GitHubProfileSource) FetchAttributes(ctx context.Context, code string, codeVerifier string) (map[string]any, error) {
	ctx = withHTTPClient(ctx, source.httpClient)
	token, exchangeErr := exchangeCode(ctx, source.configuration, code, codeVerifier)
	if exchangeErr != nil {
		return nil, fmt.Errorf("federated.github.exchange: %w", exchangeErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, source.apiBaseURL+"/user", nil)
	if requestErr != nil {
		return nil, fmt.Errorf("federated.github.request: %w", requestErr)
	}
	request.Header.Set("Accept", "application/vnd.github+json")
	response, doErr := source.configuration.Client(ctx, token).Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("federated.github.user: %w", doErr)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federated.github.user: unexpected status %d", response.StatusCode)
	}
	decoder := json.NewDecoder(response.Body)
	decoder.UseNumber()
	attributes := make(map[string]any)
	if decodeErr := decoder.Decode(&attributes); decodeErr != nil {
		return nil, fmt.Errorf("federated.github.decode: %w", decodeErr)
	}
	return attributes, nil
}
