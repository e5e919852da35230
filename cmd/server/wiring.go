package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenrelay/internal/authkit"
	"github.com/tyemirov/tokenrelay/internal/authkitpg"
	"go.uber.org/zap"
)

type serviceSet struct {
	store     authkit.CredentialStore
	codec     *authkit.TokenCodec
	metrics   *authkit.CounterMetrics
	sessions  *authkit.SessionService
	providers []string
	closers   []func()
}

func (services *serviceSet) close() {
	for index := len(services.closers) - 1; index >= 0; index-- {
		services.closers[index]()
	}
}

func assembleServices(ctx context.Context, serverConfig authkit.ServerConfig, logger *zap.Logger) (*serviceSet, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	services := &serviceSet{metrics: authkit.NewCounterMetrics()}
	clock := authkit.NewSystemClock()

	assembled := false
	defer func() {
		if !assembled {
			services.close()
		}
	}()

	store, closeStore, storeErr := buildCredentialStore(ctx, clock, logger)
	if storeErr != nil {
		return nil, storeErr
	}
	services.store = store
	services.closers = append(services.closers, closeStore)

	codec, codecErr := authkit.NewTokenCodec(serverConfig.AppJWTSigningKey, serverConfig.AppJWTIssuer, serverConfig.AccessTTL, serverConfig.RefreshTTL, clock)
	if codecErr != nil {
		return nil, codecErr
	}
	services.codec = codec

	engine, engineErr := authkit.NewRotationEngine(authkit.RotationEngineConfig{
		Store:               store,
		Codec:               codec,
		Clock:               clock,
		Logger:              logger,
		Metrics:             services.metrics,
		RevokeFamilyOnReuse: serverConfig.RevokeFamilyOnReuse,
	})
	if engineErr != nil {
		return nil, engineErr
	}

	redisClient, redisErr := buildRedisClient(ctx)
	if redisErr != nil {
		return nil, redisErr
	}

	sessionConfig := authkit.SessionServiceConfig{
		Engine:  engine,
		Codec:   codec,
		Users:   store,
		Hasher:  authkit.NewBcryptHasher(),
		Logger:  logger,
		Metrics: services.metrics,
	}

	if redisClient != nil {
		services.closers = append(services.closers, func() { _ = redisClient.Close() })
		throttle, throttleErr := authkit.NewRedisLoginThrottle(redisClient, viper.GetInt("login_max_attempts"), viper.GetDuration("login_attempt_window"))
		if throttleErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeInvalidLoginThrottle, throttleErr)
		}
		sessionConfig.Throttle = throttle
	}

	providerIDs := listSetting("federated_providers")
	if len(providerIDs) > 0 {
		sources, sourcesErr := buildProfileSources(ctx, providerIDs)
		if sourcesErr != nil {
			return nil, sourcesErr
		}
		registry, registryErr := authkit.NewProviderRegistry(providerIDs)
		if registryErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeUnsupportedProvider, registryErr)
		}
		sessionConfig.Sources = sources
		sessionConfig.Reconciler = authkit.NewIdentityReconciler(store, registry, logger)
		if redisClient != nil {
			sessionConfig.States = authkit.NewRedisStateStore(redisClient, serverConfig.OAuthStateTTL)
		} else {
			sessionConfig.States = authkit.NewMemoryStateStore(serverConfig.OAuthStateTTL)
		}
		services.providers = registry.Providers()
	}

	sessions, sessionsErr := authkit.NewSessionService(sessionConfig)
	if sessionsErr != nil {
		return nil, sessionsErr
	}
	services.sessions = sessions
	assembled = true
	return services, nil
}

func buildCredentialStore(ctx context.Context, clock authkit.Clock, logger *zap.Logger) (authkit.CredentialStore, func(), error) {
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		logger.Info("using in-memory credential store", zap.String("code", "store.memory"))
		return authkit.NewMemoryStore(clock), func() {}, nil
	}

	switch backend := strings.ToLower(strings.TrimSpace(viper.GetString("store_backend"))); backend {
	case storeBackendGORM, "":
		store, storeErr := authkit.NewDatabaseStore(ctx, databaseURL, clock)
		if storeErr != nil {
			return nil, nil, fmt.Errorf("%s: %w", configCodeStoreInit, storeErr)
		}
		logger.Info("using database credential store",
			zap.String("code", "store.gorm"),
			zap.String("driver", store.Driver()))
		return store, func() { _ = store.Close() }, nil
	case storeBackendPGX:
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, fmt.Errorf("%s: %w", configCodeStoreInit, poolErr)
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("%s: %w", configCodeStoreInit, schemaErr)
		}
		store := authkitpg.NewStore(pool, clock)
		logger.Info("using native postgres credential store", zap.String("code", "store.pgx"))
		return store, store.Close, nil
	default:
		return nil, nil, configError(configCodeInvalidStoreBackend, fmt.Sprintf("store_backend %q must be gorm or pgx", backend))
	}
}

func buildRedisClient(ctx context.Context) (*redis.Client, error) {
	redisURL := strings.TrimSpace(viper.GetString("redis_url"))
	if redisURL == "" {
		return nil, nil
	}
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeRedisInit, parseErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: %w", configCodeRedisInit, pingErr)
	}
	return client, nil
}

func buildProfileSources(ctx context.Context, providerIDs []string) (map[string]authkit.ProfileSource, error) {
	sources := make(map[string]authkit.ProfileSource, len(providerIDs))
	for _, providerID := range providerIDs {
		normalizedID := strings.ToLower(providerID)
		clientConfig, clientErr := providerClientConfig(normalizedID)
		if clientErr != nil {
			return nil, clientErr
		}
		switch normalizedID {
		case authkit.ProviderGoogle:
			validator, validatorErr := buildGoogleTokenValidator(ctx)
			if validatorErr != nil {
				return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
			}
			source, sourceErr := authkit.NewGoogleProfileSource(clientConfig, validator)
			if sourceErr != nil {
				return nil, fmt.Errorf("%s: %w", configCodeMissingProviderClient, sourceErr)
			}
			sources[normalizedID] = source
		case authkit.ProviderGitHub:
			source, sourceErr := authkit.NewGitHubProfileSource(clientConfig, "")
			if sourceErr != nil {
				return nil, fmt.Errorf("%s: %w", configCodeMissingProviderClient, sourceErr)
			}
			sources[normalizedID] = source
		default:
			return nil, configError(configCodeUnsupportedProvider, fmt.Sprintf("federated provider %q is not supported", providerID))
		}
	}
	return sources, nil
}

func providerClientConfig(providerID string) (authkit.OAuthClientConfig, error) {
	clientConfig := authkit.OAuthClientConfig{
		ClientID:     strings.TrimSpace(viper.GetString(providerID + "_client_id")),
		ClientSecret: viper.GetString(providerID + "_client_secret"),
		RedirectURL:  strings.TrimSpace(viper.GetString(providerID + "_redirect_url")),
	}
	if clientConfig.ClientID == "" || clientConfig.ClientSecret == "" || clientConfig.RedirectURL == "" {
		return authkit.OAuthClientConfig{}, configError(configCodeMissingProviderClient,
			fmt.Sprintf("%s_client_id, %s_client_secret and %s_redirect_url must be provided", providerID, providerID, providerID))
	}
	return clientConfig, nil
}
