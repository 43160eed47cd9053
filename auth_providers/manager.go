package auth_providers

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-reliability/types"
)

type AuthProviderManager struct {
	logger    types.Logger
	mu        sync.RWMutex
	providers map[string]types.AuthProvider
}

// NewAuthProviderManager returns a registry preloaded with the token, bearer
// and basic providers.
func NewAuthProviderManager(logger types.Logger) *AuthProviderManager {
	manager := &AuthProviderManager{
		logger:    logger,
		providers: make(map[string]types.AuthProvider),
	}

	for _, provider := range []types.AuthProvider{
		NewTokenAuthProvider(),
		NewBearerAuthProvider(),
		NewBasicAuthProvider(),
	} {
		manager.providers[provider.Type()] = provider
	}

	return manager
}

func (pm *AuthProviderManager) GetProvider(name string) (types.AuthProvider, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if provider, ok := pm.providers[name]; ok {
		return provider, nil
	}
	return nil, types.Errorf(types.ErrAuthProviderNotFound, "%s", name)
}

func (pm *AuthProviderManager) Register(name string, provider types.AuthProvider) error {
	if name == "" || provider == nil {
		return types.Errorf(types.ErrInvalidParameter, "provider name and implementation are required")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.providers[name]; ok {
		return types.NewErrorf("provider %s already registered", name)
	}

	pm.providers[name] = provider
	pm.logger.Debug("Auth provider registered", zap.String("provider", name))
	return nil
}

// Authorizer binds one provider to its config so callers only pass requests.
type Authorizer struct {
	provider types.AuthProvider
	config   *types.ClientAuthConfig
}

// NewAuthorizer resolves authConfig.Provider and checks the payload once by
// applying it to a throwaway request.
func (pm *AuthProviderManager) NewAuthorizer(authConfig *types.ClientAuthConfig) (*Authorizer, error) {
	if authConfig == nil || authConfig.Provider == "" {
		return nil, nil
	}

	provider, err := pm.GetProvider(authConfig.Provider)
	if err != nil {
		return nil, err
	}

	if err := provider.ApplyToOutgoingRequest(&types.TransportRequest{}, authConfig); err != nil {
		return nil, err
	}

	return &Authorizer{provider: provider, config: authConfig}, nil
}

// Apply returns a copy of req carrying the credentials. The original headers
// are left untouched.
func (a *Authorizer) Apply(req *types.TransportRequest) (*types.TransportRequest, error) {
	if a == nil {
		return req, nil
	}

	authorized := *req
	authorized.Headers = make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		authorized.Headers[k] = v
	}

	if err := a.provider.ApplyToOutgoingRequest(&authorized, a.config); err != nil {
		return nil, err
	}
	return &authorized, nil
}
