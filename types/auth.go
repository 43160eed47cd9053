package types

// AuthProvider decorates outgoing requests with credentials taken from the
// client auth config.
type AuthProvider interface {
	Type() string
	ApplyToOutgoingRequest(req *TransportRequest, authConfig *ClientAuthConfig) error
}

type AuthProviderManager interface {
	GetProvider(name string) (AuthProvider, error)
	Register(name string, provider AuthProvider) error
}
