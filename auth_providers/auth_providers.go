package auth_providers

import (
	"encoding/base64"

	"github.com/saiset-co/sai-reliability/types"
)

type TokenAuthProvider struct {
	header string
}

func NewTokenAuthProvider() *TokenAuthProvider {
	return &TokenAuthProvider{header: "Token"}
}

func (p *TokenAuthProvider) Type() string {
	return "token"
}

func (p *TokenAuthProvider) ApplyToOutgoingRequest(req *types.TransportRequest, authConfig *types.ClientAuthConfig) error {
	token, err := payloadString(authConfig, "token")
	if err != nil {
		return err
	}

	setHeader(req, p.header, token)
	return nil
}

type BearerAuthProvider struct{}

func NewBearerAuthProvider() *BearerAuthProvider {
	return &BearerAuthProvider{}
}

func (p *BearerAuthProvider) Type() string {
	return "bearer"
}

func (p *BearerAuthProvider) ApplyToOutgoingRequest(req *types.TransportRequest, authConfig *types.ClientAuthConfig) error {
	token, err := payloadString(authConfig, "token")
	if err != nil {
		return err
	}

	setHeader(req, "Authorization", "Bearer "+token)
	return nil
}

type BasicAuthProvider struct{}

func NewBasicAuthProvider() *BasicAuthProvider {
	return &BasicAuthProvider{}
}

func (p *BasicAuthProvider) Type() string {
	return "basic"
}

func (p *BasicAuthProvider) ApplyToOutgoingRequest(req *types.TransportRequest, authConfig *types.ClientAuthConfig) error {
	username, err := payloadString(authConfig, "username")
	if err != nil {
		return err
	}
	password, err := payloadString(authConfig, "password")
	if err != nil {
		return err
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	setHeader(req, "Authorization", "Basic "+credentials)
	return nil
}

func payloadString(authConfig *types.ClientAuthConfig, key string) (string, error) {
	if authConfig == nil || authConfig.Payload == nil {
		return "", types.Errorf(types.ErrAuthPayloadInvalid, "payload is required")
	}

	value, ok := authConfig.Payload[key].(string)
	if !ok || value == "" {
		return "", types.Errorf(types.ErrAuthPayloadInvalid, "%s not found in auth payload", key)
	}
	return value, nil
}

func setHeader(req *types.TransportRequest, name, value string) {
	if req.Headers == nil {
		req.Headers = make(map[string]string, 1)
	}
	req.Headers[name] = value
}
