package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/arcreceipt/car"
)

// Provider adapts a Store to receipt.KeyProvider, generating and persisting
// a fresh Ed25519 key pair the first time a project is asked to sign.
type Provider struct {
	store Store
}

// NewProvider wraps store as a receipt.KeyProvider.
func NewProvider(store Store) *Provider {
	return &Provider{store: store}
}

// PrivateKey returns projectID's signing key, generating and persisting one
// on first use. Concurrent first-use calls for the same projectID may each
// generate a key; the store's last write wins, matching the underlying
// keyring backends' own overwrite semantics.
func (p *Provider) PrivateKey(ctx context.Context, projectID string) (ed25519.PrivateKey, error) {
	secret, err := p.store.LoadSecret(projectID)
	if err == receipt.ErrNoSecret {
		return p.generate(projectID)
	}
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, receipt.NewError(receipt.KindMalformed, "stored key is not valid base64", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, receipt.NewError(receipt.KindMalformed, "stored key has wrong length", nil)
	}
	return ed25519.PrivateKey(raw), nil
}

func (p *Provider) generate(projectID string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, receipt.NewError(receipt.KindTransient, "generate signing key", err)
	}
	encoded := base64.StdEncoding.EncodeToString(priv)
	if err := p.store.StoreSecret(projectID, encoded); err != nil {
		return nil, err
	}
	return priv, nil
}

// NewProjectID is a convenience generator for callers provisioning a new
// project that has no id of its own yet.
func NewProjectID() string { return uuid.NewString() }
