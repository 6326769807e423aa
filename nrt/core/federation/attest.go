package federation

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr"

	"nostr-relay-tray/nrt/model"
)

// KindRelayRegistration is the kind of the event answering a proxy challenge.
const KindRelayRegistration = 22242

// attest signs the registration for a proxy challenge: tagged with the
// challenge and the proxy URL, carrying the relay information document.
func (m *Manager) attest(challenge string) (*nostr.Event, error) {
	sk, err := m.keys.privateKey(context.Background())
	if err != nil {
		return nil, err
	}
	info, err := json.Marshal(m.opts.Info)
	if err != nil {
		return nil, fmt.Errorf("encode relay info: %w", err)
	}
	ev := &nostr.Event{
		Kind:      KindRelayRegistration,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"challenge", challenge},
			{"relay", m.opts.Cfg.ProxyURL},
		},
		Content: string(info),
	}
	if err := ev.Sign(sk); err != nil {
		return nil, fmt.Errorf("sign registration: %w", err)
	}
	return ev, nil
}

// PublicKey returns the hex public key of the relay's signing key, creating
// the key on first use.
func (m *Manager) PublicKey(ctx context.Context) (string, error) {
	sk, err := m.keys.privateKey(ctx)
	if err != nil {
		return "", err
	}
	return nostr.GetPublicKey(sk)
}

type keyStore struct {
	settings Settings
	mu       sync.Mutex
	cached   string
}

// privateKey loads the persisted key or generates and stores a new one.
func (k *keyStore) privateKey(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cached != "" {
		return k.cached, nil
	}
	if k.settings == nil {
		k.cached = nostr.GeneratePrivateKey()
		return k.cached, nil
	}
	v, ok, err := k.settings.Get(ctx, model.ConfigPrivateKey)
	if err != nil {
		return "", fmt.Errorf("read private key: %w", err)
	}
	if ok && v != "" {
		k.cached = v
		return v, nil
	}
	sk := nostr.GeneratePrivateKey()
	if err := k.settings.Set(ctx, model.ConfigPrivateKey, sk); err != nil {
		return "", fmt.Errorf("store private key: %w", err)
	}
	log.Infof("generated relay signing key")
	k.cached = sk
	return sk, nil
}

// RotateKey replaces the signing key and returns the new public key. A
// connected proxy keeps its session until it re-registers.
func (m *Manager) RotateKey(ctx context.Context) (string, error) {
	sk, err := m.keys.rotate(ctx)
	if err != nil {
		return "", err
	}
	return nostr.GetPublicKey(sk)
}

func (k *keyStore) rotate(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	sk := nostr.GeneratePrivateKey()
	if k.settings != nil {
		if err := k.settings.Set(ctx, model.ConfigPrivateKey, sk); err != nil {
			return "", fmt.Errorf("store private key: %w", err)
		}
	}
	k.cached = sk
	log.Infof("relay signing key rotated")
	return sk, nil
}
