// Package identity derives the PeerID a device advertises.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/ewonic/internal/store"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
)

const (
	Prefix      = "Peer_"
	maxAttempts = 8
)

var ErrNoIdentity = errors.New("no local identity")

// Provider returns a durable per-device identifier.
type Provider interface {
	UniqueID(ctx context.Context) (string, error)
}

// Registry records issued ids and rejects repeats with store.ErrAlreadyIssued.
type Registry interface {
	Issue(ctx context.Context, peerID string) error
}

type static string

func (s static) UniqueID(context.Context) (string, error) { return string(s), nil }

// Static returns a Provider that always yields id.
func Static(id string) Provider {
	return static(id)
}

// Derive hashes the device id with a per-process nonce into
// "Peer_" plus eight upper-case hex digits.
func Derive(uniqueID, nonce string) transport.PeerID {
	sum := sha256.Sum256([]byte(uniqueID + ":" + nonce))
	return transport.PeerID(Prefix + strings.ToUpper(hex.EncodeToString(sum[:4])))
}

// Valid reports whether id has the shape produced by Derive.
func Valid(id transport.PeerID) bool {
	hexPart, ok := strings.CutPrefix(string(id), Prefix)
	if !ok || len(hexPart) != 8 || strings.ToUpper(hexPart) != hexPart {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// New derives a fresh PeerID. When registry is set the id is recorded and
// re-rolled if this device issued it before.
func New(ctx context.Context, provider Provider, registry Registry) (transport.PeerID, error) {
	if provider == nil {
		return "", ErrNoIdentity
	}
	uniqueID, err := provider.UniqueID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}
	if uniqueID == "" {
		return "", ErrNoIdentity
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := Derive(uniqueID, uuid.NewString())
		if registry == nil {
			return id, nil
		}

		err := registry.Issue(ctx, string(id))
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrAlreadyIssued) {
			return "", fmt.Errorf("recording peer id: %w", err)
		}
	}
	return "", fmt.Errorf("%w: no unused peer id after %d attempts", ErrNoIdentity, maxAttempts)
}
