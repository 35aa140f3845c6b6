package store

import (
	"context"

	"github.com/rudransh-shrivastava/ewonic/internal/db"
)

// IdentityRepository provides the durable device identifier.
type IdentityRepository interface {
	UniqueID(ctx context.Context) (string, error)
}

// IssuedRepository remembers peer ids handed out by this device.
type IssuedRepository interface {
	Issued(ctx context.Context, peerID string) (bool, error)
	Issue(ctx context.Context, peerID string) error
}

// SightingRecorder records peers seen during discovery.
type SightingRecorder interface {
	Record(ctx context.Context, s Sighting) error
}

type SightingRepository interface {
	SightingRecorder
	List(ctx context.Context) ([]db.PeerSighting, error)
}
