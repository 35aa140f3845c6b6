package db

// DeviceIdentity holds the durable per-install identifier. There is at
// most one row.
type DeviceIdentity struct {
	ID        uint   `gorm:"primaryKey"`
	UniqueID  string `gorm:"uniqueIndex;not null"`
	CreatedAt int64
}

// IssuedPeerID records every peer id this device has advertised so none
// is reused across restarts.
type IssuedPeerID struct {
	ID       uint   `gorm:"primaryKey"`
	PeerID   string `gorm:"uniqueIndex;not null"`
	IssuedAt int64
}

type PeerSighting struct {
	ID          uint   `gorm:"primaryKey"`
	PeerID      string `gorm:"uniqueIndex;not null"`
	DisplayName string
	Handle      string
	Transport   string
	FirstSeen   int64
	LastSeen    int64
	SeenCount   int
}
