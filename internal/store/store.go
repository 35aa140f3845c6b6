// Package store provides database access for identities and peer sightings.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/ewonic/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAlreadyIssued = errors.New("peer id already issued")

type IdentityStore struct {
	db *gorm.DB
}

func NewIdentityStore(gdb *gorm.DB) *IdentityStore {
	return &IdentityStore{db: gdb}
}

// UniqueID returns the device identifier, creating it on first use.
func (s *IdentityStore) UniqueID(ctx context.Context) (string, error) {
	var identity db.DeviceIdentity
	err := s.db.WithContext(ctx).Order("id").First(&identity).Error
	if err == nil {
		return identity.UniqueID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("loading device identity: %w", err)
	}

	identity = db.DeviceIdentity{UniqueID: uuid.NewString(), CreatedAt: time.Now().Unix()}
	if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
		return "", fmt.Errorf("creating device identity: %w", err)
	}
	return identity.UniqueID, nil
}

type IssuedStore struct {
	db *gorm.DB
}

func NewIssuedStore(gdb *gorm.DB) *IssuedStore {
	return &IssuedStore{db: gdb}
}

func (s *IssuedStore) Issued(ctx context.Context, peerID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&db.IssuedPeerID{}).Where("peer_id = ?", peerID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Issue records peerID. It returns ErrAlreadyIssued if it was seen before.
func (s *IssuedStore) Issue(ctx context.Context, peerID string) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&db.IssuedPeerID{PeerID: peerID, IssuedAt: time.Now().Unix()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyIssued
	}
	return nil
}

type Sighting struct {
	PeerID      string
	DisplayName string
	Handle      string
	Transport   string
}

type SightingStore struct {
	db *gorm.DB
}

func NewSightingStore(gdb *gorm.DB) *SightingStore {
	return &SightingStore{db: gdb}
}

// Record inserts a sighting or bumps the existing one.
func (s *SightingStore) Record(ctx context.Context, sighting Sighting) error {
	now := time.Now().Unix()
	row := db.PeerSighting{
		PeerID:      sighting.PeerID,
		DisplayName: sighting.DisplayName,
		Handle:      sighting.Handle,
		Transport:   sighting.Transport,
		FirstSeen:   now,
		LastSeen:    now,
		SeenCount:   1,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "peer_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"display_name": sighting.DisplayName,
			"handle":       sighting.Handle,
			"transport":    sighting.Transport,
			"last_seen":    now,
			"seen_count":   gorm.Expr("seen_count + 1"),
		}),
	}).Create(&row).Error
}

// List returns sightings, most recent first.
func (s *SightingStore) List(ctx context.Context) ([]db.PeerSighting, error) {
	var rows []db.PeerSighting
	err := s.db.WithContext(ctx).Order("last_seen DESC, id DESC").Find(&rows).Error
	return rows, err
}

var (
	_ IdentityRepository = (*IdentityStore)(nil)
	_ IssuedRepository   = (*IssuedStore)(nil)
	_ SightingRepository = (*SightingStore)(nil)
)
