// Package ephemeral implements self-expiring, single-slot request records
// (restart requests). At most one live request per device; expiry is
// enforced lazily at read time, never by a background sweep.
package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetrelay/fleetrelay/internal/presence"
	"github.com/fleetrelay/fleetrelay/internal/statestore"
)

const restartPath = "ephemeral/restart"

// Record is the stored slot.
type Record struct {
	CreatedAt int64  `json:"createdAt"`
	Readable  string `json:"readable"`
}

// Request is a live slot returned by Read, with its computed age.
type Request struct {
	UID       string `json:"uid"`
	CreatedAt int64  `json:"createdAt"`
	Readable  string `json:"readable"`
	AgeMillis int64  `json:"age"`
}

// Store is the TTL mailbox for restart requests.
type Store struct {
	log   zerolog.Logger
	store statestore.Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates the store with a fixed TTL.
func New(log zerolog.Logger, store statestore.Store, ttl time.Duration) *Store {
	return &Store{
		log:   log.With().Str("component", "ephemeral").Logger(),
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Create writes the slot for a device, overwriting any existing record
// (expired or not), and returns the creation timestamp.
func (s *Store) Create(ctx context.Context, rawID string) (int64, error) {
	id := presence.NormalizeID(rawID)
	if id == "" {
		return 0, fmt.Errorf("ephemeral: empty device id")
	}

	now := s.now()
	rec := Record{CreatedAt: now.UnixMilli(), Readable: now.Format(time.RFC1123)}
	if err := s.store.Set(ctx, restartPath+"/"+id, rec); err != nil {
		return 0, fmt.Errorf("write restart request: %w", err)
	}
	return rec.CreatedAt, nil
}

// Read returns the live request for a device, or nil when there is none.
// An expired record is deleted as a side effect of the read.
func (s *Store) Read(ctx context.Context, rawID string) (*Request, error) {
	id := presence.NormalizeID(rawID)
	raw, err := s.store.Get(ctx, restartPath+"/"+id)
	if err != nil {
		return nil, fmt.Errorf("read restart request: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode restart request: %w", err)
	}

	age := s.now().UnixMilli() - rec.CreatedAt
	if age > s.ttl.Milliseconds() {
		if err := s.store.Delete(ctx, restartPath+"/"+id); err != nil {
			s.log.Warn().Err(err).Str("device", id).Msg("failed to delete expired restart request")
		}
		return nil, nil
	}

	return &Request{
		UID:       id,
		CreatedAt: rec.CreatedAt,
		Readable:  rec.Readable,
		AgeMillis: age,
	}, nil
}
