// Package presence tracks each device's online/offline status keyed to
// connection lifecycle events and external liveness signals.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetrelay/fleetrelay/internal/statestore"
)

// Connectivity states.
const (
	Online  = "Online"
	Offline = "Offline"
)

// Store paths.
const (
	devicesPath  = "devices"
	presencePath = "presence"
)

// Record is the persisted presence state for one device. Timestamps are
// millisecond epochs.
type Record struct {
	Connectivity string `json:"connectivity"`
	LastSeen     int64  `json:"lastSeen"`
	Timestamp    int64  `json:"timestamp"`
}

// Notifier receives presence-driven broadcast triggers.
type Notifier interface {
	// DeviceStatusChanged announces a single transition.
	DeviceStatusChanged(id, connectivity string)
	// RefreshDevices re-broadcasts the full device snapshot.
	RefreshDevices(reason string)
}

// Tracker maintains presence records and drives live refreshes.
type Tracker struct {
	log      zerolog.Logger
	store    statestore.Store
	notifier Notifier
	now      func() time.Time
}

// New creates a presence tracker.
func New(log zerolog.Logger, store statestore.Store, notifier Notifier) *Tracker {
	return &Tracker{
		log:      log.With().Str("component", "presence").Logger(),
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

// NormalizeID canonicalizes a raw device id: trimmed, upper-cased.
// Returns "" for ids that are empty after trimming.
func NormalizeID(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Connect marks the device online and returns the normalized id.
// A store failure is logged and swallowed: the session stays up and
// presence remains stale until the next successful transition.
func (t *Tracker) Connect(ctx context.Context, rawID string) string {
	id := NormalizeID(rawID)
	if id == "" {
		return ""
	}

	now := t.now().UnixMilli()
	err := t.store.Set(ctx, presencePath+"/"+id, Record{
		Connectivity: Online,
		LastSeen:     now,
		Timestamp:    now,
	})
	if err != nil {
		t.log.Error().Err(err).Str("device", id).Msg("failed to write online presence")
		return id
	}

	t.notifier.DeviceStatusChanged(id, Online)
	t.notifier.RefreshDevices("deviceOnline:" + id)
	return id
}

// Disconnect marks the device offline.
func (t *Tracker) Disconnect(ctx context.Context, id string) {
	if id == "" {
		return
	}

	now := t.now().UnixMilli()
	err := t.store.Set(ctx, presencePath+"/"+id, Record{
		Connectivity: Offline,
		LastSeen:     now,
		Timestamp:    now,
	})
	if err != nil {
		t.log.Error().Err(err).Str("device", id).Msg("failed to write offline presence")
		return
	}

	t.notifier.DeviceStatusChanged(id, Offline)
	t.notifier.RefreshDevices("deviceOffline:" + id)
}

// MarkAlive records an external liveness signal (e.g. a ping reply written
// to the store) without a connection transition.
func (t *Tracker) MarkAlive(ctx context.Context, id string) {
	id = NormalizeID(id)
	if id == "" {
		return
	}

	now := t.now().UnixMilli()
	err := t.store.Update(ctx, presencePath+"/"+id, map[string]any{
		"connectivity": Online,
		"lastSeen":     now,
		"timestamp":    now,
	})
	if err != nil {
		t.log.Error().Err(err).Str("device", id).Msg("failed to record liveness signal")
	}
}

// CurrentList joins the device registry with presence records. Devices
// without a presence record default to Offline with no lastSeen.
func (t *Tracker) CurrentList(ctx context.Context) ([]map[string]any, error) {
	devRaw, err := t.store.Get(ctx, devicesPath)
	if err != nil {
		return nil, fmt.Errorf("read device registry: %w", err)
	}
	if devRaw == nil {
		return []map[string]any{}, nil
	}

	var devices map[string]map[string]any
	if err := json.Unmarshal(devRaw, &devices); err != nil {
		return nil, fmt.Errorf("decode device registry: %w", err)
	}

	records := make(map[string]Record)
	if stRaw, err := t.store.Get(ctx, presencePath); err != nil {
		t.log.Warn().Err(err).Msg("failed to read presence records, defaulting to offline")
	} else if stRaw != nil {
		_ = json.Unmarshal(stRaw, &records)
	}

	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entry := make(map[string]any, len(devices[id])+4)
		for k, v := range devices[id] {
			entry[k] = v
		}
		entry["id"] = id

		st, ok := records[id]
		if !ok {
			entry["connectivity"] = Offline
			entry["lastSeen"] = nil
			entry["timestamp"] = nil
		} else {
			entry["connectivity"] = st.Connectivity
			entry["lastSeen"] = lastSeenOf(st)
			entry["timestamp"] = st.Timestamp
		}
		list = append(list, entry)
	}
	return list, nil
}

func lastSeenOf(r Record) int64 {
	if r.LastSeen != 0 {
		return r.LastSeen
	}
	return r.Timestamp
}

// LastCheck is the most recent transition for a device with a readable age.
type LastCheck struct {
	UID         string `json:"uid"`
	LastCheckAt int64  `json:"lastCheckAt"`
	Readable    string `json:"readable"`
}

// LastCheckFor returns the last transition info for a device, or nil when
// no presence record exists.
func (t *Tracker) LastCheckFor(ctx context.Context, rawID string) (*LastCheck, error) {
	id := NormalizeID(rawID)
	raw, err := t.store.Get(ctx, presencePath+"/"+id)
	if err != nil {
		return nil, fmt.Errorf("read presence %s: %w", id, err)
	}
	if raw == nil {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode presence %s: %w", id, err)
	}

	ts := rec.Timestamp
	if ts == 0 {
		ts = rec.LastSeen
	}
	lc := &LastCheck{UID: id, LastCheckAt: ts, Readable: "N/A"}
	if ts != 0 {
		lc.Readable = formatAgo(t.now(), ts)
	}
	return lc, nil
}

func formatAgo(now time.Time, ms int64) string {
	sec := int64(now.Sub(time.UnixMilli(ms)).Seconds())
	if sec < 60 {
		return fmt.Sprintf("%d sec", sec)
	}
	min := sec / 60
	if min < 60 {
		return fmt.Sprintf("%d min", min)
	}
	hr := min / 60
	if hr < 24 {
		return fmt.Sprintf("%d hr", hr)
	}
	return fmt.Sprintf("%d days", hr/24)
}
