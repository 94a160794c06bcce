// Package command implements operator command submission, delivery to
// devices through the push gateway, and the query projections over the
// append-only command logs.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetrelay/fleetrelay/internal/presence"
	"github.com/fleetrelay/fleetrelay/internal/push"
	"github.com/fleetrelay/fleetrelay/internal/statestore"
)

// Store paths.
const (
	commandsPath = "commands"
	auditPath    = "auditLog"
	currentSlot  = "current"
)

// ErrInvalidRequest is returned when a submission is missing its device id
// or action.
var ErrInvalidRequest = errors.New("command: deviceId and action are required")

// Request is an operator command submission.
type Request struct {
	DeviceID string `json:"uniqueid"`
	Action   string `json:"action"`
	To       string `json:"to,omitempty"`
	Body     string `json:"body,omitempty"`
	Code     string `json:"code,omitempty"`
	SimSlot  *int   `json:"simSlot,omitempty"`
}

// Record is a persisted command. Commands are immutable once written.
type Record struct {
	Action    string `json:"action"`
	To        string `json:"to,omitempty"`
	Body      string `json:"body,omitempty"`
	Code      string `json:"code,omitempty"`
	SimSlot   *int   `json:"simSlot,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Entry is a command record projected out of the append logs.
type Entry struct {
	ID       string `json:"id"`
	DeviceID string `json:"uniqueid"`
	Record
}

// AuditEntry is one row of the global audit log.
type AuditEntry struct {
	DeviceID string `json:"uniqueid"`
	Record
}

// Dispatcher accepts commands, persists them, and forwards them to devices
// when the current-command slot changes.
type Dispatcher struct {
	log    zerolog.Logger
	store  statestore.Store
	sender push.Sender
	sub    statestore.Subscription
	now    func() time.Time
}

// New creates a dispatcher. Call Start to begin delivery.
func New(log zerolog.Logger, store statestore.Store, sender push.Sender) *Dispatcher {
	return &Dispatcher{
		log:    log.With().Str("component", "dispatcher").Logger(),
		store:  store,
		sender: sender,
		now:    time.Now,
	}
}

// Start installs the change watch on the command tree. Only writes to a
// device's current slot trigger delivery; appends to the per-type logs are
// bookkeeping and are ignored here.
func (d *Dispatcher) Start() {
	d.sub = d.store.Watch(commandsPath, func(ev statestore.Event) {
		if ev.Type == statestore.EventRemoved {
			return
		}
		segs := strings.Split(ev.Path, "/")
		if len(segs) != 3 || segs[2] != currentSlot {
			return
		}
		d.deliver(context.Background(), segs[1], ev.Value)
	})
}

// Stop releases the change watch.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		d.sub.Close()
	}
}

// Submit validates and persists a command: appended to the per-device
// per-type log, mirrored into the current slot, and recorded in the global
// audit log. Returns the normalized record.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Entry, error) {
	id := presence.NormalizeID(req.DeviceID)
	if id == "" || strings.TrimSpace(req.Action) == "" {
		return nil, ErrInvalidRequest
	}

	rec := Record{
		Action:    strings.TrimSpace(req.Action),
		To:        req.To,
		Body:      req.Body,
		Code:      req.Code,
		SimSlot:   req.SimSlot,
		Timestamp: d.now().UnixMilli(),
	}

	key, err := d.store.Push(ctx, commandsPath+"/"+id+"/"+rec.Action, rec)
	if err != nil {
		return nil, fmt.Errorf("append command log: %w", err)
	}
	if err := d.store.Set(ctx, commandsPath+"/"+id+"/"+currentSlot, rec); err != nil {
		return nil, fmt.Errorf("write current command: %w", err)
	}

	// Audit is operator-facing history, best-effort.
	if _, err := d.store.Push(ctx, auditPath, AuditEntry{DeviceID: id, Record: rec}); err != nil {
		d.log.Warn().Err(err).Str("device", id).Msg("failed to append audit entry")
	}

	d.log.Info().
		Str("device", id).
		Str("action", rec.Action).
		Msg("command submitted")

	return &Entry{ID: key, DeviceID: id, Record: rec}, nil
}

// deliver resolves the device's delivery token and pushes the command.
// Devices without a token are skipped silently; the next command will be
// attempted fresh.
func (d *Dispatcher) deliver(ctx context.Context, id string, raw json.RawMessage) {
	rec := extractRecord(raw)
	if rec == nil {
		return
	}

	token, err := d.deliveryToken(ctx, id)
	if err != nil {
		d.log.Error().Err(err).Str("device", id).Msg("failed to resolve delivery token")
		return
	}
	if token == "" {
		d.log.Debug().Str("device", id).Msg("no delivery token, dropping command change")
		return
	}

	msg := push.Message{
		Token: token,
		Type:  push.TypeDeviceCommand,
		Data:  commandData(id, *rec),
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		if errors.Is(err, push.ErrStaleToken) {
			d.log.Warn().Str("device", id).Msg("delivery token is stale")
			return
		}
		d.log.Error().Err(err).Str("device", id).Msg("push delivery failed")
		return
	}

	d.log.Info().
		Str("device", id).
		Str("action", rec.Action).
		Msg("command pushed")
}

// extractRecord pulls the effective command out of a current-slot value.
// The slot normally holds the record directly; if it holds a keyed map
// (multiple racing writers), the entry under the lexicographically last key
// wins.
func extractRecord(raw json.RawMessage) *Record {
	if len(raw) == 0 {
		return nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err == nil && rec.Action != "" {
		return &rec
	}

	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keyed); err != nil || len(keyed) == 0 {
		return nil
	}
	var last string
	for k := range keyed {
		if k > last {
			last = k
		}
	}
	if err := json.Unmarshal(keyed[last], &rec); err != nil || rec.Action == "" {
		return nil
	}
	return &rec
}

func (d *Dispatcher) deliveryToken(ctx context.Context, id string) (string, error) {
	raw, err := d.store.Get(ctx, "devices/"+id)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", nil
	}
	var dev struct {
		DeliveryToken string `json:"deliveryToken"`
	}
	if err := json.Unmarshal(raw, &dev); err != nil {
		return "", err
	}
	return dev.DeliveryToken, nil
}

func commandData(id string, rec Record) map[string]string {
	data := map[string]string{
		"uniqueid":  id,
		"action":    rec.Action,
		"timestamp": strconv.FormatInt(rec.Timestamp, 10),
	}
	if rec.To != "" {
		data["to"] = rec.To
	}
	if rec.Body != "" {
		data["body"] = rec.Body
	}
	if rec.Code != "" {
		data["code"] = rec.Code
	}
	if rec.SimSlot != nil {
		data["simSlot"] = strconv.Itoa(*rec.SimSlot)
	}
	return data
}

// ListByDevice projects one device's append logs into a flat,
// timestamp-descending slice.
func (d *Dispatcher) ListByDevice(ctx context.Context, rawID string) ([]Entry, error) {
	id := presence.NormalizeID(rawID)
	raw, err := d.store.Get(ctx, commandsPath+"/"+id)
	if err != nil {
		return nil, fmt.Errorf("read commands for %s: %w", id, err)
	}
	return flattenDevice(id, raw)
}

// ListAll projects every device's append logs, newest first.
func (d *Dispatcher) ListAll(ctx context.Context) ([]Entry, error) {
	raw, err := d.store.Get(ctx, commandsPath)
	if err != nil {
		return nil, fmt.Errorf("read commands: %w", err)
	}
	if raw == nil {
		return []Entry{}, nil
	}

	var byDevice map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byDevice); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}

	var all []Entry
	for id, sub := range byDevice {
		entries, err := flattenDevice(id, sub)
		if err != nil {
			continue
		}
		all = append(all, entries...)
	}
	sortEntries(all)
	if all == nil {
		all = []Entry{}
	}
	return all, nil
}

// LatestByDevice returns the device's most recent command: maximum
// timestamp, ties broken by the larger generated key. Returns nil when the
// device has no commands.
func (d *Dispatcher) LatestByDevice(ctx context.Context, rawID string) (*Entry, error) {
	entries, err := d.ListByDevice(ctx, rawID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// AuditLog returns up to limit global audit entries, newest first.
func (d *Dispatcher) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	raw, err := d.store.Get(ctx, auditPath)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	if raw == nil {
		return []AuditEntry{}, nil
	}

	var keyed map[string]AuditEntry
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, fmt.Errorf("decode audit log: %w", err)
	}

	keys := make([]string, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	// Generated keys sort in creation order; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}

	entries := make([]AuditEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, keyed[k])
	}
	return entries, nil
}

func flattenDevice(id string, raw json.RawMessage) ([]Entry, error) {
	if raw == nil {
		return []Entry{}, nil
	}

	var byType map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byType); err != nil {
		return nil, fmt.Errorf("decode commands for %s: %w", id, err)
	}

	entries := []Entry{}
	for typ, sub := range byType {
		if typ == currentSlot {
			continue
		}
		var keyed map[string]Record
		if err := json.Unmarshal(sub, &keyed); err != nil {
			continue
		}
		for key, rec := range keyed {
			entries = append(entries, Entry{ID: key, DeviceID: id, Record: rec})
		}
	}
	sortEntries(entries)
	return entries, nil
}

// sortEntries orders newest first: timestamp descending, then generated key
// descending. This is the single "latest" rule used everywhere.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp > entries[j].Timestamp
		}
		return entries[i].ID > entries[j].ID
	})
}
