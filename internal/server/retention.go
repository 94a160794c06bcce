package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fleetrelay/fleetrelay/internal/command"
	"github.com/fleetrelay/fleetrelay/internal/statestore"
)

// retention runs the scheduled cleanup jobs: expired operator sessions and
// audit entries past the retention window.
type retention struct {
	log       zerolog.Logger
	auth      *AuthService
	store     statestore.Store
	keepAudit time.Duration
	cron      *cron.Cron
}

func newRetention(log zerolog.Logger, auth *AuthService, store statestore.Store, keepAudit time.Duration) *retention {
	return &retention{
		log:       log.With().Str("component", "retention").Logger(),
		auth:      auth,
		store:     store,
		keepAudit: keepAudit,
		cron:      cron.New(),
	}
}

// start schedules the sweep and runs one immediately.
func (r *retention) start(schedule string) error {
	if _, err := r.cron.AddFunc(schedule, r.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	go r.sweep()
	return nil
}

func (r *retention) stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *retention) sweep() {
	if n, err := r.auth.DeleteExpiredSessions(); err != nil {
		r.log.Error().Err(err).Msg("failed to delete expired sessions")
	} else if n > 0 {
		r.log.Info().Int64("count", n).Msg("expired sessions deleted")
	}

	if err := r.pruneAudit(context.Background()); err != nil {
		r.log.Error().Err(err).Msg("audit prune failed")
	}
}

// pruneAudit removes audit entries older than the retention window.
func (r *retention) pruneAudit(ctx context.Context) error {
	raw, err := r.store.Get(ctx, "auditLog")
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	if raw == nil {
		return nil
	}

	var keyed map[string]command.AuditEntry
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return fmt.Errorf("decode audit log: %w", err)
	}

	cutoff := time.Now().Add(-r.keepAudit).UnixMilli()
	pruned := 0
	for key, entry := range keyed {
		if entry.Timestamp >= cutoff {
			continue
		}
		if err := r.store.Delete(ctx, "auditLog/"+key); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("failed to prune audit entry")
			continue
		}
		pruned++
	}
	if pruned > 0 {
		r.log.Info().Int("count", pruned).Msg("audit entries pruned")
	}
	return nil
}
