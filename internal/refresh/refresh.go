// Package refresh implements the proactive token refresh scheduler: a
// repeatable per-target job that re-runs discovery ahead of credential
// expiry, persists operational status in the key-value store, and
// publishes token-refreshed notifications for live connectors.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/store"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

const (
	// defaultRefreshAhead refreshes at 75% of the session max-age.
	defaultRefreshAhead = 0.75
	defaultMaxAge       = 300 * time.Second

	// ChannelTokenRefreshed is the pub/sub channel suffix.
	ChannelTokenRefreshed = "token-refreshed"
)

// TriggeredBy values recorded on published events.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

type job struct {
	id       string
	cancel   context.CancelFunc
	interval time.Duration
}

// Scheduler owns the repeatable refresh jobs.
type Scheduler struct {
	kv      contracts.KV
	bus     contracts.Bus
	disc    contracts.DiscoveryService
	targets store.TargetStore
	ns      string

	mu   sync.Mutex
	jobs map[string]*job // by target id
}

// NewScheduler wires the scheduler's collaborators.
func NewScheduler(kv contracts.KV, bus contracts.Bus, disc contracts.DiscoveryService, targets store.TargetStore, namespace string) *Scheduler {
	return &Scheduler{
		kv:      kv,
		bus:     bus,
		disc:    disc,
		targets: targets,
		ns:      namespace,
		jobs:    make(map[string]*job),
	}
}

// Channel returns the namespaced token-refreshed channel name.
func (s *Scheduler) Channel() string { return s.ns + ":" + ChannelTokenRefreshed }

func (s *Scheduler) statusKey(targetID string) string {
	return s.ns + ":refresh-status:" + targetID
}

// Schedule enqueues the repeatable job refresh:<targetId> with period
// session.maxAge × refreshAheadPercent and marks the status active.
// Scheduling an already-scheduled target replaces the job.
func (s *Scheduler) Schedule(ctx context.Context, target *models.Target) error {
	interval := s.refreshInterval(ctx, target)
	if interval <= 0 {
		return connector.Configf("refresh interval for target %s is not positive", target.ID)
	}

	s.mu.Lock()
	if existing, ok := s.jobs[target.ID]; ok {
		existing.cancel()
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{id: "refresh:" + target.ID, cancel: cancel, interval: interval}
	s.jobs[target.ID] = j
	s.mu.Unlock()

	next := time.Now().UTC().Add(interval)
	s.writeStatus(ctx, target.ID, func(st *models.RefreshStatus) {
		st.IsActive = true
		st.RefreshIntervalMs = interval.Milliseconds()
		st.NextRefreshAt = &next
	})

	go s.runJob(jobCtx, target.ID, interval)
	log.Info().Str("job", j.id).Dur("interval", interval).Msg("refresh job scheduled")
	return nil
}

// refreshInterval computes maxAge × aheadPercent. When the cached
// discovery result carries a JWT, its exp claim can shorten the max-age.
func (s *Scheduler) refreshInterval(ctx context.Context, target *models.Target) time.Duration {
	maxAge := defaultMaxAge
	ahead := defaultRefreshAhead
	if cfg := target.Protocol.GetBrowserWS(); cfg != nil {
		if cfg.SessionMaxAgeMs > 0 {
			maxAge = time.Duration(cfg.SessionMaxAgeMs) * time.Millisecond
		}
		if cfg.RefreshAheadPercent > 0 {
			ahead = cfg.RefreshAheadPercent
		}
	}

	if cached, ok, _ := s.disc.Cached(ctx, target.ID); ok {
		if derived, ok := maxAgeFromJWT(cached, time.Now()); ok && derived < maxAge {
			log.Info().Str("target", target.ID).Dur("derived", derived).
				Msg("session max-age derived from credential expiry")
			maxAge = derived
		}
	}

	return time.Duration(float64(maxAge) * ahead)
}

// runJob is the repeatable worker loop for one target.
func (s *Scheduler) runJob(ctx context.Context, targetID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, targetID, TriggerScheduled)
		case <-ctx.Done():
			return
		}
	}
}

// Cancel removes the repeatable job and clears status.
func (s *Scheduler) Cancel(ctx context.Context, targetID string) error {
	s.mu.Lock()
	j, ok := s.jobs[targetID]
	if ok {
		j.cancel()
		delete(s.jobs, targetID)
	}
	s.mu.Unlock()

	if err := s.kv.Delete(ctx, s.statusKey(targetID)); err != nil {
		return fmt.Errorf("clear refresh status: %w", err)
	}
	if ok {
		log.Info().Str("target", targetID).Msg("refresh job canceled")
	}
	return nil
}

// ForceRefresh enqueues a one-off job with a unique id.
func (s *Scheduler) ForceRefresh(ctx context.Context, targetID string) error {
	jobID := fmt.Sprintf("refresh:%s:manual:%s", targetID, uuid.New().String())
	log.Info().Str("job", jobID).Msg("manual refresh enqueued")
	go s.runOnce(context.WithoutCancel(ctx), targetID, TriggerManual)
	return nil
}

// IsScheduled inspects the repeatable set.
func (s *Scheduler) IsScheduled(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[targetID]
	return ok
}

// Status reads the persisted refresh status.
func (s *Scheduler) Status(ctx context.Context, targetID string) (*models.RefreshStatus, error) {
	raw, ok, err := s.kv.Get(ctx, s.statusKey(targetID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &models.RefreshStatus{}, nil
	}
	var st models.RefreshStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("corrupt refresh status for %s: %w", targetID, err)
	}
	return &st, nil
}

// Stop cancels every job. Called on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		j.cancel()
		delete(s.jobs, id)
	}
}

// runOnce is one worker firing: re-run discovery with forceFresh, update
// status, and publish the notification. Failures are recorded, never
// surfaced to active sessions; the schedule continues.
func (s *Scheduler) runOnce(ctx context.Context, targetID, triggeredBy string) {
	target, err := s.targets.GetTarget(ctx, targetID)
	if err != nil {
		s.recordFailure(ctx, targetID, err)
		return
	}

	if _, err := s.disc.Discover(ctx, target, true, nil); err != nil {
		s.recordFailure(ctx, targetID, err)
		return
	}

	now := time.Now().UTC()
	s.writeStatus(ctx, targetID, func(st *models.RefreshStatus) {
		st.LastRefreshAt = &now
		st.LastRefreshStatus = models.RefreshSuccess
		st.ConsecutiveFailures = 0
		if st.RefreshIntervalMs > 0 {
			next := now.Add(time.Duration(st.RefreshIntervalMs) * time.Millisecond)
			st.NextRefreshAt = &next
		}
	})

	event := models.TokenRefreshedEvent{
		TargetID:    targetID,
		TriggeredBy: triggeredBy,
		Timestamp:   now,
	}
	payload, _ := json.Marshal(event)
	if err := s.bus.Publish(ctx, s.Channel(), string(payload)); err != nil {
		log.Warn().Err(err).Str("target", targetID).Msg("token-refreshed publish failed")
	}
	log.Info().Str("target", targetID).Str("triggered_by", triggeredBy).Msg("token refresh complete")
}

func (s *Scheduler) recordFailure(ctx context.Context, targetID string, cause error) {
	rfe := &connector.RefreshFailedError{TargetID: targetID, Err: cause}
	log.Warn().Err(rfe).Msg("refresh iteration failed")

	now := time.Now().UTC()
	s.writeStatus(ctx, targetID, func(st *models.RefreshStatus) {
		st.LastRefreshAt = &now
		st.LastRefreshStatus = models.RefreshFailure
		st.ConsecutiveFailures++
	})
}

// writeStatus mutates the persisted status read-modify-write. Keys are
// per-target, so no cross-process lock is needed.
func (s *Scheduler) writeStatus(ctx context.Context, targetID string, mutate func(*models.RefreshStatus)) {
	st, err := s.Status(ctx, targetID)
	if err != nil {
		st = &models.RefreshStatus{}
	}
	mutate(st)
	raw, _ := json.Marshal(st)
	if err := s.kv.Set(ctx, s.statusKey(targetID), string(raw), 0); err != nil {
		log.Warn().Err(err).Str("target", targetID).Msg("refresh status write failed")
	}
}
