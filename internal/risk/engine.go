// Package risk scores monitored targets and trips a rate-limited
// breaker when a score reaches the trip threshold.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/internal/breaker"
	"github.com/strongroom-io/strongroom/internal/messaging"
	errs "github.com/strongroom-io/strongroom/pkg/errors"
	"github.com/strongroom-io/strongroom/pkg/metrics"
)

const scoreMax = 10_000

// Defaults applied when the config leaves the knobs at zero.
const (
	defaultAlertThreshold = 7_000
	defaultTripThreshold  = 9_000
	defaultBreakerTTL     = 24 * time.Hour
)

var defaultRatePolicy = breaker.Policy{Window: time.Hour, MaxActivations: 3}

var (
	ErrNotAdmin          = errs.E(errs.KindAuthorization, "caller is not the risk admin")
	ErrNotScorer         = errs.E(errs.KindAuthorization, "caller is not an authorized scorer")
	ErrTargetExists      = errs.E(errs.KindPrecondition, "target already monitored")
	ErrTargetUnknown     = errs.E(errs.KindNotFound, "target not registered")
	ErrTargetUnmonitored = errs.E(errs.KindPrecondition, "target no longer monitored")
	ErrScoreOutOfRange   = errs.E(errs.KindValidation, "score outside 0..10000")
	ErrBadThresholds     = errs.E(errs.KindValidation, "thresholds must satisfy 0 <= alert <= trip <= 10000")
)

// Assessment is the scored state of one target. Alerts counts upward
// crossings of the alert threshold and never decreases.
type Assessment struct {
	Score       int
	LastUpdated time.Time
	Monitored   bool
	Alerts      uint64
}

// Outcome reports what a score update did beyond storing the score.
type Outcome struct {
	Score   int
	Alerted bool
	Tripped bool
}

// Archive persists engine state. Calls happen inside the engine's
// critical section; a failed assessment write fails the update before
// any in-memory change.
type Archive interface {
	SaveAssessment(ctx context.Context, target common.Hash, a Assessment) error
	SaveGlobalAlerts(ctx context.Context, total uint64) error
	SaveBreaker(ctx context.Context, owner string, st breaker.State) error
}

// NopArchive discards everything. Used in tests and stateless runs.
type NopArchive struct{}

func (NopArchive) SaveAssessment(context.Context, common.Hash, Assessment) error { return nil }
func (NopArchive) SaveGlobalAlerts(context.Context, uint64) error                { return nil }
func (NopArchive) SaveBreaker(context.Context, string, breaker.State) error      { return nil }

// Config carries the engine's construction parameters.
type Config struct {
	Admin   common.Hash
	Scorers []common.Hash

	AlertThreshold int
	TripThreshold  int
	BreakerTTL     time.Duration
	RatePolicy     breaker.Policy
}

// Engine owns the per-target assessments, the alert counters, and its
// own rate-limited breaker. One mutex serializes every operation.
type Engine struct {
	mu sync.Mutex

	admin   common.Hash
	scorers map[common.Hash]struct{}

	alertThreshold int
	tripThreshold  int

	assessments  map[common.Hash]*Assessment
	globalAlerts uint64

	brk      *breaker.Breaker
	archive  Archive
	producer messaging.Producer
	log      *zap.Logger
	clock    func() time.Time
}

// New builds the engine. Zero thresholds, TTL, or rate policy fall back
// to the package defaults.
func New(cfg Config, archive Archive, producer messaging.Producer, log *zap.Logger) *Engine {
	if cfg.AlertThreshold == 0 && cfg.TripThreshold == 0 {
		cfg.AlertThreshold = defaultAlertThreshold
		cfg.TripThreshold = defaultTripThreshold
	}
	if cfg.BreakerTTL == 0 {
		cfg.BreakerTTL = defaultBreakerTTL
	}
	if cfg.RatePolicy == (breaker.Policy{}) {
		cfg.RatePolicy = defaultRatePolicy
	}
	if archive == nil {
		archive = NopArchive{}
	}
	if producer == nil {
		producer = messaging.NopProducer{}
	}
	scorers := make(map[common.Hash]struct{}, len(cfg.Scorers))
	for _, s := range cfg.Scorers {
		scorers[s] = struct{}{}
	}
	return &Engine{
		admin:          cfg.Admin,
		scorers:        scorers,
		alertThreshold: cfg.AlertThreshold,
		tripThreshold:  cfg.TripThreshold,
		assessments:    make(map[common.Hash]*Assessment),
		brk:            breaker.NewWithPolicy(cfg.BreakerTTL, cfg.RatePolicy),
		archive:        archive,
		producer:       producer,
		log:            log,
		clock:          time.Now,
	}
}

func (e *Engine) requireAdmin(caller common.Hash) error {
	if caller != e.admin {
		return ErrNotAdmin
	}
	return nil
}

// AddTarget registers a target for monitoring. Re-adding a soft-removed
// target re-enables it, keeping its score and alert history.
func (e *Engine) AddTarget(ctx context.Context, caller, target common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}

	now := e.clock()
	if cur, ok := e.assessments[target]; ok {
		if cur.Monitored {
			return ErrTargetExists
		}
		next := *cur
		next.Monitored = true
		next.LastUpdated = now
		if err := e.archive.SaveAssessment(ctx, target, next); err != nil {
			return errs.E(errs.KindInternal, "persist assessment").Wrap(err)
		}
		*cur = next
		return nil
	}

	next := Assessment{Monitored: true, LastUpdated: now}
	if err := e.archive.SaveAssessment(ctx, target, next); err != nil {
		return errs.E(errs.KindInternal, "persist assessment").Wrap(err)
	}
	e.assessments[target] = &next
	e.log.Info("risk target registered", zap.String("target", target.Hex()))
	return nil
}

// RemoveTarget stops monitoring a target. The assessment row and its
// counters survive.
func (e *Engine) RemoveTarget(ctx context.Context, caller, target common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}

	cur, ok := e.assessments[target]
	if !ok {
		return ErrTargetUnknown
	}
	if !cur.Monitored {
		return ErrTargetUnmonitored
	}
	next := *cur
	next.Monitored = false
	next.LastUpdated = e.clock()
	if err := e.archive.SaveAssessment(ctx, target, next); err != nil {
		return errs.E(errs.KindInternal, "persist assessment").Wrap(err)
	}
	*cur = next
	e.log.Info("risk target removed", zap.String("target", target.Hex()))
	return nil
}

// UpdateScore stores a new score for a monitored target. An upward
// crossing of the alert threshold bumps the alert counters; a score at
// or above the trip threshold attempts to activate the breaker. A trip
// attempt bouncing off the rate limit does not fail the update.
func (e *Engine) UpdateScore(ctx context.Context, caller, target common.Hash, score int, reportID string) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.scorers[caller]; !ok {
		return Outcome{}, ErrNotScorer
	}
	if score < 0 || score > scoreMax {
		return Outcome{}, ErrScoreOutOfRange
	}
	cur, ok := e.assessments[target]
	if !ok {
		return Outcome{}, ErrTargetUnknown
	}
	if !cur.Monitored {
		return Outcome{}, ErrTargetUnmonitored
	}

	now := e.clock()
	next := *cur
	next.Score = score
	next.LastUpdated = now

	out := Outcome{Score: score}
	if cur.Score < e.alertThreshold && score >= e.alertThreshold {
		out.Alerted = true
		next.Alerts++
	}

	if err := e.archive.SaveAssessment(ctx, target, next); err != nil {
		return Outcome{}, errs.E(errs.KindInternal, "persist assessment").Wrap(err)
	}
	if out.Alerted {
		if err := e.archive.SaveGlobalAlerts(ctx, e.globalAlerts+1); err != nil {
			return Outcome{}, errs.E(errs.KindInternal, "persist alert totals").Wrap(err)
		}
	}

	*cur = next
	if out.Alerted {
		e.globalAlerts++
		metrics.RiskAlerts.Inc()
	}
	metrics.RiskScore.WithLabelValues(target.Hex()).Set(float64(score))

	if score >= e.tripThreshold {
		switch err := e.brk.Activate(now, reportID); err {
		case nil:
			out.Tripped = true
			metrics.BreakerTrips.WithLabelValues("risk").Inc()
			metrics.BreakerActive.WithLabelValues("risk").Set(1)
			e.log.Warn("risk breaker tripped",
				zap.String("target", target.Hex()),
				zap.Int("score", score),
				zap.String("report_id", reportID))
			e.persistBreaker(ctx)
		default:
			e.log.Info("risk breaker trip suppressed",
				zap.String("target", target.Hex()),
				zap.Error(err))
		}
	}

	e.publish(ctx, target.Hex(), messaging.ScoreUpdated{
		Type:     messaging.EventScoreUpdated,
		Target:   target.Hex(),
		Score:    score,
		ReportID: reportID,
		Alerted:  out.Alerted,
		Tripped:  out.Tripped,
		At:       now,
	})
	return out, nil
}

// SetThresholds replaces the alert/trip band.
func (e *Engine) SetThresholds(ctx context.Context, caller common.Hash, alert, trip int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if alert < 0 || alert > trip || trip > scoreMax {
		return ErrBadThresholds
	}
	e.alertThreshold, e.tripThreshold = alert, trip
	return nil
}

// SetRatePolicy replaces the breaker's activation cap.
func (e *Engine) SetRatePolicy(caller common.Hash, policy breaker.Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if policy.Window <= 0 || policy.MaxActivations < 1 {
		return errs.E(errs.KindValidation, "rate policy needs a positive window and cap")
	}
	e.brk.SetPolicy(policy)
	return nil
}

// SetBreakerTTL changes the breaker's auto-expiry period.
func (e *Engine) SetBreakerTTL(caller common.Hash, d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if d <= 0 {
		return errs.E(errs.KindValidation, "breaker ttl must be positive")
	}
	e.brk.SetMaxDuration(d)
	return nil
}

// ClearBreaker deactivates the engine's breaker.
func (e *Engine) ClearBreaker(ctx context.Context, caller common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.brk.Deactivate()
	metrics.BreakerActive.WithLabelValues("risk").Set(0)
	e.persistBreaker(ctx)
	e.publish(ctx, "risk", messaging.BreakerCleared{
		Type:  messaging.EventBreakerCleared,
		Owner: "risk",
		At:    e.clock(),
	})
	return nil
}

// BreakerActive reports whether the engine's breaker holds at now.
// Cross-component read used by dispatch guards.
func (e *Engine) BreakerActive(now time.Time) bool {
	return e.brk.IsActive(now)
}

// AssessmentOf returns a copy of the target's assessment.
func (e *Engine) AssessmentOf(target common.Hash) (Assessment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assessments[target]
	if !ok {
		return Assessment{}, false
	}
	return *a, true
}

// GlobalAlerts returns the global monotonic alert counter.
func (e *Engine) GlobalAlerts() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.globalAlerts
}

// Stats summarizes the engine for the read API.
type Stats struct {
	Monitored      int       `json:"monitored"`
	GlobalAlerts   uint64    `json:"global_alerts"`
	AlertThreshold int       `json:"alert_threshold"`
	TripThreshold  int       `json:"trip_threshold"`
	BreakerActive  bool      `json:"breaker_active"`
	BreakerExpires time.Time `json:"breaker_expires,omitempty"`
}

// Snapshot assembles the engine's stats at now.
func (e *Engine) Snapshot(now time.Time) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	monitored := 0
	for _, a := range e.assessments {
		if a.Monitored {
			monitored++
		}
	}
	st := Stats{
		Monitored:      monitored,
		GlobalAlerts:   e.globalAlerts,
		AlertThreshold: e.alertThreshold,
		TripThreshold:  e.tripThreshold,
		BreakerActive:  e.brk.IsActive(now),
	}
	if st.BreakerActive {
		st.BreakerExpires = e.brk.ExpiresAt()
	}
	return st
}

// RestoreAssessment loads one persisted assessment row.
func (e *Engine) RestoreAssessment(target common.Hash, a Assessment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	row := a
	e.assessments[target] = &row
}

// RestoreGlobalAlerts loads the persisted global counter.
func (e *Engine) RestoreGlobalAlerts(total uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalAlerts = total
}

// RestoreBreaker loads the persisted breaker snapshot.
func (e *Engine) RestoreBreaker(st breaker.State) {
	e.brk.Restore(st)
}

func (e *Engine) persistBreaker(ctx context.Context) {
	if err := e.archive.SaveBreaker(ctx, "risk", e.brk.State()); err != nil {
		e.log.Warn("persist risk breaker state", zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, key string, event interface{}) {
	if err := e.producer.Publish(ctx, messaging.TopicRiskEvents, key, event); err != nil {
		e.log.Warn("publish risk event", zap.Error(err))
	}
}
