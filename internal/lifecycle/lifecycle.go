// Package lifecycle advances CIs through the inactivity state machine:
// ACTIVE -> STAGING -> RETIREMENT_REVIEW -> RETIRED, driven purely by how
// long a CI has gone unseen. A fresh snapshot moves a CI back to ACTIVE.
package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/notify"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/telemetry"
)

const batchSize = 1000

// Service runs lifecycle sweeps inside a caller-provided transaction.
type Service struct {
	cfg      *config.Settings
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	logger   *log.Logger
}

// NewService wires the sweep; metrics may be nil.
func NewService(cfg *config.Settings, notifier notify.Notifier, metrics *telemetry.Metrics) *Service {
	return &Service{
		cfg:      cfg,
		notifier: notifier,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[LIFECYCLE] ", log.LstdFlags),
	}
}

type ticket struct {
	summary string
	details map[string]any
}

// statusFor maps inactivity to a target state. Thresholds are checked from
// most to least severe so the deepest one wins.
func (s *Service) statusFor(inactiveDays int) string {
	switch {
	case inactiveDays >= s.cfg.LifecycleRetiredDays:
		return store.CIStatusRetired
	case inactiveDays >= s.cfg.LifecycleReviewDays:
		return store.CIStatusRetirementReview
	case inactiveDays >= s.cfg.LifecycleStagingDays:
		return store.CIStatusStaging
	default:
		return store.CIStatusActive
	}
}

// Run sweeps every CI in batches and returns how many transitioned.
// Tickets are dispatched after all writes so external HTTP latency never
// sits inside the transaction's write path.
func (s *Service) Run(ctx context.Context, st store.Store) (int, error) {
	now := clock.UTCNow()
	transitioned := 0
	var tickets []ticket
	notified := map[string]struct{}{}

	relationshipCIIDs, err := st.RelationshipCIIDs(ctx)
	if err != nil {
		return 0, err
	}
	total, err := st.CountCIs(ctx)
	if err != nil {
		return 0, err
	}

	for offset := 0; offset < total; offset += batchSize {
		batch, err := st.ListCIPage(ctx, offset, batchSize)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			ci := &batch[i]
			lastSeen := clock.Normalize(ci.LastSeenAt)
			inactiveDays := int(now.Sub(lastSeen).Hours() / 24)
			oldStatus := ci.Status
			ci.Status = s.statusFor(inactiveDays)

			if ci.Status != oldStatus {
				transitioned++
				ci.UpdatedAt = now
				if err := st.UpdateCI(ctx, ci); err != nil {
					return 0, err
				}
				if err := appendEvent(ctx, st, "ci.lifecycle.transitioned", ci.ID, store.JSONMap{
					"from":          oldStatus,
					"to":            ci.Status,
					"inactive_days": inactiveDays,
				}, now); err != nil {
					return 0, err
				}
				if s.metrics != nil {
					s.metrics.LifecycleMoves.WithLabelValues(oldStatus, ci.Status).Inc()
				}
				if ci.Status == store.CIStatusRetirementReview {
					if _, done := notified[ci.ID]; !done {
						notified[ci.ID] = struct{}{}
						tickets = append(tickets, ticket{
							summary: "CI retirement review",
							details: map[string]any{"ci_id": ci.ID, "name": ci.Name, "inactive_days": inactiveDays},
						})
					}
				}
			}

			// Orphan check, deduped so repeated sweeps don't re-raise tickets
			// for a CI already flagged in this run.
			if _, related := relationshipCIIDs[ci.ID]; !related {
				if _, done := notified[ci.ID]; !done {
					notified[ci.ID] = struct{}{}
					if err := appendEvent(ctx, st, "governance.orphan.detected", ci.ID, store.JSONMap{
						"ci_id": ci.ID,
						"name":  ci.Name,
					}, now); err != nil {
						return 0, err
					}
					if s.metrics != nil {
						s.metrics.OrphansDetected.Inc()
					}
					tickets = append(tickets, ticket{
						summary: "Orphan CI detected",
						details: map[string]any{"ci_id": ci.ID, "name": ci.Name},
					})
				}
			}
		}
	}

	for _, t := range tickets {
		s.notifier.CreateIssue(t.summary, t.details)
	}
	if transitioned > 0 {
		s.logger.Printf("Lifecycle sweep transitioned %d CIs", transitioned)
	}
	return transitioned, nil
}

func appendEvent(ctx context.Context, st store.Store, eventType, ciID string, payload store.JSONMap, at time.Time) error {
	return st.AppendAuditEvent(ctx, &store.AuditEvent{
		CIID:      ciID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: at,
	})
}
