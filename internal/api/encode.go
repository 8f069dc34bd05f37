package api

import (
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func isoOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func iso(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func ownerOrNil(owner string) any {
	if owner == "" {
		return nil
	}
	return owner
}

func ciJSON(ci *store.CI) map[string]any {
	attributes := ci.Attributes
	if attributes == nil {
		attributes = store.JSONMap{}
	}
	return map[string]any{
		"id":           ci.ID,
		"name":         ci.Name,
		"ci_type":      ci.CIType,
		"source":       ci.Source,
		"owner":        ownerOrNil(ci.Owner),
		"status":       ci.Status,
		"attributes":   attributes,
		"last_seen_at": iso(ci.LastSeenAt),
		"created_at":   iso(ci.CreatedAt),
		"updated_at":   iso(ci.UpdatedAt),
	}
}

func identityJSON(ident *store.Identity) map[string]any {
	return map[string]any{
		"id":         ident.ID,
		"ci_id":      ident.CIID,
		"scheme":     ident.Scheme,
		"value":      ident.Value,
		"created_at": iso(ident.CreatedAt),
	}
}

func relationshipJSON(rel *store.Relationship) map[string]any {
	return map[string]any{
		"id":            rel.ID,
		"source_ci_id":  rel.SourceCIID,
		"target_ci_id":  rel.TargetCIID,
		"relation_type": rel.RelationType,
		"source":        rel.Source,
		"created_at":    iso(rel.CreatedAt),
	}
}

func auditEventJSON(event *store.AuditEvent) map[string]any {
	var ciID any
	if event.CIID != "" {
		ciID = event.CIID
	}
	payload := event.Payload
	if payload == nil {
		payload = store.JSONMap{}
	}
	return map[string]any{
		"id":         event.ID,
		"ci_id":      ciID,
		"event_type": event.EventType,
		"payload":    payload,
		"created_at": iso(event.CreatedAt),
	}
}

func collisionJSON(collision *store.Collision) map[string]any {
	var note any
	if collision.ResolutionNote != "" {
		note = collision.ResolutionNote
	}
	return map[string]any{
		"id":              collision.ID,
		"scheme":          collision.Scheme,
		"value":           collision.Value,
		"existing_ci_id":  collision.ExistingCIID,
		"incoming_ci_id":  collision.IncomingCIID,
		"status":          collision.Status,
		"resolution_note": note,
		"resolved_at":     isoOrNil(collision.ResolvedAt),
		"created_at":      iso(collision.CreatedAt),
	}
}

func jobJSON(job *store.SyncJob) map[string]any {
	payload := job.Payload
	if payload == nil {
		payload = store.JSONMap{}
	}
	var result any
	if job.Result != nil {
		result = job.Result
	}
	var lastError any
	if job.LastError != "" {
		lastError = job.LastError
	}
	return map[string]any{
		"id":            job.ID,
		"job_type":      job.JobType,
		"status":        job.Status,
		"requested_by":  job.RequestedBy,
		"payload":       payload,
		"result":        result,
		"last_error":    lastError,
		"attempt_count": job.AttemptCount,
		"max_attempts":  job.MaxAttempts,
		"next_run_at":   iso(job.NextRunAt),
		"created_at":    iso(job.CreatedAt),
		"started_at":    isoOrNil(job.StartedAt),
		"completed_at":  isoOrNil(job.CompletedAt),
	}
}

func approvalJSON(approval *store.Approval) map[string]any {
	preview := approval.PayloadPreview
	if preview == nil {
		preview = store.JSONMap{}
	}
	var decidedBy, decisionNote, reason any
	if approval.DecidedBy != "" {
		decidedBy = approval.DecidedBy
	}
	if approval.DecisionNote != "" {
		decisionNote = approval.DecisionNote
	}
	if approval.Reason != "" {
		reason = approval.Reason
	}
	return map[string]any{
		"id":              approval.ID,
		"method":          approval.Method,
		"request_path":    approval.RequestPath,
		"payload_hash":    approval.PayloadHash,
		"payload_preview": preview,
		"reason":          reason,
		"requested_by":    approval.RequestedBy,
		"status":          approval.Status,
		"decided_by":      decidedBy,
		"decision_note":   decisionNote,
		"created_at":      iso(approval.CreatedAt),
		"expires_at":      iso(approval.ExpiresAt),
		"decided_at":      isoOrNil(approval.DecidedAt),
		"consumed_at":     isoOrNil(approval.ConsumedAt),
	}
}
