package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemDB is an in-memory DB used by tests. Transactions are serialized under
// one mutex; rollback restores a pre-transaction snapshot.
type MemDB struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	cis           map[string]CI
	identities    map[int64]Identity
	relationships map[int64]Relationship
	auditEvents   map[int64]AuditEvent
	collisions    map[int64]Collision
	syncState     map[string]string
	syncJobs      map[string]SyncJob
	approvals     map[string]Approval

	nextIdentityID     int64
	nextRelationshipID int64
	nextAuditID        int64
	nextCollisionID    int64
}

// NewMemDB returns an empty in-memory database.
func NewMemDB() *MemDB {
	return &MemDB{data: newMemData()}
}

func newMemData() *memData {
	return &memData{
		cis:                map[string]CI{},
		identities:         map[int64]Identity{},
		relationships:      map[int64]Relationship{},
		auditEvents:        map[int64]AuditEvent{},
		collisions:         map[int64]Collision{},
		syncState:          map[string]string{},
		syncJobs:           map[string]SyncJob{},
		approvals:          map[string]Approval{},
		nextIdentityID:     1,
		nextRelationshipID: 1,
		nextAuditID:        1,
		nextCollisionID:    1,
	}
}

func cloneJSON(m JSONMap) JSONMap {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return JSONMap{}
	}
	var out JSONMap
	_ = json.Unmarshal(raw, &out)
	return out
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.cis {
		v.Attributes = cloneJSON(v.Attributes)
		c.cis[k] = v
	}
	for k, v := range d.identities {
		c.identities[k] = v
	}
	for k, v := range d.relationships {
		c.relationships[k] = v
	}
	for k, v := range d.auditEvents {
		v.Payload = cloneJSON(v.Payload)
		c.auditEvents[k] = v
	}
	for k, v := range d.collisions {
		c.collisions[k] = v
	}
	for k, v := range d.syncState {
		c.syncState[k] = v
	}
	for k, v := range d.syncJobs {
		v.Payload = cloneJSON(v.Payload)
		v.Result = cloneJSON(v.Result)
		c.syncJobs[k] = v
	}
	for k, v := range d.approvals {
		v.PayloadPreview = cloneJSON(v.PayloadPreview)
		c.approvals[k] = v
	}
	c.nextIdentityID = d.nextIdentityID
	c.nextRelationshipID = d.nextRelationshipID
	c.nextAuditID = d.nextAuditID
	c.nextCollisionID = d.nextCollisionID
	return c
}

// WithTx runs fn against live data, restoring a snapshot when fn errors.
func (m *MemDB) WithTx(ctx context.Context, fn func(Store) error) error {
	return m.run(ctx, false, fn)
}

// WithRollback runs fn and always discards its writes.
func (m *MemDB) WithRollback(ctx context.Context, fn func(Store) error) error {
	return m.run(ctx, true, fn)
}

func (m *MemDB) run(_ context.Context, alwaysRollback bool, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.data.clone()
	err := fn(&memStore{data: m.data})
	if err != nil || alwaysRollback {
		m.data = snapshot
	}
	return err
}

// View runs fn read-only against a snapshot, outside any transaction.
func (m *MemDB) View(fn func(Store)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&memStore{data: m.data})
}

type memStore struct {
	data *memData
}

func (s *memStore) GetCI(_ context.Context, id string) (*CI, error) {
	ci, ok := s.data.cis[id]
	if !ok {
		return nil, ErrNotFound
	}
	ci.Attributes = cloneJSON(ci.Attributes)
	return &ci, nil
}

func (s *memStore) CreateCI(_ context.Context, ci *CI) error {
	if _, ok := s.data.cis[ci.ID]; ok {
		return ErrConflict
	}
	stored := *ci
	stored.Attributes = cloneJSON(ci.Attributes)
	s.data.cis[ci.ID] = stored
	return nil
}

func (s *memStore) UpdateCI(_ context.Context, ci *CI) error {
	if _, ok := s.data.cis[ci.ID]; !ok {
		return ErrNotFound
	}
	stored := *ci
	stored.Attributes = cloneJSON(ci.Attributes)
	s.data.cis[ci.ID] = stored
	return nil
}

func (s *memStore) allCIs() []CI {
	out := make([]CI, 0, len(s.data.cis))
	for _, ci := range s.data.cis {
		ci.Attributes = cloneJSON(ci.Attributes)
		out = append(out, ci)
	}
	return out
}

func (s *memStore) ListCIs(_ context.Context, filter CIFilter) ([]CI, int, error) {
	var matched []CI
	q := strings.ToLower(filter.Query)
	for _, ci := range s.allCIs() {
		if filter.Status != "" && ci.Status != filter.Status {
			continue
		}
		if filter.Source != "" && ci.Source != filter.Source {
			continue
		}
		if filter.Owner != "" && ci.Owner != filter.Owner {
			continue
		}
		if filter.Environment != "" {
			env, _ := ci.Attributes["environment"].(string)
			if env != filter.Environment {
				continue
			}
		}
		if filter.CIClass != "" && ci.CIType != filter.CIClass {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(ci.Name), q) &&
			!strings.Contains(strings.ToLower(ci.CIType), q) {
			continue
		}
		matched = append(matched, ci)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *memStore) ListCIPage(_ context.Context, offset, limit int) ([]CI, error) {
	out := s.allCIs()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListRecentCIs(_ context.Context, limit int) ([]CI, error) {
	out := s.allCIs()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountCIs(_ context.Context) (int, error) {
	return len(s.data.cis), nil
}

func (s *memStore) CINamesByIDs(_ context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	for _, id := range ids {
		if ci, ok := s.data.cis[id]; ok {
			names[id] = ci.Name
		}
	}
	return names, nil
}

func (s *memStore) CIStatusCounts(_ context.Context) (map[string]int, error) {
	counts := map[string]int{}
	for _, ci := range s.data.cis {
		counts[ci.Status]++
	}
	return counts, nil
}

func (s *memStore) CISourceCounts(_ context.Context) (map[string]int, error) {
	counts := map[string]int{}
	for _, ci := range s.data.cis {
		counts[ci.Source]++
	}
	return counts, nil
}

func (s *memStore) TopOwners(_ context.Context, limit int) ([]OwnerCount, error) {
	counts := map[string]int{}
	for _, ci := range s.data.cis {
		if ci.Owner != "" {
			counts[ci.Owner]++
		}
	}
	out := make([]OwnerCount, 0, len(counts))
	for owner, n := range counts {
		out = append(out, OwnerCount{Owner: owner, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Owner < out[j].Owner
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) FindCIByIdentity(ctx context.Context, scheme, value string) (*CI, error) {
	ident, err := s.FindIdentity(ctx, scheme, value)
	if err != nil {
		return nil, err
	}
	return s.GetCI(ctx, ident.CIID)
}

func (s *memStore) FindIdentity(_ context.Context, scheme, value string) (*Identity, error) {
	for _, ident := range s.data.identities {
		if ident.Scheme == scheme && ident.Value == value {
			found := ident
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) CreateIdentity(_ context.Context, ident *Identity) error {
	for _, existing := range s.data.identities {
		if existing.Scheme == ident.Scheme && existing.Value == ident.Value {
			return ErrConflict
		}
	}
	ident.ID = s.data.nextIdentityID
	s.data.nextIdentityID++
	s.data.identities[ident.ID] = *ident
	return nil
}

func (s *memStore) ListCIIdentities(_ context.Context, ciID string) ([]Identity, error) {
	var out []Identity
	for _, ident := range s.data.identities {
		if ident.CIID == ciID {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetRelationship(_ context.Context, id int64) (*Relationship, error) {
	rel, ok := s.data.relationships[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rel, nil
}

func (s *memStore) FindRelationship(_ context.Context, sourceCIID, targetCIID, relationType string) (*Relationship, error) {
	for _, rel := range s.data.relationships {
		if rel.SourceCIID == sourceCIID && rel.TargetCIID == targetCIID && rel.RelationType == relationType {
			found := rel
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) CreateRelationship(ctx context.Context, rel *Relationship) error {
	if _, err := s.FindRelationship(ctx, rel.SourceCIID, rel.TargetCIID, rel.RelationType); err == nil {
		return ErrConflict
	}
	rel.ID = s.data.nextRelationshipID
	s.data.nextRelationshipID++
	s.data.relationships[rel.ID] = *rel
	return nil
}

func (s *memStore) UpdateRelationship(ctx context.Context, rel *Relationship) error {
	if _, ok := s.data.relationships[rel.ID]; !ok {
		return ErrNotFound
	}
	if existing, err := s.FindRelationship(ctx, rel.SourceCIID, rel.TargetCIID, rel.RelationType); err == nil && existing.ID != rel.ID {
		return ErrConflict
	}
	s.data.relationships[rel.ID] = *rel
	return nil
}

func (s *memStore) DeleteRelationship(_ context.Context, id int64) error {
	if _, ok := s.data.relationships[id]; !ok {
		return ErrNotFound
	}
	delete(s.data.relationships, id)
	return nil
}

func (s *memStore) ListRelationships(_ context.Context, filter RelationshipFilter) ([]Relationship, error) {
	var out []Relationship
	for _, rel := range s.data.relationships {
		if filter.CIID != "" && rel.SourceCIID != filter.CIID && rel.TargetCIID != filter.CIID {
			continue
		}
		if filter.SourceCIID != "" && rel.SourceCIID != filter.SourceCIID {
			continue
		}
		if filter.TargetCIID != "" && rel.TargetCIID != filter.TargetCIID {
			continue
		}
		if filter.RelationType != "" && rel.RelationType != filter.RelationType {
			continue
		}
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountRelationships(_ context.Context) (int, error) {
	return len(s.data.relationships), nil
}

func (s *memStore) RelationshipCIIDs(_ context.Context) (map[string]struct{}, error) {
	ids := map[string]struct{}{}
	for _, rel := range s.data.relationships {
		ids[rel.SourceCIID] = struct{}{}
		ids[rel.TargetCIID] = struct{}{}
	}
	return ids, nil
}

func (s *memStore) AppendAuditEvent(_ context.Context, event *AuditEvent) error {
	event.ID = s.data.nextAuditID
	s.data.nextAuditID++
	stored := *event
	stored.Payload = cloneJSON(event.Payload)
	s.data.auditEvents[event.ID] = stored
	return nil
}

func (s *memStore) allAuditEvents() []AuditEvent {
	out := make([]AuditEvent, 0, len(s.data.auditEvents))
	for _, ev := range s.data.auditEvents {
		ev.Payload = cloneJSON(ev.Payload)
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (s *memStore) ListAuditEvents(_ context.Context, limit int) ([]AuditEvent, error) {
	out := s.allAuditEvents()
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListCIAuditEvents(_ context.Context, ciID string) ([]AuditEvent, error) {
	var out []AuditEvent
	for _, ev := range s.allAuditEvents() {
		if ev.CIID == ciID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memStore) CountAuditEventsSince(_ context.Context, since time.Time, eventTypes []string) (int, error) {
	n := 0
	for _, ev := range s.data.auditEvents {
		if ev.CreatedAt.Before(since) {
			continue
		}
		if len(eventTypes) > 0 {
			match := false
			for _, t := range eventTypes {
				if ev.EventType == t {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		n++
	}
	return n, nil
}

func (s *memStore) GetCollision(_ context.Context, id int64) (*Collision, error) {
	c, ok := s.data.collisions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *memStore) FindOpenCollision(_ context.Context, scheme, value, existingCIID, incomingCIID string) (*Collision, error) {
	var best *Collision
	for _, c := range s.data.collisions {
		if c.Scheme == scheme && c.Value == value && c.ExistingCIID == existingCIID &&
			c.IncomingCIID == incomingCIID && c.Status == CollisionOpen {
			found := c
			if best == nil || found.ID < best.ID {
				best = &found
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *memStore) CreateCollision(_ context.Context, collision *Collision) error {
	collision.ID = s.data.nextCollisionID
	s.data.nextCollisionID++
	s.data.collisions[collision.ID] = *collision
	return nil
}

func (s *memStore) UpdateCollision(_ context.Context, collision *Collision) error {
	if _, ok := s.data.collisions[collision.ID]; !ok {
		return ErrNotFound
	}
	s.data.collisions[collision.ID] = *collision
	return nil
}

func (s *memStore) ListCollisions(_ context.Context, status string) ([]Collision, error) {
	var out []Collision
	for _, c := range s.data.collisions {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) CountOpenCollisions(_ context.Context) (int, error) {
	n := 0
	for _, c := range s.data.collisions {
		if c.Status == CollisionOpen {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ReadSyncState(_ context.Context, key string) (string, bool, error) {
	v, ok := s.data.syncState[key]
	return v, ok, nil
}

func (s *memStore) WriteSyncState(_ context.Context, key, value string) error {
	s.data.syncState[key] = value
	return nil
}

func (s *memStore) CreateSyncJob(_ context.Context, job *SyncJob) error {
	if _, ok := s.data.syncJobs[job.ID]; ok {
		return ErrConflict
	}
	stored := *job
	stored.Payload = cloneJSON(job.Payload)
	stored.Result = cloneJSON(job.Result)
	s.data.syncJobs[job.ID] = stored
	return nil
}

func (s *memStore) GetSyncJob(_ context.Context, id string) (*SyncJob, error) {
	job, ok := s.data.syncJobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	job.Payload = cloneJSON(job.Payload)
	job.Result = cloneJSON(job.Result)
	return &job, nil
}

func (s *memStore) UpdateSyncJob(_ context.Context, job *SyncJob) error {
	if _, ok := s.data.syncJobs[job.ID]; !ok {
		return ErrNotFound
	}
	stored := *job
	stored.Payload = cloneJSON(job.Payload)
	stored.Result = cloneJSON(job.Result)
	s.data.syncJobs[job.ID] = stored
	return nil
}

func (s *memStore) allSyncJobs() []SyncJob {
	out := make([]SyncJob, 0, len(s.data.syncJobs))
	for _, job := range s.data.syncJobs {
		job.Payload = cloneJSON(job.Payload)
		job.Result = cloneJSON(job.Result)
		out = append(out, job)
	}
	return out
}

func (s *memStore) ListSyncJobs(_ context.Context, limit int, status string) ([]SyncJob, error) {
	var out []SyncJob
	for _, job := range s.allSyncJobs() {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) NextDueSyncJob(_ context.Context, now time.Time) (*SyncJob, error) {
	var best *SyncJob
	for _, job := range s.allSyncJobs() {
		if job.Status != JobQueued || job.NextRunAt.After(now) {
			continue
		}
		j := job
		if best == nil || j.NextRunAt.Before(best.NextRunAt) ||
			(j.NextRunAt.Equal(best.NextRunAt) && j.CreatedAt.Before(best.CreatedAt)) {
			best = &j
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *memStore) ClaimSyncJob(_ context.Context, id string, now time.Time) (bool, error) {
	job, ok := s.data.syncJobs[id]
	if !ok || job.Status != JobQueued {
		return false, nil
	}
	started := now
	job.Status = JobRunning
	job.StartedAt = &started
	job.AttemptCount++
	job.LastError = ""
	s.data.syncJobs[id] = job
	return true, nil
}

func (s *memStore) CountSyncJobs(_ context.Context, status string) (int, error) {
	n := 0
	for _, job := range s.data.syncJobs {
		if status == "" || job.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *memStore) LatestSyncJob(_ context.Context) (*SyncJob, error) {
	var best *SyncJob
	for _, job := range s.allSyncJobs() {
		j := job
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = &j
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *memStore) HasActiveSyncJob(_ context.Context, jobType, requestedBy string) (bool, error) {
	for _, job := range s.data.syncJobs {
		if job.JobType == jobType && job.RequestedBy == requestedBy &&
			(job.Status == JobQueued || job.Status == JobRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CreateApproval(_ context.Context, approval *Approval) error {
	if _, ok := s.data.approvals[approval.ID]; ok {
		return ErrConflict
	}
	stored := *approval
	stored.PayloadPreview = cloneJSON(approval.PayloadPreview)
	s.data.approvals[approval.ID] = stored
	return nil
}

func (s *memStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	a, ok := s.data.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.PayloadPreview = cloneJSON(a.PayloadPreview)
	return &a, nil
}

func (s *memStore) UpdateApproval(_ context.Context, approval *Approval) error {
	if _, ok := s.data.approvals[approval.ID]; !ok {
		return ErrNotFound
	}
	stored := *approval
	stored.PayloadPreview = cloneJSON(approval.PayloadPreview)
	s.data.approvals[approval.ID] = stored
	return nil
}

func (s *memStore) ListApprovals(_ context.Context, status string, limit int) ([]Approval, error) {
	var out []Approval
	for _, a := range s.data.approvals {
		if status != "" && a.Status != status {
			continue
		}
		a.PayloadPreview = cloneJSON(a.PayloadPreview)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ExpirePendingApprovals(_ context.Context, now time.Time, decidedBy string) (int, error) {
	n := 0
	for id, a := range s.data.approvals {
		if a.Status != ApprovalPending || a.ExpiresAt.After(now) {
			continue
		}
		decided := now
		a.Status = ApprovalRejected
		a.DecidedBy = decidedBy
		a.DecisionNote = "expired"
		a.DecidedAt = &decided
		a.UpdatedAt = now
		s.data.approvals[id] = a
		n++
	}
	return n, nil
}
