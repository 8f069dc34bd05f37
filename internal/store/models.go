package store

import (
	"context"
	"errors"
	"time"
)

// CI status values (lifecycle states).
const (
	CIStatusActive           = "ACTIVE"
	CIStatusStaging          = "STAGING"
	CIStatusRetirementReview = "RETIREMENT_REVIEW"
	CIStatusRetired          = "RETIRED"
)

// Collision status values.
const (
	CollisionOpen     = "OPEN"
	CollisionResolved = "RESOLVED"
)

// Sync job status values.
const (
	JobQueued    = "QUEUED"
	JobRunning   = "RUNNING"
	JobSucceeded = "SUCCEEDED"
	JobFailed    = "FAILED"
)

// Approval status values.
const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
	ApprovalConsumed = "CONSUMED"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a uniqueness constraint would be violated.
	ErrConflict = errors.New("uniqueness conflict")
)

// JSONMap is a schemaless JSON object column.
type JSONMap map[string]any

// CI is the authoritative record for one real-world entity.
type CI struct {
	ID         string
	Name       string
	CIType     string
	Source     string
	Owner      string // empty means unowned
	Status     string
	Attributes JSONMap
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Identity is a (scheme, value) pair naming exactly one CI.
type Identity struct {
	ID        int64
	CIID      string
	Scheme    string
	Value     string
	CreatedAt time.Time
}

// Relationship links two CIs with a typed edge.
type Relationship struct {
	ID           int64
	SourceCIID   string
	TargetCIID   string
	RelationType string
	Source       string
	CreatedAt    time.Time
}

// AuditEvent is an append-only log entry.
type AuditEvent struct {
	ID        int64
	CIID      string // empty means not CI-scoped
	EventType string
	Payload   JSONMap
	CreatedAt time.Time
}

// Collision records two CIs competing for the same identity tuple.
type Collision struct {
	ID             int64
	Scheme         string
	Value          string
	ExistingCIID   string
	IncomingCIID   string
	Status         string
	ResolutionNote string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

// SyncJob is one unit of queued integration work.
type SyncJob struct {
	ID           string
	JobType      string
	Status       string
	RequestedBy  string
	Payload      JSONMap
	Result       JSONMap
	LastError    string
	AttemptCount int
	MaxAttempts  int
	NextRunAt    time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Approval is a maker-checker change approval bound to one mutating request.
type Approval struct {
	ID             string
	Method         string
	RequestPath    string
	PayloadHash    string
	PayloadPreview JSONMap
	Reason         string
	RequestedBy    string
	Status         string
	DecidedBy      string
	DecisionNote   string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	DecidedAt      *time.Time
	ConsumedAt     *time.Time
	UpdatedAt      time.Time
}

// CIFilter narrows CI listings.
type CIFilter struct {
	Status      string
	Source      string
	Owner       string
	Environment string
	CIClass     string
	Query       string
	Limit       int
	Offset      int
}

// RelationshipFilter narrows relationship listings.
type RelationshipFilter struct {
	CIID         string
	SourceCIID   string
	TargetCIID   string
	RelationType string
	Limit        int
}

// OwnerCount is one row of the dashboard top-owner aggregate.
type OwnerCount struct {
	Owner string
	Count int
}

// Store is the typed persistence surface of the CMDB. The SQL implementation
// runs every call against the transaction it was opened in; the in-memory
// implementation backs tests.
type Store interface {
	// CIs
	GetCI(ctx context.Context, id string) (*CI, error)
	CreateCI(ctx context.Context, ci *CI) error
	UpdateCI(ctx context.Context, ci *CI) error
	ListCIs(ctx context.Context, filter CIFilter) ([]CI, int, error)
	ListCIPage(ctx context.Context, offset, limit int) ([]CI, error)
	ListRecentCIs(ctx context.Context, limit int) ([]CI, error)
	CountCIs(ctx context.Context) (int, error)
	CINamesByIDs(ctx context.Context, ids []string) (map[string]string, error)
	CIStatusCounts(ctx context.Context) (map[string]int, error)
	CISourceCounts(ctx context.Context) (map[string]int, error)
	TopOwners(ctx context.Context, limit int) ([]OwnerCount, error)

	// Identities
	FindCIByIdentity(ctx context.Context, scheme, value string) (*CI, error)
	FindIdentity(ctx context.Context, scheme, value string) (*Identity, error)
	CreateIdentity(ctx context.Context, ident *Identity) error
	ListCIIdentities(ctx context.Context, ciID string) ([]Identity, error)

	// Relationships
	GetRelationship(ctx context.Context, id int64) (*Relationship, error)
	FindRelationship(ctx context.Context, sourceCIID, targetCIID, relationType string) (*Relationship, error)
	CreateRelationship(ctx context.Context, rel *Relationship) error
	UpdateRelationship(ctx context.Context, rel *Relationship) error
	DeleteRelationship(ctx context.Context, id int64) error
	ListRelationships(ctx context.Context, filter RelationshipFilter) ([]Relationship, error)
	CountRelationships(ctx context.Context) (int, error)
	RelationshipCIIDs(ctx context.Context) (map[string]struct{}, error)

	// Audit
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error)
	ListCIAuditEvents(ctx context.Context, ciID string) ([]AuditEvent, error)
	CountAuditEventsSince(ctx context.Context, since time.Time, eventTypes []string) (int, error)

	// Collisions
	GetCollision(ctx context.Context, id int64) (*Collision, error)
	FindOpenCollision(ctx context.Context, scheme, value, existingCIID, incomingCIID string) (*Collision, error)
	CreateCollision(ctx context.Context, collision *Collision) error
	UpdateCollision(ctx context.Context, collision *Collision) error
	ListCollisions(ctx context.Context, status string) ([]Collision, error)
	CountOpenCollisions(ctx context.Context) (int, error)

	// Sync state (K/V)
	ReadSyncState(ctx context.Context, key string) (string, bool, error)
	WriteSyncState(ctx context.Context, key, value string) error

	// Sync jobs
	CreateSyncJob(ctx context.Context, job *SyncJob) error
	GetSyncJob(ctx context.Context, id string) (*SyncJob, error)
	UpdateSyncJob(ctx context.Context, job *SyncJob) error
	ListSyncJobs(ctx context.Context, limit int, status string) ([]SyncJob, error)
	NextDueSyncJob(ctx context.Context, now time.Time) (*SyncJob, error)
	ClaimSyncJob(ctx context.Context, id string, now time.Time) (bool, error)
	CountSyncJobs(ctx context.Context, status string) (int, error)
	LatestSyncJob(ctx context.Context) (*SyncJob, error)
	HasActiveSyncJob(ctx context.Context, jobType, requestedBy string) (bool, error)

	// Approvals
	CreateApproval(ctx context.Context, approval *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	UpdateApproval(ctx context.Context, approval *Approval) error
	ListApprovals(ctx context.Context, status string, limit int) ([]Approval, error)
	ExpirePendingApprovals(ctx context.Context, now time.Time, decidedBy string) (int, error)
}

// DB opens transactional store scopes.
type DB interface {
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(Store) error) error
	// WithRollback runs fn in a transaction that is always rolled back.
	// Dry-run paths reconcile for real and then discard.
	WithRollback(ctx context.Context, fn func(Store) error) error
}
