package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Settings holds the full runtime configuration of the CMDB core. A single
// instance is built at startup and passed by reference; nothing here mutates
// after Load.
type Settings struct {
	AppName               string
	AppEnv                string
	Port                  string
	MaxRequestBodyBytes   int64
	MaxBulkItems          int
	RequestTimeoutSeconds int

	GlobalRateLimitPerMinute int

	// Per-prefix mutating rate limits (requests/minute).
	MutatingRateLimitPerMinute              int
	MutatingRateLimitIngestPerMinute        int
	MutatingRateLimitIntegrationsPerMinute  int
	MutatingRateLimitRelationshipsPerMinute int
	MutatingRateLimitCIsPerMinute           int
	MutatingRateLimitGovernancePerMinute    int
	MutatingRateLimitLifecyclePerMinute     int
	MutatingRateLimitApprovalsPerMinute     int
	ApproverMutatingRateLimitPerMinute      int

	// Per-prefix mutating payload limits (bytes).
	MutatingPayloadLimitDefaultBytes       int64
	MutatingPayloadLimitIngestBytes        int64
	MutatingPayloadLimitIntegrationsBytes  int64
	MutatingPayloadLimitRelationshipsBytes int64
	MutatingPayloadLimitCIsBytes           int64
	MutatingPayloadLimitGovernanceBytes    int64
	MutatingPayloadLimitLifecycleBytes     int64
	MutatingPayloadLimitApprovalsBytes     int64

	MakerCheckerEnabled           bool
	MakerCheckerDefaultTTLMinutes int
	MakerCheckerBindRequester     bool
	ApprovalCleanupIntervalSeconds int

	SyncJobMaxAttempts      int
	SyncJobRetryBaseSeconds int
	SyncWorkerPollSeconds   int

	SyncSchedulerEnabled                     bool
	SyncScheduleNetboxImportEnabled          bool
	SyncScheduleNetboxImportIntervalSeconds  int
	SyncScheduleNetboxImportLimit            int
	SyncScheduleBackstageSyncEnabled         bool
	SyncScheduleBackstageSyncIntervalSeconds int
	SyncScheduleBackstageSyncLimit           int

	DatabaseURL         string
	DatabaseAutoMigrate bool

	SourcePrecedence []string

	LifecycleStagingDays int
	LifecycleReviewDays  int
	LifecycleRetiredDays int

	JiraEnabled    bool
	JiraBaseURL    string
	JiraProjectKey string
	JiraEmail      string
	JiraAPIToken   string
	JiraToken      string

	UnifiedCMDBName string

	ServiceAuthMode       string
	ServiceAuthTokens     string
	ServiceViewerTokens   string
	ServiceOperatorTokens string
	ServiceApproverTokens string

	OIDCIssuer        string
	OIDCAudience      string
	OIDCJWKSURL       string
	OIDCAlgorithms    string
	OIDCScopeViewer   string
	OIDCScopeOperator string
	OIDCScopeApprover string

	NetboxSyncEnabled bool
	NetboxSyncURL     string
	NetboxSyncToken   string
	NetboxAPIURL      string
	NetboxAPIToken    string

	BackstageSyncEnabled  bool
	BackstageSyncURL      string
	BackstageSyncToken    string
	BackstageSyncSecret   string
	BackstageCatalogURL   string
	BackstageCatalogToken string
}

// Load reads the configuration from the environment, applying the documented
// defaults. It fails only on values that cannot be interpreted.
func Load() (*Settings, error) {
	s := &Settings{
		AppName:               envStr("APP_NAME", "Unified CMDB Core"),
		AppEnv:                envStr("APP_ENV", "dev"),
		Port:                  envStr("PORT", "8080"),
		MaxRequestBodyBytes:   envInt64("MAX_REQUEST_BODY_BYTES", 1048576),
		MaxBulkItems:          envInt("MAX_BULK_ITEMS", 500),
		RequestTimeoutSeconds: envInt("REQUEST_TIMEOUT_SECONDS", 30),

		GlobalRateLimitPerMinute: envInt("GLOBAL_RATE_LIMIT_PER_MINUTE", 600),

		MutatingRateLimitPerMinute:              envInt("MUTATING_RATE_LIMIT_PER_MINUTE", 120),
		MutatingRateLimitIngestPerMinute:        envInt("MUTATING_RATE_LIMIT_INGEST_PER_MINUTE", 60),
		MutatingRateLimitIntegrationsPerMinute:  envInt("MUTATING_RATE_LIMIT_INTEGRATIONS_PER_MINUTE", 60),
		MutatingRateLimitRelationshipsPerMinute: envInt("MUTATING_RATE_LIMIT_RELATIONSHIPS_PER_MINUTE", 90),
		MutatingRateLimitCIsPerMinute:           envInt("MUTATING_RATE_LIMIT_CIS_PER_MINUTE", 90),
		MutatingRateLimitGovernancePerMinute:    envInt("MUTATING_RATE_LIMIT_GOVERNANCE_PER_MINUTE", 60),
		MutatingRateLimitLifecyclePerMinute:     envInt("MUTATING_RATE_LIMIT_LIFECYCLE_PER_MINUTE", 30),
		MutatingRateLimitApprovalsPerMinute:     envInt("MUTATING_RATE_LIMIT_APPROVALS_PER_MINUTE", 60),
		ApproverMutatingRateLimitPerMinute:      envInt("APPROVER_MUTATING_RATE_LIMIT_PER_MINUTE", 30),

		MutatingPayloadLimitDefaultBytes:       envInt64("MUTATING_PAYLOAD_LIMIT_DEFAULT_BYTES", 65536),
		MutatingPayloadLimitIngestBytes:        envInt64("MUTATING_PAYLOAD_LIMIT_INGEST_BYTES", 1048576),
		MutatingPayloadLimitIntegrationsBytes:  envInt64("MUTATING_PAYLOAD_LIMIT_INTEGRATIONS_BYTES", 8192),
		MutatingPayloadLimitRelationshipsBytes: envInt64("MUTATING_PAYLOAD_LIMIT_RELATIONSHIPS_BYTES", 16384),
		MutatingPayloadLimitCIsBytes:           envInt64("MUTATING_PAYLOAD_LIMIT_CIS_BYTES", 16384),
		MutatingPayloadLimitGovernanceBytes:    envInt64("MUTATING_PAYLOAD_LIMIT_GOVERNANCE_BYTES", 8192),
		MutatingPayloadLimitLifecycleBytes:     envInt64("MUTATING_PAYLOAD_LIMIT_LIFECYCLE_BYTES", 4096),
		MutatingPayloadLimitApprovalsBytes:     envInt64("MUTATING_PAYLOAD_LIMIT_APPROVALS_BYTES", 65536),

		MakerCheckerEnabled:            envBool("MAKER_CHECKER_ENABLED", false),
		MakerCheckerDefaultTTLMinutes:  envInt("MAKER_CHECKER_DEFAULT_TTL_MINUTES", 30),
		MakerCheckerBindRequester:      envBool("MAKER_CHECKER_BIND_REQUESTER", true),
		ApprovalCleanupIntervalSeconds: envInt("APPROVAL_CLEANUP_INTERVAL_SECONDS", 60),

		SyncJobMaxAttempts:      envInt("SYNC_JOB_MAX_ATTEMPTS", 3),
		SyncJobRetryBaseSeconds: envInt("SYNC_JOB_RETRY_BASE_SECONDS", 5),
		SyncWorkerPollSeconds:   envInt("SYNC_WORKER_POLL_SECONDS", 2),

		SyncSchedulerEnabled:                     envBool("SYNC_SCHEDULER_ENABLED", true),
		SyncScheduleNetboxImportEnabled:          envBool("SYNC_SCHEDULE_NETBOX_IMPORT_ENABLED", false),
		SyncScheduleNetboxImportIntervalSeconds:  envInt("SYNC_SCHEDULE_NETBOX_IMPORT_INTERVAL_SECONDS", 900),
		SyncScheduleNetboxImportLimit:            envInt("SYNC_SCHEDULE_NETBOX_IMPORT_LIMIT", 500),
		SyncScheduleBackstageSyncEnabled:         envBool("SYNC_SCHEDULE_BACKSTAGE_SYNC_ENABLED", false),
		SyncScheduleBackstageSyncIntervalSeconds: envInt("SYNC_SCHEDULE_BACKSTAGE_SYNC_INTERVAL_SECONDS", 900),
		SyncScheduleBackstageSyncLimit:           envInt("SYNC_SCHEDULE_BACKSTAGE_SYNC_LIMIT", 500),

		DatabaseURL:         envStr("DATABASE_URL", "postgres://localhost/cmdb?sslmode=disable"),
		DatabaseAutoMigrate: envBool("DATABASE_AUTO_MIGRATE", true),

		SourcePrecedence: envList("SOURCE_PRECEDENCE", []string{"manual", "azure", "vcenter", "zabbix", "k8s"}),

		LifecycleStagingDays: envInt("LIFECYCLE_STAGING_DAYS", 30),
		LifecycleReviewDays:  envInt("LIFECYCLE_REVIEW_DAYS", 90),
		LifecycleRetiredDays: envInt("LIFECYCLE_RETIRED_DAYS", 120),

		JiraEnabled:    envBool("JIRA_ENABLED", false),
		JiraBaseURL:    envStr("JIRA_BASE_URL", ""),
		JiraProjectKey: envStr("JIRA_PROJECT_KEY", "CMDB"),
		JiraEmail:      envStr("JIRA_EMAIL", ""),
		JiraAPIToken:   envStr("JIRA_API_TOKEN", ""),
		JiraToken:      envStr("JIRA_TOKEN", ""),

		UnifiedCMDBName: envStr("UNIFIED_CMDB_NAME", "unifiedCMDB"),

		ServiceAuthMode:       strings.ToLower(strings.TrimSpace(envStr("SERVICE_AUTH_MODE", "static"))),
		ServiceAuthTokens:     envStr("SERVICE_AUTH_TOKENS", ""),
		ServiceViewerTokens:   envStr("SERVICE_VIEWER_TOKENS", ""),
		ServiceOperatorTokens: envStr("SERVICE_OPERATOR_TOKENS", ""),
		ServiceApproverTokens: envStr("SERVICE_APPROVER_TOKENS", ""),

		OIDCIssuer:        envStr("OIDC_ISSUER", ""),
		OIDCAudience:      envStr("OIDC_AUDIENCE", ""),
		OIDCJWKSURL:       envStr("OIDC_JWKS_URL", ""),
		OIDCAlgorithms:    envStr("OIDC_ALGORITHMS", "RS256"),
		OIDCScopeViewer:   envStr("OIDC_SCOPE_VIEWER", "cmdb.viewer"),
		OIDCScopeOperator: envStr("OIDC_SCOPE_OPERATOR", "cmdb.operator"),
		OIDCScopeApprover: envStr("OIDC_SCOPE_APPROVER", "cmdb.approver"),

		NetboxSyncEnabled: envBool("NETBOX_SYNC_ENABLED", false),
		NetboxSyncURL:     envStr("NETBOX_SYNC_URL", ""),
		NetboxSyncToken:   envStr("NETBOX_SYNC_TOKEN", ""),
		NetboxAPIURL:      envStr("NETBOX_API_URL", ""),
		NetboxAPIToken:    envStr("NETBOX_API_TOKEN", ""),

		BackstageSyncEnabled:  envBool("BACKSTAGE_SYNC_ENABLED", false),
		BackstageSyncURL:      envStr("BACKSTAGE_SYNC_URL", ""),
		BackstageSyncToken:    envStr("BACKSTAGE_SYNC_TOKEN", ""),
		BackstageSyncSecret:   envStr("BACKSTAGE_SYNC_SECRET", ""),
		BackstageCatalogURL:   envStr("BACKSTAGE_CATALOG_URL", ""),
		BackstageCatalogToken: envStr("BACKSTAGE_CATALOG_TOKEN", ""),
	}

	switch s.ServiceAuthMode {
	case "static", "hybrid", "oidc":
	default:
		return nil, fmt.Errorf("SERVICE_AUTH_MODE must be one of static, hybrid, oidc (got %q)", s.ServiceAuthMode)
	}
	return s, nil
}

// IsNonDevEnvironment reports whether the process runs outside a development
// environment; plain-HTTP outbound targets are rejected when true.
func (s *Settings) IsNonDevEnvironment() bool {
	switch strings.ToLower(strings.TrimSpace(s.AppEnv)) {
	case "dev", "development", "local", "test":
		return false
	}
	return true
}

// SourceRank returns the precedence index of a source; unknown sources rank
// after every configured one.
func (s *Settings) SourceRank(source string) int {
	for i, name := range s.SourcePrecedence {
		if name == source {
			return i
		}
	}
	return len(s.SourcePrecedence)
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
