package store

// Schema is the full DDL, applied at startup when DATABASE_AUTO_MIGRATE is on.
// Statements are idempotent so repeated boots are safe.
const Schema = `
CREATE TABLE IF NOT EXISTS cis (
    id           VARCHAR(36) PRIMARY KEY,
    name         VARCHAR(255) NOT NULL,
    ci_type      VARCHAR(100) NOT NULL,
    source       VARCHAR(100) NOT NULL,
    owner        VARCHAR(255),
    status       VARCHAR(32)  NOT NULL DEFAULT 'ACTIVE',
    attributes   JSONB        NOT NULL DEFAULT '{}',
    last_seen_at TIMESTAMP    NOT NULL,
    created_at   TIMESTAMP    NOT NULL DEFAULT now(),
    updated_at   TIMESTAMP    NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_cis_name     ON cis (name);
CREATE INDEX IF NOT EXISTS ix_cis_ci_type  ON cis (ci_type);
CREATE INDEX IF NOT EXISTS ix_cis_source   ON cis (source);
CREATE INDEX IF NOT EXISTS ix_cis_status   ON cis (status);
CREATE INDEX IF NOT EXISTS ix_cis_last_seen ON cis (last_seen_at);

CREATE TABLE IF NOT EXISTS identities (
    id         BIGSERIAL PRIMARY KEY,
    ci_id      VARCHAR(36) NOT NULL REFERENCES cis (id) ON DELETE CASCADE,
    scheme     VARCHAR(100) NOT NULL,
    value      VARCHAR(255) NOT NULL,
    created_at TIMESTAMP    NOT NULL DEFAULT now(),
    CONSTRAINT uq_identity_scheme_value UNIQUE (scheme, value),
    CONSTRAINT uq_identity_ci_scheme_value UNIQUE (ci_id, scheme, value)
);
CREATE INDEX IF NOT EXISTS ix_identity_ci ON identities (ci_id);

CREATE TABLE IF NOT EXISTS relationships (
    id            BIGSERIAL PRIMARY KEY,
    source_ci_id  VARCHAR(36) NOT NULL REFERENCES cis (id) ON DELETE CASCADE,
    target_ci_id  VARCHAR(36) NOT NULL REFERENCES cis (id) ON DELETE CASCADE,
    relation_type VARCHAR(100) NOT NULL,
    source        VARCHAR(100) NOT NULL,
    created_at    TIMESTAMP    NOT NULL DEFAULT now(),
    CONSTRAINT uq_rel_tuple UNIQUE (source_ci_id, target_ci_id, relation_type)
);
CREATE INDEX IF NOT EXISTS ix_rel_source ON relationships (source_ci_id);
CREATE INDEX IF NOT EXISTS ix_rel_target ON relationships (target_ci_id);

CREATE TABLE IF NOT EXISTS audit_events (
    id         BIGSERIAL PRIMARY KEY,
    ci_id      VARCHAR(36) REFERENCES cis (id) ON DELETE SET NULL,
    event_type VARCHAR(120) NOT NULL,
    payload    JSONB        NOT NULL DEFAULT '{}',
    created_at TIMESTAMP    NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_audit_ci         ON audit_events (ci_id);
CREATE INDEX IF NOT EXISTS ix_audit_event_type ON audit_events (event_type);
CREATE INDEX IF NOT EXISTS ix_audit_created    ON audit_events (created_at);

CREATE TABLE IF NOT EXISTS governance_collisions (
    id              BIGSERIAL PRIMARY KEY,
    scheme          VARCHAR(100) NOT NULL,
    value           VARCHAR(255) NOT NULL,
    existing_ci_id  VARCHAR(36) NOT NULL REFERENCES cis (id) ON DELETE CASCADE,
    incoming_ci_id  VARCHAR(36) NOT NULL REFERENCES cis (id) ON DELETE CASCADE,
    status          VARCHAR(16) NOT NULL DEFAULT 'OPEN',
    resolution_note TEXT,
    resolved_at     TIMESTAMP,
    created_at      TIMESTAMP   NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_collision_identity ON governance_collisions (scheme, value);
CREATE INDEX IF NOT EXISTS ix_collision_status   ON governance_collisions (status);

CREATE TABLE IF NOT EXISTS sync_state (
    key        VARCHAR(120) PRIMARY KEY,
    value      TEXT      NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_jobs (
    id            VARCHAR(36) PRIMARY KEY,
    job_type      VARCHAR(100) NOT NULL,
    status        VARCHAR(16)  NOT NULL DEFAULT 'QUEUED',
    requested_by  VARCHAR(120),
    payload       JSONB        NOT NULL DEFAULT '{}',
    result        JSONB,
    last_error    TEXT,
    attempt_count INTEGER      NOT NULL DEFAULT 0,
    max_attempts  INTEGER      NOT NULL DEFAULT 3,
    next_run_at   TIMESTAMP    NOT NULL DEFAULT now(),
    created_at    TIMESTAMP    NOT NULL DEFAULT now(),
    started_at    TIMESTAMP,
    completed_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS ix_sync_jobs_type            ON sync_jobs (job_type);
CREATE INDEX IF NOT EXISTS ix_sync_jobs_status_next_run ON sync_jobs (status, next_run_at);

CREATE TABLE IF NOT EXISTS change_approvals (
    id              VARCHAR(36) PRIMARY KEY,
    method          VARCHAR(10)   NOT NULL,
    request_path    VARCHAR(1024) NOT NULL,
    payload_hash    VARCHAR(64)   NOT NULL,
    payload_preview JSONB         NOT NULL DEFAULT '{}',
    reason          TEXT,
    requested_by    VARCHAR(255)  NOT NULL,
    status          VARCHAR(16)   NOT NULL DEFAULT 'PENDING',
    decided_by      VARCHAR(255),
    decision_note   TEXT,
    created_at      TIMESTAMP     NOT NULL DEFAULT now(),
    expires_at      TIMESTAMP     NOT NULL,
    decided_at      TIMESTAMP,
    consumed_at     TIMESTAMP,
    updated_at      TIMESTAMP     NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_approvals_status   ON change_approvals (status);
CREATE INDEX IF NOT EXISTS ix_approvals_expires  ON change_approvals (expires_at);
CREATE INDEX IF NOT EXISTS ix_approvals_created  ON change_approvals (created_at);
`
