package postgres

// schema is idempotent and safe to run on every start.
const schema = `
CREATE TABLE IF NOT EXISTS tokens (
    user_id           TEXT PRIMARY KEY,
    access_token_enc  TEXT NOT NULL,
    refresh_token_enc TEXT NOT NULL,
    expires_at        TIMESTAMPTZ NOT NULL,
    scope             TEXT[] NOT NULL DEFAULT '{}',
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS oauth_states (
    nonce         TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    code_verifier TEXT NOT NULL,
    redirect_uri  TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS oauth_states_expires_at_idx ON oauth_states (expires_at);

CREATE TABLE IF NOT EXISTS submissions (
    id                     TEXT PRIMARY KEY,
    user_id                TEXT NOT NULL,
    tax_year               TEXT NOT NULL,
    submission_type        TEXT NOT NULL,
    status                 TEXT NOT NULL,
    hmrc_reference         TEXT NOT NULL DEFAULT '',
    calculation_data       JSONB,
    is_amendment           BOOLEAN NOT NULL DEFAULT FALSE,
    original_submission_id TEXT NOT NULL DEFAULT '',
    amendment_reason       TEXT NOT NULL DEFAULT '',
    is_amended             BOOLEAN NOT NULL DEFAULT FALSE,
    amended_by             TEXT NOT NULL DEFAULT '',
    retry_count            INTEGER NOT NULL DEFAULT 0,
    retry_of               TEXT NOT NULL DEFAULT '',
    submitted_at           TIMESTAMPTZ,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS submissions_user_year_idx ON submissions (user_id, tax_year);

CREATE TABLE IF NOT EXISTS submission_status_events (
    id            BIGSERIAL PRIMARY KEY,
    submission_id TEXT NOT NULL REFERENCES submissions (id),
    timestamp     TIMESTAMPTZ NOT NULL,
    stage         TEXT NOT NULL,
    status        TEXT NOT NULL,
    message       TEXT NOT NULL DEFAULT '',
    metadata      JSONB
);

CREATE INDEX IF NOT EXISTS submission_status_events_submission_idx ON submission_status_events (submission_id, id);

CREATE TABLE IF NOT EXISTS submission_receipts (
    submission_id TEXT NOT NULL REFERENCES submissions (id),
    reference     TEXT NOT NULL,
    type          TEXT NOT NULL,
    payload       JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (submission_id, reference, type)
);
`
