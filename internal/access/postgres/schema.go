package postgres

// Status columns store access.LeaseStatus / access.ExtensionStatus values;
// 1 is "active" / "pending" respectively.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS resource_locks (
	resource_id TEXT PRIMARY KEY,
	free BOOLEAN NOT NULL DEFAULT TRUE,
	holder_id TEXT,
	last_granted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS access_leases (
	lease_id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	holder_id TEXT NOT NULL,
	holder_role SMALLINT NOT NULL,
	status SMALLINT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	extended BOOLEAN NOT NULL DEFAULT FALSE,
	ended_at TIMESTAMPTZ,
	ended_by TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS access_leases_one_active_idx ON access_leases (resource_id) WHERE status = 1;
CREATE INDEX IF NOT EXISTS access_leases_active_expiry_idx ON access_leases (expires_at) WHERE status = 1;
CREATE INDEX IF NOT EXISTS access_leases_holder_idx ON access_leases (holder_id, status);
CREATE INDEX IF NOT EXISTS access_leases_started_idx ON access_leases (started_at DESC);

CREATE TABLE IF NOT EXISTS access_queue_entries (
	seq BIGSERIAL PRIMARY KEY,
	resource_id TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	role SMALLINT NOT NULL,
	priority_tier INTEGER NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL,
	extension_requested BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (resource_id, requester_id)
);

CREATE INDEX IF NOT EXISTS access_queue_entries_order_idx ON access_queue_entries (resource_id, priority_tier, joined_at, seq);

CREATE TABLE IF NOT EXISTS access_extension_requests (
	request_id TEXT PRIMARY KEY,
	lease_id TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	status SMALLINT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	prior_lease_expires_at TIMESTAMPTZ NOT NULL,
	requested_duration_ms BIGINT NOT NULL,
	decided_by TEXT,
	decided_at TIMESTAMPTZ,
	reason TEXT,
	new_expires_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS access_extension_requests_one_pending_idx ON access_extension_requests (lease_id) WHERE status = 1;

CREATE TABLE IF NOT EXISTS requester_counters (
	requester_id TEXT PRIMARY KEY,
	role SMALLINT NOT NULL,
	active_leases INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS requester_counters_role_idx ON requester_counters (role);
`
