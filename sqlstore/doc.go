// Package sqlstore stores outbox messages in a relational table and claims them in batches
// with row locks held by a database transaction.
//
// The outbox table needs the following columns, ids growing with insertion order:
//
//	CREATE TABLE outbox (
//	    id BIGSERIAL PRIMARY KEY,
//	    target TEXT,
//	    message_type TEXT,
//	    payload BYTEA,
//	    observability_context BYTEA,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//
// MySQL connections need parseTime=true so created_at scans into a time.Time.
package sqlstore
