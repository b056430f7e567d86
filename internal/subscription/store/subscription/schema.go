package subscription

// Schema creates the tables this store depends on. Applied by migrations in
// deployment and by the integration test harness.
const Schema = `
CREATE TABLE IF NOT EXISTS user_subscriptions (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	platform TEXT NOT NULL,
	subscription_status TEXT NOT NULL,
	product_id TEXT NOT NULL DEFAULT '',
	auto_renew BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ,
	store_transaction_id TEXT NOT NULL DEFAULT '',
	original_transaction_id TEXT NOT NULL DEFAULT '',
	cancellation_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS user_subscriptions_original_txn_idx
	ON user_subscriptions (original_transaction_id)
	WHERE original_transaction_id <> '';

CREATE INDEX IF NOT EXISTS user_subscriptions_store_txn_idx
	ON user_subscriptions (store_transaction_id);

CREATE INDEX IF NOT EXISTS user_subscriptions_status_expiry_idx
	ON user_subscriptions (subscription_status, expires_at);
`
