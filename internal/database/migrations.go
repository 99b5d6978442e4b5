package database

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL,
    account_name TEXT NOT NULL,
    folder TEXT NOT NULL,
    uid INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 1 CHECK (attempts >= 1),
    created_at DATETIME NOT NULL,
    resolved_at DATETIME,
    retry_status TEXT NOT NULL DEFAULT 'pending',
    next_retry_at DATETIME,
    last_retry_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letters_unresolved
    ON dead_letters(message_id, account_name) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_dead_letters_due ON dead_letters(retry_status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_uid ON dead_letters(account_name, folder, uid);

CREATE TABLE IF NOT EXISTS processed_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_name TEXT NOT NULL,
    folder TEXT NOT NULL,
    uid INTEGER NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    processed_at DATETIME NOT NULL,
    UNIQUE(account_name, folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_processed_account ON processed_messages(account_name);
`
