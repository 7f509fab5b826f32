package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    ticket_id TEXT NOT NULL,
    ticket_title TEXT,
    role TEXT NOT NULL,
    outcome TEXT NOT NULL,
    pr_url TEXT,
    error TEXT,
    batch_id INTEGER REFERENCES batches(id),
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_ticket_id ON runs(ticket_id);
CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome);

CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    ordinal INTEGER NOT NULL,
    succeeded BOOLEAN NOT NULL,
    exit_code INTEGER,
    duration_ms INTEGER,
    transcript_path TEXT,
    classification TEXT
);

CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON attempts(run_id);

CREATE TABLE IF NOT EXISTS batches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    label TEXT NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    tickets_succeeded INTEGER DEFAULT 0,
    tickets_failed INTEGER DEFAULT 0
);
`
