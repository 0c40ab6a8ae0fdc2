package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    dry_run BOOLEAN DEFAULT FALSE,
    budget INTEGER,
    produced INTEGER DEFAULT 0,
    log_dir TEXT
);

CREATE TABLE IF NOT EXISTS task_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    flag_key TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT,
    resume_command TEXT,
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_task_results_run_id ON task_results(run_id);
CREATE INDEX IF NOT EXISTS idx_task_results_flag_key ON task_results(flag_key);

CREATE TABLE IF NOT EXISTS pull_requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    flag_key TEXT NOT NULL,
    url TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pull_requests_run_id ON pull_requests(run_id);
`
