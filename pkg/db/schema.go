package db

// Schema defines the SQLite database schema for run records.
// One row per provisioning invocation; clean and status read it back.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    command TEXT NOT NULL,
    stage TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed', 'cleaned')),
    pid INTEGER,
    workspace TEXT,
    tap_device TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Status constants
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCleaned   = "cleaned"
)

// Run represents one invocation of a provisioning command
type Run struct {
	ID           string
	Command      string
	Stage        string
	Status       string
	PID          int
	Workspace    string
	TapDevice    string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
