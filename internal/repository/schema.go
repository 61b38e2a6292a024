package repository

// Schema definitions for the Kestrel decision store.
// Compatible with both SQLite and PostgreSQL.

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    status TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    fraud_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    model_type TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    fraud_detail TEXT NOT NULL,
    heuristic TEXT NOT NULL,
    posture TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_status ON evaluations(status);
CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(timestamp);
CREATE INDEX IF NOT EXISTS idx_evaluations_fingerprint ON evaluations(fingerprint);
`

// schemaPIIFindings stores masked values only. Raw PII is never persisted.
const schemaPIIFindings = `
CREATE TABLE IF NOT EXISTS pii_findings (
    evaluation_id TEXT NOT NULL REFERENCES evaluations(id) ON DELETE CASCADE,
    field TEXT NOT NULL,
    category TEXT NOT NULL,
    masked_value TEXT NOT NULL,
    PRIMARY KEY (evaluation_id, field)
);

CREATE INDEX IF NOT EXISTS idx_pii_findings_category ON pii_findings(category);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvaluations,
		schemaPIIFindings,
	}
}
