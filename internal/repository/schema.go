package repository

// Schema definitions for the ceap database.
// Compatible with both SQLite and PostgreSQL.

// Net values are stored as decimal text so refunds and cents survive exactly.
const schemaReimbursements = `
CREATE TABLE IF NOT EXISTS reimbursements (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    applicant_id TEXT NOT NULL,
    subquota_description TEXT NOT NULL,
    cnpj_cpf TEXT NOT NULL,
    supplier TEXT NOT NULL DEFAULT '',
    total_net_value TEXT NOT NULL,
    issue_date TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_reimbursements_issue_date ON reimbursements(tenant_id, issue_date);
CREATE INDEX IF NOT EXISTS idx_reimbursements_cnpj_cpf ON reimbursements(tenant_id, cnpj_cpf);
`

const schemaModels = `
CREATE TABLE IF NOT EXISTS models (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    fitted_at TIMESTAMP NOT NULL,
    record_count INTEGER NOT NULL,
    group_count INTEGER NOT NULL,
    rare_group_count INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_models_fitted_at ON models(tenant_id, fitted_at);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    status TEXT NOT NULL,
    outliers INTEGER NOT NULL,
    total INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    assessments TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tenant ON evaluations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_model ON evaluations(tenant_id, model_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_status ON evaluations(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(tenant_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaReimbursements,
		schemaModels,
		schemaEvaluations,
	}
}
