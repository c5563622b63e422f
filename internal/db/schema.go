package db

// SchemaSQL defines the conversion tables. Each record keeps the full domain
// value under "data"; the fields that are filtered or ordered on are copied
// to the top level and indexed.
const SchemaSQL = `
    -- ==========================================================================
    -- CONVERSION JOBS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS conversion_job SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS conversion_job_status ON conversion_job FIELDS status;
    DEFINE INDEX IF NOT EXISTS conversion_job_tenant ON conversion_job FIELDS tenant_id;
    DEFINE INDEX IF NOT EXISTS conversion_job_template ON conversion_job FIELDS template_id;
    DEFINE INDEX IF NOT EXISTS conversion_job_created ON conversion_job FIELDS created_at;

    -- ==========================================================================
    -- CONVERSION STEPS (append-only per job)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS conversion_step SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS conversion_step_job ON conversion_step FIELDS job_id, step_number UNIQUE;

    -- ==========================================================================
    -- CATALOG
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS module_template SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS module_template_tenant ON module_template FIELDS tenant_id;

    DEFINE TABLE IF NOT EXISTS llm_config SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS llm_config_priority ON llm_config FIELDS priority;

    DEFINE TABLE IF NOT EXISTS staging_target SCHEMALESS;
`
