package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ycm360/cafemx/internal/db"
	"github.com/ycm360/cafemx/internal/model"
)

// Unique constraint names from postgresMigration.
const (
	constraintSlug   = "clientes_slug_key"
	constraintSchema = "clientes_schema_name_key"
	constraintGrant  = "clientes_usuarios_user_cliente_key"
)

// PostgresStore implements Store using pgxpool. Each tenant gets its own
// PostgreSQL schema holding its tickets.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS clientes (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	nombre_negocio  TEXT NOT NULL,
	slug            TEXT NOT NULL,
	schema_name     TEXT NOT NULL,
	owner_email     TEXT NOT NULL,
	rfc             TEXT,
	plan            TEXT NOT NULL DEFAULT 'basic',
	features        JSONB NOT NULL DEFAULT '{}',
	max_usuarios    INTEGER NOT NULL DEFAULT 5,
	max_tickets_mes INTEGER NOT NULL DEFAULT 500,
	activo          BOOLEAN NOT NULL DEFAULT true,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_activity   TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT clientes_slug_key UNIQUE (slug),
	CONSTRAINT clientes_schema_name_key UNIQUE (schema_name)
);

CREATE TABLE IF NOT EXISTS clientes_usuarios (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id     TEXT NOT NULL,
	cliente_id  TEXT NOT NULL REFERENCES clientes(id) ON DELETE CASCADE,
	schema_name TEXT NOT NULL,
	rol         TEXT NOT NULL CHECK (rol IN ('owner', 'admin', 'empleado', 'viewer')),
	activo      BOOLEAN NOT NULL DEFAULT true,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT clientes_usuarios_user_cliente_key UNIQUE (user_id, cliente_id)
);

CREATE INDEX IF NOT EXISTS idx_clientes_usuarios_user ON clientes_usuarios(user_id) WHERE activo;

CREATE TABLE IF NOT EXISTS ocr_usage (
	cliente_id          TEXT NOT NULL,
	mes                 DATE NOT NULL,
	api_provider        TEXT NOT NULL,
	total_requests      BIGINT NOT NULL DEFAULT 0,
	successful_requests BIGINT NOT NULL DEFAULT 0,
	failed_requests     BIGINT NOT NULL DEFAULT 0,
	total_cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (cliente_id, mes, api_provider)
);

CREATE TABLE IF NOT EXISTS reconcile_queue (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	cliente_id    TEXT NOT NULL,
	schema_name   TEXT NOT NULL,
	action        TEXT NOT NULL,
	error         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 5,
	next_retry_at TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reconcile_pending ON reconcile_queue(next_retry_at) WHERE status = 'pending';
`

// namespaceTemplate is executed once per tenant; %[1]s is the quoted schema.
const namespaceTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s.tickets (
	id                 TEXT PRIMARY KEY,
	image_url          TEXT NOT NULL,
	fecha_ticket       DATE,
	total              DOUBLE PRECISION,
	subtotal           DOUBLE PRECISION,
	iva                DOUBLE PRECISION,
	rfc_emisor         TEXT,
	nombre_emisor      TEXT,
	concepto           TEXT,
	categoria          TEXT CHECK (categoria IN ('insumos', 'servicios', 'equipos', 'marketing', 'gastos_operativos', 'otros')),
	status             TEXT NOT NULL DEFAULT 'processed',
	ocr_confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	api_provider       TEXT NOT NULL,
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	raw_ocr_response   JSONB,
	validation_errors  JSONB NOT NULL DEFAULT '[]',
	created_by         TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tickets_fecha ON %[1]s.tickets(fecha_ticket);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON %[1]s.tickets(status);
CREATE INDEX IF NOT EXISTS idx_tickets_created_at ON %[1]s.tickets(created_at DESC);
`

var usageUpsert = db.CounterUpsert{
	Table:        "ocr_usage",
	ConflictKeys: []string{"cliente_id", "mes", "api_provider"},
	Counters:     []string{"total_requests", "successful_requests", "failed_requests", "total_cost_usd"},
	Touch:        []string{"updated_at"},
}

const tenantColumns = `id, nombre_negocio, slug, schema_name, owner_email, rfc, plan, features, max_usuarios, max_tickets_mes, activo, created_at, last_activity`

const grantColumns = `id, user_id, cliente_id, schema_name, rol, activo, created_at`

const reconcileColumns = `id, cliente_id, schema_name, action, error, status, attempts, max_attempts, next_retry_at, created_at`

const ticketColumns = `id, image_url, fecha_ticket, total, subtotal, iva, rfc_emisor, nombre_emisor, concepto, categoria, status, ocr_confidence, api_provider, processing_time_ms, raw_ocr_response, validation_errors, created_by, created_at`

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates the shared tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Tenant registry ---

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	return s.getTenant(ctx, "id", id)
}

func (s *PostgresStore) GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	return s.getTenant(ctx, "slug", slug)
}

func (s *PostgresStore) GetTenantBySchema(ctx context.Context, schema string) (*model.Tenant, error) {
	return s.getTenant(ctx, "schema_name", schema)
}

func (s *PostgresStore) getTenant(ctx context.Context, column, value string) (*model.Tenant, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM clientes WHERE %s = $1`, tenantColumns, column),
		value,
	)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get tenant by %s", column)
	}
	return t, nil
}

func (s *PostgresStore) InsertTenant(ctx context.Context, t *model.Tenant) error {
	features, err := json.Marshal(t.Features)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal features")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO clientes (`+tenantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Name, t.Slug, t.SchemaName, t.OwnerEmail, nullIfEmpty(t.TaxID), t.Plan, features,
		t.MaxUsers, t.MaxTicketsPerMonth, t.Active, t.CreatedAt, t.LastActivity,
	)
	if constraint, ok := db.UniqueViolation(err); ok {
		switch constraint {
		case constraintSlug:
			return ErrSlugConflict
		case constraintSchema:
			return ErrNamespaceConflict
		}
	}
	return eris.Wrapf(err, "postgres: insert tenant %s", t.Slug)
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM clientes WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete tenant %s", id)
}

// --- Access grants ---

func (s *PostgresStore) InsertGrant(ctx context.Context, g *model.AccessGrant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clientes_usuarios (`+grantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.UserID, g.TenantID, g.SchemaName, string(g.Role), g.Active, g.CreatedAt,
	)
	if constraint, ok := db.UniqueViolation(err); ok && constraint == constraintGrant {
		return ErrGrantConflict
	}
	return eris.Wrapf(err, "postgres: insert grant for user %s", g.UserID)
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM clientes_usuarios WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete grant %s", id)
}

func (s *PostgresStore) GetGrant(ctx context.Context, userID, tenantID string) (*model.AccessGrant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM clientes_usuarios WHERE user_id = $1 AND cliente_id = $2`,
		userID, tenantID,
	)
	g, err := scanGrant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get grant")
	}
	return g, nil
}

func (s *PostgresStore) CountActiveGrants(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM clientes_usuarios WHERE user_id = $1 AND activo`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count active grants")
	}
	return n, nil
}

// --- Namespaces ---

// MaterializeNamespace creates the tenant schema and its tables in one transaction.
func (s *PostgresStore) MaterializeNamespace(ctx context.Context, schema string) error {
	if !ValidNamespace(schema) {
		return eris.Errorf("postgres: invalid namespace %q", schema)
	}
	quoted := pgx.Identifier{schema}.Sanitize()
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoted); err != nil {
			return eris.Wrapf(err, "postgres: create schema %s", schema)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(namespaceTemplate, quoted)); err != nil {
			return eris.Wrapf(err, "postgres: create tables in %s", schema)
		}
		return nil
	})
}

func (s *PostgresStore) DropNamespace(ctx context.Context, schema string) error {
	if !ValidNamespace(schema) {
		return eris.Errorf("postgres: invalid namespace %q", schema)
	}
	_, err := s.pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	return eris.Wrapf(err, "postgres: drop schema %s", schema)
}

// --- Tickets ---

func (s *PostgresStore) InsertTicket(ctx context.Context, t *model.Ticket) error {
	if !ValidNamespace(t.SchemaName) {
		return eris.Errorf("postgres: invalid namespace %q", t.SchemaName)
	}
	validation, err := json.Marshal(nonNilStrings(t.Result.ValidationErrors))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validation errors")
	}
	r := t.Result
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+db.QualifiedTable(t.SchemaName, "tickets")+` (`+ticketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.ImageURL, receiptDate(r.Date), r.Total, r.Subtotal, r.Tax,
		r.IssuerTaxID, r.IssuerName, r.Description, categoryString(r.Category),
		string(t.Status), r.Confidence, r.Provider, r.ProcessingTimeMs,
		rawJSON(r.RawResponse), validation, t.CreatedBy, t.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert ticket into %s", t.SchemaName)
}

func (s *PostgresStore) ListTickets(ctx context.Context, schema string, filter TicketFilter) ([]model.Ticket, error) {
	if !ValidNamespace(schema) {
		return nil, eris.Errorf("postgres: invalid namespace %q", schema)
	}
	query := `SELECT ` + ticketColumns + ` FROM ` + db.QualifiedTable(schema, "tickets") + ` WHERE 1=1`
	var args []any
	argIdx := 1

	if !filter.From.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(` AND created_at < $%d`, argIdx)
		args = append(args, filter.To)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tickets in %s", schema)
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan ticket")
		}
		t.SchemaName = schema
		tickets = append(tickets, *t)
	}
	return tickets, eris.Wrap(rows.Err(), "postgres: iterate tickets")
}

// --- Usage ---

func (s *PostgresStore) IncrementUsage(ctx context.Context, d model.UsageDelta) error {
	query, err := usageUpsert.SQL()
	if err != nil {
		return err
	}
	succ, failed := usageSplit(d.Successful)
	_, err = s.pool.Exec(ctx, query,
		d.TenantID, model.MonthStart(d.Month), d.Provider, int64(1), succ, failed, d.CostUSD,
	)
	return eris.Wrapf(err, "postgres: increment usage for %s", d.TenantID)
}

func (s *PostgresStore) GetUsage(ctx context.Context, tenantID string, month time.Time) ([]model.UsageCounter, error) {
	query := `SELECT cliente_id, mes, api_provider, total_requests, successful_requests, failed_requests, total_cost_usd, updated_at
	          FROM ocr_usage WHERE cliente_id = $1`
	args := []any{tenantID}
	if !month.IsZero() {
		query += ` AND mes = $2`
		args = append(args, model.MonthStart(month))
	}
	query += ` ORDER BY mes DESC, api_provider`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get usage")
	}
	defer rows.Close()

	var out []model.UsageCounter
	for rows.Next() {
		var c model.UsageCounter
		if err := rows.Scan(&c.TenantID, &c.Month, &c.Provider, &c.TotalRequests,
			&c.SuccessfulRequests, &c.FailedRequests, &c.TotalCostUSD, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate usage")
}

// --- Reconciliation queue ---

func (s *PostgresStore) Enqueue(ctx context.Context, e *model.ReconcileEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconcile_queue (`+reconcileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TenantID, e.SchemaName, e.Action, e.Error, string(e.Status),
		e.Attempts, e.MaxAttempts, e.NextRetryAt, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue reconcile for %s", e.TenantID)
}

func (s *PostgresStore) ListPending(ctx context.Context, now time.Time, limit int) ([]model.ReconcileEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reconcileColumns+` FROM reconcile_queue
		 WHERE status = 'pending' AND next_retry_at <= $1
		 ORDER BY next_retry_at ASC LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending reconcile")
	}
	defer rows.Close()

	var entries []model.ReconcileEntry
	for rows.Next() {
		e, err := scanReconcile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan reconcile entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate reconcile")
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reconcile_queue WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count pending reconcile")
	}
	return n, nil
}

func (s *PostgresStore) MarkResolved(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE reconcile_queue SET status = 'resolved' WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve reconcile %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reconcile_queue
		 SET attempts = attempts + 1,
		     error = $1,
		     next_retry_at = $2,
		     status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END
		 WHERE id = $3`,
		errMsg, nextRetryAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail reconcile %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scanning shared with SQLiteStore ---

func scanTenant(row scannable) (*model.Tenant, error) {
	var t model.Tenant
	var taxID *string
	var features []byte
	if err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.SchemaName, &t.OwnerEmail, &taxID, &t.Plan,
		&features, &t.MaxUsers, &t.MaxTicketsPerMonth, &t.Active, &t.CreatedAt, &t.LastActivity); err != nil {
		return nil, err
	}
	t.TaxID = derefString(taxID)
	if len(features) > 0 {
		if err := json.Unmarshal(features, &t.Features); err != nil {
			return nil, eris.Wrap(err, "unmarshal features")
		}
	}
	return &t, nil
}

func scanGrant(row scannable) (*model.AccessGrant, error) {
	var g model.AccessGrant
	var role string
	if err := row.Scan(&g.ID, &g.UserID, &g.TenantID, &g.SchemaName, &role, &g.Active, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.Role, _ = model.ParseRole(role)
	return &g, nil
}

func scanReconcile(row scannable) (*model.ReconcileEntry, error) {
	var e model.ReconcileEntry
	var status string
	if err := row.Scan(&e.ID, &e.TenantID, &e.SchemaName, &e.Action, &e.Error, &status,
		&e.Attempts, &e.MaxAttempts, &e.NextRetryAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = model.ReconcileStatus(status)
	return &e, nil
}

func scanTicket(row scannable) (*model.Ticket, error) {
	var t model.Ticket
	var date *time.Time
	var category *string
	var status string
	var raw, validation []byte
	r := &t.Result
	if err := row.Scan(&t.ID, &t.ImageURL, &date, &r.Total, &r.Subtotal, &r.Tax,
		&r.IssuerTaxID, &r.IssuerName, &r.Description, &category, &status,
		&r.Confidence, &r.Provider, &r.ProcessingTimeMs, &raw, &validation,
		&t.CreatedBy, &t.CreatedAt); err != nil {
		return nil, err
	}
	r.Date = dateString(date)
	r.Category = parseCategory(category)
	t.Status = model.TicketStatus(status)
	if len(raw) > 0 {
		r.RawResponse = json.RawMessage(raw)
	}
	if len(validation) > 0 {
		if err := json.Unmarshal(validation, &r.ValidationErrors); err != nil {
			return nil, eris.Wrap(err, "unmarshal validation errors")
		}
	}
	return &t, nil
}

func usageSplit(successful bool) (succ, failed int64) {
	if successful {
		return 1, 0
	}
	return 0, 1
}

func rawJSON(raw json.RawMessage) []byte {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return []byte(raw)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Store = (*PostgresStore)(nil)
