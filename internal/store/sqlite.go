package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/ycm360/cafemx/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite for local
// development. SQLite has no schemas, so namespaces are rows in a
// namespaces table and tickets carry their schema name as a column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Pragmas such as foreign_keys are per connection.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS clientes (
	id              TEXT PRIMARY KEY,
	nombre_negocio  TEXT NOT NULL,
	slug            TEXT NOT NULL UNIQUE,
	schema_name     TEXT NOT NULL UNIQUE,
	owner_email     TEXT NOT NULL,
	rfc             TEXT,
	plan            TEXT NOT NULL DEFAULT 'basic',
	features        TEXT NOT NULL DEFAULT '{}',
	max_usuarios    INTEGER NOT NULL DEFAULT 5,
	max_tickets_mes INTEGER NOT NULL DEFAULT 500,
	activo          BOOLEAN NOT NULL DEFAULT 1,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	last_activity   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS clientes_usuarios (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	cliente_id  TEXT NOT NULL REFERENCES clientes(id) ON DELETE CASCADE,
	schema_name TEXT NOT NULL,
	rol         TEXT NOT NULL,
	activo      BOOLEAN NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (user_id, cliente_id)
);

CREATE INDEX IF NOT EXISTS idx_clientes_usuarios_user ON clientes_usuarios(user_id);

CREATE TABLE IF NOT EXISTS ocr_usage (
	cliente_id          TEXT NOT NULL,
	mes                 TEXT NOT NULL,
	api_provider        TEXT NOT NULL,
	total_requests      INTEGER NOT NULL DEFAULT 0,
	successful_requests INTEGER NOT NULL DEFAULT 0,
	failed_requests     INTEGER NOT NULL DEFAULT 0,
	total_cost_usd      REAL NOT NULL DEFAULT 0,
	updated_at          DATETIME NOT NULL,
	PRIMARY KEY (cliente_id, mes, api_provider)
);

CREATE TABLE IF NOT EXISTS reconcile_queue (
	id            TEXT PRIMARY KEY,
	cliente_id    TEXT NOT NULL,
	schema_name   TEXT NOT NULL,
	action        TEXT NOT NULL,
	error         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 5,
	next_retry_at DATETIME NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reconcile_next_retry ON reconcile_queue(status, next_retry_at);

CREATE TABLE IF NOT EXISTS namespaces (
	schema_name TEXT PRIMARY KEY,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tickets (
	id                 TEXT PRIMARY KEY,
	schema_name        TEXT NOT NULL REFERENCES namespaces(schema_name) ON DELETE CASCADE,
	image_url          TEXT NOT NULL,
	fecha_ticket       DATE,
	total              REAL,
	subtotal           REAL,
	iva                REAL,
	rfc_emisor         TEXT,
	nombre_emisor      TEXT,
	concepto           TEXT,
	categoria          TEXT,
	status             TEXT NOT NULL,
	ocr_confidence     REAL NOT NULL DEFAULT 0,
	api_provider       TEXT NOT NULL,
	processing_time_ms INTEGER NOT NULL DEFAULT 0,
	raw_ocr_response   TEXT,
	validation_errors  TEXT NOT NULL DEFAULT '[]',
	created_by         TEXT NOT NULL,
	created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_schema_created ON tickets(schema_name, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tenant registry ---

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	return s.getTenant(ctx, `SELECT `+tenantColumns+` FROM clientes WHERE id = ?`, id)
}

func (s *SQLiteStore) GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	return s.getTenant(ctx, `SELECT `+tenantColumns+` FROM clientes WHERE slug = ?`, slug)
}

func (s *SQLiteStore) GetTenantBySchema(ctx context.Context, schema string) (*model.Tenant, error) {
	return s.getTenant(ctx, `SELECT `+tenantColumns+` FROM clientes WHERE schema_name = ?`, schema)
}

func (s *SQLiteStore) getTenant(ctx context.Context, query, arg string) (*model.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get tenant")
	}
	return t, nil
}

func (s *SQLiteStore) InsertTenant(ctx context.Context, t *model.Tenant) error {
	features, err := json.Marshal(t.Features)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal features")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clientes (`+tenantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Slug, t.SchemaName, t.OwnerEmail, nullIfEmpty(t.TaxID), t.Plan, string(features),
		t.MaxUsers, t.MaxTicketsPerMonth, t.Active, t.CreatedAt.UTC(), t.LastActivity.UTC(),
	)
	switch {
	case uniqueFailed(err, "clientes.slug"):
		return ErrSlugConflict
	case uniqueFailed(err, "clientes.schema_name"):
		return ErrNamespaceConflict
	}
	return eris.Wrapf(err, "sqlite: insert tenant %s", t.Slug)
}

func (s *SQLiteStore) DeleteTenant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clientes WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete tenant %s", id)
}

// --- Access grants ---

func (s *SQLiteStore) InsertGrant(ctx context.Context, g *model.AccessGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clientes_usuarios (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, g.TenantID, g.SchemaName, string(g.Role), g.Active, g.CreatedAt.UTC(),
	)
	if uniqueFailed(err, "clientes_usuarios.user_id") {
		return ErrGrantConflict
	}
	return eris.Wrapf(err, "sqlite: insert grant for user %s", g.UserID)
}

func (s *SQLiteStore) DeleteGrant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clientes_usuarios WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete grant %s", id)
}

func (s *SQLiteStore) GetGrant(ctx context.Context, userID, tenantID string) (*model.AccessGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM clientes_usuarios WHERE user_id = ? AND cliente_id = ?`,
		userID, tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get grant")
	}
	return g, nil
}

func (s *SQLiteStore) CountActiveGrants(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clientes_usuarios WHERE user_id = ? AND activo = 1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count active grants")
	}
	return n, nil
}

// --- Namespaces ---

func (s *SQLiteStore) MaterializeNamespace(ctx context.Context, schema string) error {
	if !ValidNamespace(schema) {
		return eris.Errorf("sqlite: invalid namespace %q", schema)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO namespaces (schema_name, created_at) VALUES (?, ?) ON CONFLICT (schema_name) DO NOTHING`,
		schema, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: materialize %s", schema)
}

func (s *SQLiteStore) DropNamespace(ctx context.Context, schema string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM namespaces WHERE schema_name = ?`, schema)
	return eris.Wrapf(err, "sqlite: drop namespace %s", schema)
}

// --- Tickets ---

func (s *SQLiteStore) InsertTicket(ctx context.Context, t *model.Ticket) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM namespaces WHERE schema_name = ?`, t.SchemaName).Scan(&exists)
	if err != nil {
		return eris.Wrap(err, "sqlite: check namespace")
	}
	if exists == 0 {
		return eris.Wrapf(ErrNamespaceMissing, "sqlite: insert ticket into %s", t.SchemaName)
	}

	validation, err := json.Marshal(nonNilStrings(t.Result.ValidationErrors))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation errors")
	}
	var raw *string
	if b := rawJSON(t.Result.RawResponse); b != nil {
		str := string(b)
		raw = &str
	}
	r := t.Result
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tickets (schema_name, `+ticketColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SchemaName, t.ID, t.ImageURL, receiptDate(r.Date), r.Total, r.Subtotal, r.Tax,
		r.IssuerTaxID, r.IssuerName, r.Description, categoryString(r.Category),
		string(t.Status), r.Confidence, r.Provider, r.ProcessingTimeMs,
		raw, string(validation), t.CreatedBy, t.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert ticket into %s", t.SchemaName)
}

func (s *SQLiteStore) ListTickets(ctx context.Context, schema string, filter TicketFilter) ([]model.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE schema_name = ?`
	args := []any{schema}

	if !filter.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.To.UTC())
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tickets in %s", schema)
	}
	defer rows.Close() //nolint:errcheck

	var tickets []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ticket")
		}
		t.SchemaName = schema
		tickets = append(tickets, *t)
	}
	return tickets, eris.Wrap(rows.Err(), "sqlite: iterate tickets")
}

// --- Usage ---

const sqliteUsageUpsert = `INSERT INTO ocr_usage (cliente_id, mes, api_provider, total_requests, successful_requests, failed_requests, total_cost_usd, updated_at)
VALUES (?, ?, ?, 1, ?, ?, ?, ?)
ON CONFLICT (cliente_id, mes, api_provider) DO UPDATE SET
	total_requests = total_requests + excluded.total_requests,
	successful_requests = successful_requests + excluded.successful_requests,
	failed_requests = failed_requests + excluded.failed_requests,
	total_cost_usd = total_cost_usd + excluded.total_cost_usd,
	updated_at = excluded.updated_at`

func (s *SQLiteStore) IncrementUsage(ctx context.Context, d model.UsageDelta) error {
	succ, failed := usageSplit(d.Successful)
	_, err := s.db.ExecContext(ctx, sqliteUsageUpsert,
		d.TenantID, monthKey(d.Month), d.Provider, succ, failed, d.CostUSD, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: increment usage for %s", d.TenantID)
}

func (s *SQLiteStore) GetUsage(ctx context.Context, tenantID string, month time.Time) ([]model.UsageCounter, error) {
	query := `SELECT cliente_id, mes, api_provider, total_requests, successful_requests, failed_requests, total_cost_usd, updated_at
	          FROM ocr_usage WHERE cliente_id = ?`
	args := []any{tenantID}
	if !month.IsZero() {
		query += ` AND mes = ?`
		args = append(args, monthKey(month))
	}
	query += ` ORDER BY mes DESC, api_provider`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get usage")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.UsageCounter
	for rows.Next() {
		var c model.UsageCounter
		var mes string
		if err := rows.Scan(&c.TenantID, &mes, &c.Provider, &c.TotalRequests,
			&c.SuccessfulRequests, &c.FailedRequests, &c.TotalCostUSD, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage")
		}
		c.Month, err = time.Parse("2006-01-02", mes)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse usage month %q", mes)
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate usage")
}

// --- Reconciliation queue ---

func (s *SQLiteStore) Enqueue(ctx context.Context, e *model.ReconcileEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconcile_queue (`+reconcileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.SchemaName, e.Action, e.Error, string(e.Status),
		e.Attempts, e.MaxAttempts, e.NextRetryAt.UTC(), e.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: enqueue reconcile for %s", e.TenantID)
}

func (s *SQLiteStore) ListPending(ctx context.Context, now time.Time, limit int) ([]model.ReconcileEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reconcileColumns+` FROM reconcile_queue
		 WHERE status = 'pending' AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending reconcile")
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.ReconcileEntry
	for rows.Next() {
		e, err := scanReconcile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reconcile entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate reconcile")
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconcile_queue WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count pending reconcile")
	}
	return n, nil
}

func (s *SQLiteStore) MarkResolved(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reconcile_queue SET status = 'resolved' WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve reconcile %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reconcile_queue
		 SET attempts = attempts + 1,
		     error = ?,
		     next_retry_at = ?,
		     status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END
		 WHERE id = ?`,
		errMsg, nextRetryAt.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail reconcile %s", id)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// uniqueFailed matches SQLite's "UNIQUE constraint failed: table.column" message.
func uniqueFailed(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), column)
}

func monthKey(t time.Time) string {
	return model.MonthStart(t).Format("2006-01-02")
}

var _ Store = (*SQLiteStore)(nil)
