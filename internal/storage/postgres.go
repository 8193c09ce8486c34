package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cyderes/mail-intake-service/internal/config"
	"github.com/cyderes/mail-intake-service/internal/models"
)

const ingestionStatusKey = "ingestion_status"

// PostgreSQLStorage implements Storage on the mail_item table
type PostgreSQLStorage struct {
	db *sqlx.DB
}

// NewPostgreSQLStorage opens the connection and applies migrations
func NewPostgreSQLStorage(cfg config.StorageConfig) (*PostgreSQLStorage, error) {
	if cfg.PostgresURI == "" {
		return nil, errors.New("POSTGRES_URI is required for postgresql storage")
	}
	db, err := sqlx.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PostgreSQLStorage{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	return s, nil
}

func (p *PostgreSQLStorage) migrate(ctx context.Context) error {
	stmts := []string{
		`create table if not exists mail_item (
			id bigint primary key,
			mail_id text not null,
			user_id integer not null,
			forwarding_status text not null,
			forwarding_updated_at timestamptz not null default current_timestamp
		)`,
		`create table if not exists ingestion_status (
			id text primary key,
			pass_id text not null default '',
			last_successful_run timestamptz not null,
			last_attempt timestamptz not null,
			status text not null,
			error_message text not null default '',
			files_listed integer not null default 0,
			files_imported integer not null default 0,
			files_skipped integer not null default 0,
			files_failed integer not null default 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgreSQLStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	upsert := `insert into ingestion_status
			(id, pass_id, last_successful_run, last_attempt, status, error_message,
			 files_listed, files_imported, files_skipped, files_failed)
		values
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (id) do update set
			pass_id = excluded.pass_id,
			last_successful_run = excluded.last_successful_run,
			last_attempt = excluded.last_attempt,
			status = excluded.status,
			error_message = excluded.error_message,
			files_listed = excluded.files_listed,
			files_imported = excluded.files_imported,
			files_skipped = excluded.files_skipped,
			files_failed = excluded.files_failed`
	_, err := p.db.ExecContext(ctx, upsert, ingestionStatusKey, status.PassID, status.LastSuccessfulRun,
		status.LastAttempt, status.Status, status.ErrorMessage, status.FilesListed, status.FilesImported,
		status.FilesSkipped, status.FilesFailed)
	if err != nil {
		return fmt.Errorf("failed to save ingestion status: %w", err)
	}
	return nil
}

func (p *PostgreSQLStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	query := `select pass_id, last_successful_run, last_attempt, status, error_message,
			files_listed, files_imported, files_skipped, files_failed
		from ingestion_status where id = $1`
	var status models.IngestionStatus
	err := p.db.GetContext(ctx, &status, query, ingestionStatusKey)
	if errors.Is(err, sql.ErrNoRows) {
		return neverRun(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}
	return &status, nil
}

func (p *PostgreSQLStorage) SaveForwardingRequest(ctx context.Context, req models.ForwardingRequest) error {
	if err := validateForwardingRequest(req); err != nil {
		return err
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = time.Now().UTC()
	}
	upsert := `insert into mail_item (id, mail_id, user_id, forwarding_status, forwarding_updated_at)
		values (:id, :mail_id, :user_id, :forwarding_status, :forwarding_updated_at)
		on conflict (id) do update set
			mail_id = excluded.mail_id,
			user_id = excluded.user_id,
			forwarding_status = excluded.forwarding_status,
			forwarding_updated_at = excluded.forwarding_updated_at`
	if _, err := p.db.NamedExecContext(ctx, upsert, req); err != nil {
		return fmt.Errorf("failed to save forwarding request %d: %w", req.ID, err)
	}
	return nil
}

func (p *PostgreSQLStorage) GetForwardingRequest(ctx context.Context, id int64) (*models.ForwardingRequest, error) {
	query := `select id, mail_id, user_id, forwarding_status, forwarding_updated_at
		from mail_item where id = $1`
	var req models.ForwardingRequest
	err := p.db.GetContext(ctx, &req, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get forwarding request %d: %w", id, err)
	}
	return &req, nil
}

func (p *PostgreSQLStorage) UpdateForwardingStatus(ctx context.Context, id int64, from, to models.ForwardingStatus) error {
	update := `update mail_item
		set forwarding_status = $1, forwarding_updated_at = current_timestamp
		where id = $2 and forwarding_status = $3`
	res, err := p.db.ExecContext(ctx, update, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update forwarding request %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for forwarding request %d: %w", id, err)
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgreSQLStorage) Close() error {
	return p.db.Close()
}
