package driftwatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresIssuesTable     = "issues"
	postgresSpecsTable      = "specs"
	postgresExecutionsTable = "executions"
	postgresQueryTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBaseStore reads the primary store's issues, specs, and executions.
// It issues SELECTs only; the schema belongs to the orchestration service that
// owns the database.
//
// Expected tables:
//
//	issues(seq BIGSERIAL, payload TEXT)     -- payload is the JSON entity
//	specs(seq BIGSERIAL, payload TEXT)
//	executions(id TEXT PRIMARY KEY, parent_issue_id TEXT,
//	           status TEXT, started_at TIMESTAMPTZ, updated_at TIMESTAMPTZ)
type PostgresBaseStore struct {
	dsn    string
	logger Logger
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBaseStore(dsn string, logger Logger) (*PostgresBaseStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBaseStore{
		dsn:    dsn,
		logger: logger,
		openDB: sql.Open,
	}, nil
}

func (s *PostgresBaseStore) AllIssues(ctx context.Context) ([]Entity, error) {
	return s.allEntities(ctx, postgresIssuesTable)
}

func (s *PostgresBaseStore) AllSpecs(ctx context.Context) ([]Entity, error) {
	return s.allEntities(ctx, postgresSpecsTable)
}

func (s *PostgresBaseStore) ExecutionByID(ctx context.Context, executionID string) (ExecutionRecord, error) {
	if strings.TrimSpace(executionID) == "" {
		return ExecutionRecord{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return ExecutionRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, COALESCE(parent_issue_id, ''), COALESCE(status, ''), started_at, updated_at FROM %s WHERE id = $1",
		postgresQuoteIdentifier(postgresExecutionsTable))
	var record ExecutionRecord
	var startedAt, updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, executionID).
		Scan(&record.ID, &record.ParentIssueID, &record.Status, &startedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionRecord{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return ExecutionRecord{}, err
	}
	if startedAt.Valid {
		record.StartedAt = startedAt.Time
	}
	if updatedAt.Valid {
		record.UpdatedAt = updatedAt.Time
	}
	return record, nil
}

func (s *PostgresBaseStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresBaseStore) allEntities(ctx context.Context, tableName string) ([]Entity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s ORDER BY seq ASC", postgresQuoteIdentifier(tableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := make([]Entity, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			return nil, scanErr
		}
		entity, parseErr := parseEntityLine([]byte(payload))
		if parseErr != nil {
			logf(s.logger, "skipping malformed %s row: %v", tableName, parseErr)
			continue
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entities, nil
}

func (s *PostgresBaseStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
