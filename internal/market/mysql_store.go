package market

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
)

// MySQLStore persists market state in MySQL, for deployments running several
// agents against one database server.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects and prepares the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN must not be empty")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open MySQL connection")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS market_requests (
        id BIGINT UNSIGNED PRIMARY KEY,
        buyer VARCHAR(66) NOT NULL,
        seller VARCHAR(66) DEFAULT '',
        validator VARCHAR(66) DEFAULT '',
        seller_agent_id BIGINT UNSIGNED DEFAULT 0,
        task_type VARCHAR(128) DEFAULT '',
        payload_cid VARCHAR(128) NOT NULL,
        deliverable_cid VARCHAR(128) DEFAULT '',
        price VARCHAR(78) NOT NULL,
        deadline BIGINT NOT NULL,
        status VARCHAR(32) NOT NULL,
        secret_digest VARCHAR(66) DEFAULT '',
        passed TINYINT(1),
        score TINYINT UNSIGNED DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_request_status (status),
        INDEX idx_request_seller (seller)
)`,
		`CREATE TABLE IF NOT EXISTS market_secrets (
        request_id BIGINT UNSIGNED PRIMARY KEY,
        secret_hex VARCHAR(64) NOT NULL,
        created_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS market_earnings (
        request_id BIGINT UNSIGNED NOT NULL,
        role VARCHAR(16) NOT NULL,
        amount VARCHAR(78) NOT NULL,
        tx_hash VARCHAR(66) DEFAULT '',
        settled_at BIGINT NOT NULL,
        PRIMARY KEY (request_id, role)
)`,
		`CREATE TABLE IF NOT EXISTS market_registration (
        singleton TINYINT PRIMARY KEY DEFAULT 1,
        agent_id BIGINT UNSIGNED NOT NULL,
        address VARCHAR(66) NOT NULL,
        public_key VARCHAR(132) NOT NULL,
        profile_cid VARCHAR(128) DEFAULT '',
        registered_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS market_cursors (
        name VARCHAR(64) PRIMARY KEY,
        value VARCHAR(128) NOT NULL
)`,
	}
	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "initialize market schema")
		}
	}
	return nil
}

// UpsertRequest implements Store.
func (s *MySQLStore) UpsertRequest(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record must not be nil")
	}
	if !IsValidStatus(record.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "unsupported request status")
	}
	now := time.Now().Unix()
	createdAt := record.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}

	const stmt = `INSERT INTO market_requests
        (id, buyer, seller, validator, seller_agent_id, task_type, payload_cid, deliverable_cid,
         price, deadline, status, secret_digest, passed, score, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        buyer = VALUES(buyer), seller = VALUES(seller), validator = VALUES(validator),
        seller_agent_id = VALUES(seller_agent_id), task_type = VALUES(task_type),
        payload_cid = VALUES(payload_cid), deliverable_cid = VALUES(deliverable_cid),
        price = VALUES(price), deadline = VALUES(deadline), status = VALUES(status),
        secret_digest = VALUES(secret_digest), passed = VALUES(passed), score = VALUES(score),
        updated_at = VALUES(updated_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Buyer,
		record.Seller,
		record.Validator,
		record.SellerAgentID,
		record.TaskType,
		record.PayloadCID,
		record.DeliverableCID,
		record.Price,
		record.Deadline,
		record.Status,
		record.SecretDigest,
		nullableBool(record.Passed),
		record.Score,
		createdAt,
		now,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert request record")
	}
	return nil
}

const requestColumns = `id, buyer, seller, validator, seller_agent_id, task_type, payload_cid,
        deliverable_cid, price, deadline, status, secret_digest, passed, score, created_at, updated_at`

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var record Record
	var passed sql.NullBool
	if err := scan(
		&record.ID,
		&record.Buyer,
		&record.Seller,
		&record.Validator,
		&record.SellerAgentID,
		&record.TaskType,
		&record.PayloadCID,
		&record.DeliverableCID,
		&record.Price,
		&record.Deadline,
		&record.Status,
		&record.SecretDigest,
		&passed,
		&record.Score,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if passed.Valid {
		value := passed.Bool
		record.Passed = &value
	}
	return &record, nil
}

// GetRequest implements Store.
func (s *MySQLStore) GetRequest(ctx context.Context, id uint64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM market_requests WHERE id = ?`, id)
	record, err := scanRecord(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query request record")
	}
	return record, nil
}

// ListRequests implements Store.
func (s *MySQLStore) ListRequests(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + requestColumns + ` FROM market_requests`
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Buyer != "" {
		conditions = append(conditions, "buyer = ?")
		args = append(args, opts.Buyer)
	}
	if opts.Seller != "" {
		conditions = append(conditions, "seller = ?")
		args = append(args, opts.Seller)
	}
	if opts.TaskType != "" {
		conditions = append(conditions, "task_type = ?")
		args = append(args, opts.TaskType)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query request records")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan request record")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate request records")
	}
	return records, nil
}

// PutSecret implements Store.
func (s *MySQLStore) PutSecret(ctx context.Context, id uint64, secretHex string) error {
	if secretHex == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "secret must not be empty")
	}
	const stmt = `INSERT INTO market_secrets (request_id, secret_hex, created_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE secret_hex = VALUES(secret_hex)`
	if _, err := s.db.ExecContext(ctx, stmt, id, secretHex, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store commitment secret")
	}
	return nil
}

// GetSecret implements Store.
func (s *MySQLStore) GetSecret(ctx context.Context, id uint64) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		`SELECT secret_hex FROM market_secrets WHERE request_id = ?`, id).Scan(&secret)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", ErrSecretNotFound
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "query commitment secret")
	}
	return secret, nil
}

// DeleteSecret implements Store.
func (s *MySQLStore) DeleteSecret(ctx context.Context, id uint64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM market_secrets WHERE request_id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete commitment secret")
	}
	return nil
}

// AppendEarning implements Store. The composite primary key makes duplicate
// settlement events a no-op.
func (s *MySQLStore) AppendEarning(ctx context.Context, earning Earning) error {
	if earning.SettledAt == 0 {
		earning.SettledAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO market_earnings (request_id, role, amount, tx_hash, settled_at)
        VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		earning.RequestID, earning.Role, earning.Amount, earning.TxHash, earning.SettledAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record earning")
	}
	return nil
}

// ListEarnings implements Store.
func (s *MySQLStore) ListEarnings(ctx context.Context) ([]Earning, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, role, amount, tx_hash, settled_at FROM market_earnings
        ORDER BY request_id ASC, role ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query earnings")
	}
	defer rows.Close()

	var earnings []Earning
	for rows.Next() {
		var earning Earning
		if err := rows.Scan(&earning.RequestID, &earning.Role, &earning.Amount,
			&earning.TxHash, &earning.SettledAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan earning")
		}
		earnings = append(earnings, earning)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate earnings")
	}
	return earnings, nil
}

// GetRegistration implements Store.
func (s *MySQLStore) GetRegistration(ctx context.Context) (*Registration, error) {
	var registration Registration
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, address, public_key, profile_cid, registered_at
        FROM market_registration WHERE singleton = 1`).Scan(
		&registration.AgentID,
		&registration.Address,
		&registration.PublicKey,
		&registration.ProfileCID,
		&registration.RegisteredAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "no registration recorded")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query registration")
	}
	return &registration, nil
}

// PutRegistration implements Store.
func (s *MySQLStore) PutRegistration(ctx context.Context, registration *Registration) error {
	if registration == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "registration must not be nil")
	}
	const stmt = `INSERT INTO market_registration (singleton, agent_id, address, public_key, profile_cid, registered_at)
        VALUES (1, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE agent_id = VALUES(agent_id), address = VALUES(address),
        public_key = VALUES(public_key), profile_cid = VALUES(profile_cid), registered_at = VALUES(registered_at)`
	_, err := s.db.ExecContext(ctx, stmt,
		registration.AgentID,
		registration.Address,
		registration.PublicKey,
		registration.ProfileCID,
		registration.RegisteredAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store registration")
	}
	return nil
}

// GetCursor implements Store.
func (s *MySQLStore) GetCursor(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM market_cursors WHERE name = ?`, name).Scan(&value)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "query cursor")
	}
	return value, nil
}

// PutCursor implements Store.
func (s *MySQLStore) PutCursor(ctx context.Context, name, value string) error {
	const stmt = `INSERT INTO market_cursors (name, value) VALUES (?, ?)
        ON DUPLICATE KEY UPDATE value = VALUES(value)`
	if _, err := s.db.ExecContext(ctx, stmt, name, value); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store cursor")
	}
	return nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return *value
}

var _ Store = (*MySQLStore)(nil)
