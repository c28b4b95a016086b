package storage

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT    NOT NULL,
	doc_key    TEXT    NOT NULL,
	fields     BLOB    NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, doc_key)
) WITHOUT ROWID;
`

type SQLiteConfig struct {
	// Path of the database file; created if missing.
	Path string
	// PoolSize defaults to max(NumCPU, 4).
	PoolSize int
	Logger   *zap.Logger
}

// SQLiteStore is a single-node DocumentStore on an embedded SQLite
// database. Writers serialize on IMMEDIATE transactions; change feeds
// are in-process.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	hub    *changeHub
	now    func() time.Time
	logger *zap.Logger
}

var _ port.DocumentStore = (*SQLiteStore)(nil)

func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite store opened", zap.String("path", cfg.Path), zap.Int("pool_size", poolSize))
	return &SQLiteStore{
		pool:   pool,
		hub:    newChangeHub(),
		now:    time.Now,
		logger: logger,
	}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("sqlite store: schema: %w", err)
	}
	return nil
}

// Close blocks until all borrowed connections are returned.
func (s *SQLiteStore) Close() error {
	s.hub.dropAll()
	return s.pool.Close()
}

func (s *SQLiteStore) ReadDocument(ctx context.Context, collection, key string) (*domain.Document, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return sqliteGet(conn, collection, key)
}

func (s *SQLiteStore) WriteDocument(ctx context.Context, collection, key string, fields domain.Fields, mode domain.WriteMode) error {
	return s.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Set(collection, key, fields, mode)
	})
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, collection, key string) error {
	return s.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Delete(collection, key)
	})
}

func (s *SQLiteStore) AppendDocument(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	key := uuid.NewString()
	err := s.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Create(collection, key, fields)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *SQLiteStore) RunQuery(ctx context.Context, q domain.Query) ([]domain.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	docs, err := sqliteScan(conn, q.Collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs), nil
}

func (s *SQLiteStore) RunTransaction(ctx context.Context, fn func(tx port.Transaction) error) error {
	touched, err := s.runTransaction(ctx, fn)
	if err != nil {
		return err
	}
	s.hub.notify(touched...)
	return nil
}

// runTransaction commits through the deferred end function, so err must
// stay a named result.
func (s *SQLiteStore) runTransaction(ctx context.Context, fn func(tx port.Transaction) error) (touched []string, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultBusy {
			return nil, fmt.Errorf("%w: begin transaction: %v", domain.ErrConflict, err)
		}
		return nil, fmt.Errorf("%w: begin transaction: %v", domain.ErrTransport, err)
	}
	defer endTransaction(&err)

	tx := &sqliteTx{conn: conn, now: s.now().UTC(), touched: make(map[string]bool)}
	if err = fn(tx); err != nil {
		return nil, err
	}
	for c := range tx.touched {
		touched = append(touched, c)
	}
	return touched, nil
}

func (s *SQLiteStore) Subscribe(
	ctx context.Context,
	q domain.Query,
	onSnapshot func([]domain.Document),
	onError func(error),
) (func(), error) {
	return subscribeQuery(ctx, s, s.hub.watch, q, onSnapshot, onError)
}

func (s *SQLiteStore) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: sqlite take: %v", domain.ErrTransport, err)
	}
	return conn, nil
}

type sqliteTx struct {
	conn    *sqlite.Conn
	now     time.Time
	touched map[string]bool
}

func (tx *sqliteTx) Get(collection, key string) (*domain.Document, error) {
	return sqliteGet(tx.conn, collection, key)
}

func (tx *sqliteTx) Set(collection, key string, fields domain.Fields, mode domain.WriteMode) error {
	normalized, err := domain.NormalizeFields(fields)
	if err != nil {
		return err
	}
	current, err := sqliteGet(tx.conn, collection, key)
	if err != nil {
		return err
	}
	if current == nil {
		return tx.insert(collection, key, normalized)
	}

	blob, err := encodeFields(current.Fields.Merge(normalized, mode))
	if err != nil {
		return err
	}
	err = sqlitex.Execute(tx.conn, `
		UPDATE documents SET fields = ?, version = version + 1, updated_at = ?
		WHERE collection = ? AND doc_key = ?`,
		&sqlitex.ExecOptions{Args: []any{blob, tx.now.UnixNano(), collection, key}})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, classifySQLiteError(err))
	}
	tx.touched[collection] = true
	return nil
}

func (tx *sqliteTx) Create(collection, key string, fields domain.Fields) error {
	current, err := sqliteGet(tx.conn, collection, key)
	if err != nil {
		return err
	}
	if current != nil {
		return fmt.Errorf("%w: %s/%s already exists", domain.ErrConflict, collection, key)
	}
	normalized, err := domain.NormalizeFields(fields)
	if err != nil {
		return err
	}
	return tx.insert(collection, key, normalized)
}

func (tx *sqliteTx) insert(collection, key string, fields domain.Fields) error {
	blob, err := encodeFields(fields)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(tx.conn, `
		INSERT INTO documents (collection, doc_key, fields, version, updated_at)
		VALUES (?, ?, ?, 1, ?)`,
		&sqlitex.ExecOptions{Args: []any{collection, key, blob, tx.now.UnixNano()}})
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, key, classifySQLiteError(err))
	}
	tx.touched[collection] = true
	return nil
}

func (tx *sqliteTx) Delete(collection, key string) error {
	err := sqlitex.Execute(tx.conn,
		`DELETE FROM documents WHERE collection = ? AND doc_key = ?`,
		&sqlitex.ExecOptions{Args: []any{collection, key}})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, classifySQLiteError(err))
	}
	if tx.conn.Changes() > 0 {
		tx.touched[collection] = true
	}
	return nil
}

func (tx *sqliteTx) Query(q domain.Query) ([]domain.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	docs, err := sqliteScan(tx.conn, q.Collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs), nil
}

func sqliteGet(conn *sqlite.Conn, collection, key string) (*domain.Document, error) {
	var (
		doc     *domain.Document
		scanErr error
	)
	err := sqlitex.Execute(conn, `
		SELECT doc_key, fields, version, updated_at FROM documents
		WHERE collection = ? AND doc_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{collection, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d, err := scanSQLiteDocument(stmt)
				if err != nil {
					scanErr = err
					return err
				}
				doc = &d
				return nil
			},
		})
	if scanErr != nil {
		return nil, scanErr
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

func sqliteScan(conn *sqlite.Conn, collection string) ([]domain.Document, error) {
	var docs []domain.Document
	err := sqlitex.Execute(conn,
		`SELECT doc_key, fields, version, updated_at FROM documents WHERE collection = ?`,
		&sqlitex.ExecOptions{
			Args: []any{collection},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d, err := scanSQLiteDocument(stmt)
				if err != nil {
					return err
				}
				docs = append(docs, d)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	return docs, nil
}

func scanSQLiteDocument(stmt *sqlite.Stmt) (domain.Document, error) {
	blob := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, blob)
	fields, err := decodeFields(blob)
	if err != nil {
		return domain.Document{}, err
	}
	return domain.Document{
		Key:       stmt.ColumnText(0),
		Fields:    fields,
		Version:   stmt.ColumnInt64(2),
		UpdatedAt: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
	}, nil
}

// classifySQLiteError maps constraint and lock failures onto
// domain.ErrConflict; anything else is returned as is.
func classifySQLiteError(err error) error {
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultConstraint, sqlite.ResultBusy, sqlite.ResultLocked:
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}
