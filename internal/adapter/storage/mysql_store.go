package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection VARCHAR(64)  NOT NULL,
		doc_key    VARCHAR(191) NOT NULL,
		fields     MEDIUMBLOB   NOT NULL,
		version    BIGINT       NOT NULL,
		updated_at DATETIME(6)  NOT NULL,
		PRIMARY KEY (collection, doc_key)
	)`,
	`CREATE TABLE IF NOT EXISTS change_log (
		seq        BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		collection VARCHAR(64)  NOT NULL,
		doc_key    VARCHAR(191) NOT NULL,
		changed_at DATETIME(6)  NOT NULL,
		INDEX idx_change_log_collection (collection, seq)
	)`,
}

type MySQLOptions struct {
	// Notifier carries change signals across nodes. Without one the
	// store polls change_log every PollInterval.
	Notifier         port.ChangeNotifier
	PollInterval     time.Duration
	// BackstopInterval is the change_log poll period kept running next
	// to the notifier, so a lost publish still reaches subscribers.
	BackstopInterval time.Duration
	Logger           *zap.Logger
}

const publishAttempts = 3

// MySQLStore is a shared DocumentStore on MySQL. Every write is
// versioned (UPDATE ... WHERE version = ?) and logged to change_log in
// the same transaction.
type MySQLStore struct {
	db               *sql.DB
	notifier         port.ChangeNotifier
	pollInterval     time.Duration
	backstopInterval time.Duration
	now              func() time.Time
	logger           *zap.Logger
}

var _ port.DocumentStore = (*MySQLStore)(nil)

// NewMySQLStore expects a DSN with parseTime=true.
func NewMySQLStore(db *sql.DB, opts MySQLOptions) *MySQLStore {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BackstopInterval <= 0 {
		opts.BackstopInterval = 10 * opts.PollInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &MySQLStore{
		db:               db,
		notifier:         opts.Notifier,
		pollInterval:     opts.PollInterval,
		backstopInterval: opts.BackstopInterval,
		now:              time.Now,
		logger:           opts.Logger,
	}
}

func (m *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", classifyMySQLError(err))
		}
	}
	return nil
}

func (m *MySQLStore) ReadDocument(ctx context.Context, collection, key string) (*domain.Document, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT doc_key, fields, version, updated_at
		FROM documents WHERE collection = ? AND doc_key = ?`, collection, key)
	doc, err := scanMySQLDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", collection, key, classifyMySQLError(err))
	}
	return &doc, nil
}

func (m *MySQLStore) WriteDocument(ctx context.Context, collection, key string, fields domain.Fields, mode domain.WriteMode) error {
	return m.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Set(collection, key, fields, mode)
	})
}

func (m *MySQLStore) DeleteDocument(ctx context.Context, collection, key string) error {
	return m.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Delete(collection, key)
	})
}

func (m *MySQLStore) AppendDocument(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	key := uuid.NewString()
	err := m.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Create(collection, key, fields)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (m *MySQLStore) RunQuery(ctx context.Context, q domain.Query) ([]domain.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	docs, err := queryMySQLCollection(ctx, m.db, q.Collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs), nil
}

type mysqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryMySQLCollection(ctx context.Context, db mysqlQueryer, collection string) ([]domain.Document, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT doc_key, fields, version, updated_at
		FROM documents WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, classifyMySQLError(err))
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := scanMySQLDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, classifyMySQLError(err))
	}
	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMySQLDocument(row rowScanner) (domain.Document, error) {
	var (
		doc  domain.Document
		blob []byte
	)
	if err := row.Scan(&doc.Key, &blob, &doc.Version, &doc.UpdatedAt); err != nil {
		return domain.Document{}, err
	}
	fields, err := decodeFields(blob)
	if err != nil {
		return domain.Document{}, err
	}
	doc.Fields = fields
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func (m *MySQLStore) RunTransaction(ctx context.Context, fn func(tx port.Transaction) error) error {
	sqlTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classifyMySQLError(err))
	}
	defer sqlTx.Rollback()

	tx := &mysqlTx{
		ctx:     ctx,
		tx:      sqlTx,
		now:     m.now().UTC().Truncate(time.Microsecond),
		cache:   make(map[docRef]*domain.Document),
		queried: make(map[string]int64),
		ownSeqs: make(map[int64]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.validateQueries(); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		// The commit may or may not have reached the server.
		return fmt.Errorf("%w: commit: %v", domain.ErrAmbiguousWrite, err)
	}

	if m.notifier != nil {
		for c := range tx.touched {
			m.publish(ctx, c)
		}
	}
	return nil
}

// publish retries a failed notification a few times. A notification
// that is still lost is picked up by the change_log backstop poll.
func (m *MySQLStore) publish(ctx context.Context, collection string) {
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = m.notifier.Publish(ctx, collection); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	m.logger.Warn("publish change failed, subscribers fall back to polling",
		zap.String("collection", collection),
		zap.Duration("backstop", m.backstopInterval),
		zap.Error(err),
	)
}

func (m *MySQLStore) Subscribe(
	ctx context.Context,
	q domain.Query,
	onSnapshot func([]domain.Document),
	onError func(error),
) (func(), error) {
	open := func(ctx context.Context, collection string) (<-chan struct{}, error) {
		return m.pollFeed(ctx, collection, m.pollInterval)
	}
	if m.notifier != nil {
		open = m.notifiedFeed
	}
	return subscribeQuery(ctx, m, open, q, onSnapshot, onError)
}

// notifiedFeed merges the notifier's watch with a slow change_log poll.
// The feed closes as soon as either source closes.
func (m *MySQLStore) notifiedFeed(ctx context.Context, collection string) (<-chan struct{}, error) {
	ctx, cancel := context.WithCancel(ctx)
	watch, err := m.notifier.Watch(ctx, collection)
	if err != nil {
		cancel()
		return nil, err
	}
	poll, err := m.pollFeed(ctx, collection, m.backstopInterval)
	if err != nil {
		cancel()
		return nil, err
	}
	return mergeFeeds(cancel, watch, poll), nil
}

func mergeFeeds(cancel context.CancelFunc, feeds ...<-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	var wg sync.WaitGroup
	for _, feed := range feeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for range feed {
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// pollFeed signals whenever change_log grows for collection. The
// baseline is read before returning so later commits are never missed.
func (m *MySQLStore) pollFeed(ctx context.Context, collection string, interval time.Duration) (<-chan struct{}, error) {
	last, err := m.latestChange(ctx, collection)
	if err != nil {
		return nil, err
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq, err := m.latestChange(ctx, collection)
				if err != nil {
					if ctx.Err() == nil {
						m.logger.Warn("change poll failed", zap.String("collection", collection), zap.Error(err))
					}
					return
				}
				if seq != last {
					last = seq
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
	return ch, nil
}

func (m *MySQLStore) latestChange(ctx context.Context, collection string) (int64, error) {
	var seq int64
	err := m.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log WHERE collection = ?`, collection,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("poll change_log: %w", classifyMySQLError(err))
	}
	return seq, nil
}

// PruneChangeLog removes change_log rows older than before.
func (m *MySQLStore) PruneChangeLog(ctx context.Context, before time.Time) (int64, error) {
	result, err := m.db.ExecContext(ctx, `DELETE FROM change_log WHERE changed_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune change_log: %w", classifyMySQLError(err))
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

type mysqlTx struct {
	ctx     context.Context
	tx      *sql.Tx
	now     time.Time
	cache   map[docRef]*domain.Document // nil value: known absent
	touched map[string]bool
	// queried holds the change_log high-water mark seen by each
	// collection query; ownSeqs the change_log rows this tx wrote.
	queried map[string]int64
	ownSeqs map[int64]bool
}

func (t *mysqlTx) Get(collection, key string) (*domain.Document, error) {
	ref := docRef{collection, key}
	if doc, ok := t.cache[ref]; ok {
		if doc == nil {
			return nil, nil
		}
		out := doc.Clone()
		return &out, nil
	}

	row := t.tx.QueryRowContext(t.ctx, `
		SELECT doc_key, fields, version, updated_at
		FROM documents WHERE collection = ? AND doc_key = ?`, collection, key)
	doc, err := scanMySQLDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		t.cache[ref] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", collection, key, classifyMySQLError(err))
	}
	t.cache[ref] = &doc
	out := doc.Clone()
	return &out, nil
}

func (t *mysqlTx) Set(collection, key string, fields domain.Fields, mode domain.WriteMode) error {
	normalized, err := domain.NormalizeFields(fields)
	if err != nil {
		return err
	}
	current, err := t.Get(collection, key)
	if err != nil {
		return err
	}
	if current == nil {
		return t.insert(collection, key, normalized)
	}

	merged := current.Fields.Merge(normalized, mode)
	blob, err := encodeFields(merged)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE documents
		SET fields = ?, version = version + 1, updated_at = ?
		WHERE collection = ? AND doc_key = ? AND version = ?`,
		blob, t.now, collection, key, current.Version,
	)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, classifyMySQLError(err))
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrConflict, collection, key)
	}

	t.cache[docRef{collection, key}] = &domain.Document{Key: key, Fields: merged, Version: current.Version + 1, UpdatedAt: t.now}
	return t.logChange(collection, key)
}

func (t *mysqlTx) Create(collection, key string, fields domain.Fields) error {
	current, err := t.Get(collection, key)
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
	return t.insert(collection, key, normalized)
}

func (t *mysqlTx) insert(collection, key string, fields domain.Fields) error {
	blob, err := encodeFields(fields)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO documents (collection, doc_key, fields, version, updated_at)
		VALUES (?, ?, ?, 1, ?)`,
		collection, key, blob, t.now,
	)
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, key, classifyMySQLError(err))
	}
	t.cache[docRef{collection, key}] = &domain.Document{Key: key, Fields: fields, Version: 1, UpdatedAt: t.now}
	return t.logChange(collection, key)
}

func (t *mysqlTx) Delete(collection, key string) error {
	current, err := t.Get(collection, key)
	if err != nil || current == nil {
		return err
	}
	result, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM documents WHERE collection = ? AND doc_key = ? AND version = ?`,
		collection, key, current.Version,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, classifyMySQLError(err))
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrConflict, collection, key)
	}
	t.cache[docRef{collection, key}] = nil
	return t.logChange(collection, key)
}

func (t *mysqlTx) Query(q domain.Query) ([]domain.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if _, ok := t.queried[q.Collection]; !ok {
		var seq int64
		err := t.tx.QueryRowContext(t.ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM change_log WHERE collection = ?`, q.Collection,
		).Scan(&seq)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Collection, classifyMySQLError(err))
		}
		t.queried[q.Collection] = seq
	}
	docs, err := queryMySQLCollection(t.ctx, t.tx, q.Collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs), nil
}

// validateQueries fails with domain.ErrConflict when another transaction
// changed a queried collection after the query's snapshot. The locking
// read holds off further writers to those collections until commit.
func (t *mysqlTx) validateQueries() error {
	for collection, seen := range t.queried {
		rows, err := t.tx.QueryContext(t.ctx,
			`SELECT seq FROM change_log WHERE collection = ? AND seq > ? FOR UPDATE`,
			collection, seen)
		if err != nil {
			return fmt.Errorf("validate %s: %w", collection, classifyMySQLError(err))
		}
		foreign := false
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				rows.Close()
				return fmt.Errorf("validate %s: %w", collection, classifyMySQLError(err))
			}
			if !t.ownSeqs[seq] {
				foreign = true
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("validate %s: %w", collection, classifyMySQLError(err))
		}
		if foreign {
			return fmt.Errorf("%w: collection %s changed", domain.ErrConflict, collection)
		}
	}
	return nil
}

func (t *mysqlTx) logChange(collection, key string) error {
	result, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO change_log (collection, doc_key, changed_at) VALUES (?, ?, ?)`,
		collection, key, t.now,
	)
	if err != nil {
		return fmt.Errorf("log change %s/%s: %w", collection, key, classifyMySQLError(err))
	}
	if seq, err := result.LastInsertId(); err == nil {
		t.ownSeqs[seq] = true
	}
	if t.touched == nil {
		t.touched = make(map[string]bool)
	}
	t.touched[collection] = true
	return nil
}

// MySQL error numbers mapped onto store outcomes.
const (
	mysqlErrDBAccessDenied    = 1044
	mysqlErrAccessDenied      = 1045
	mysqlErrLockWaitTimeout   = 1205
	mysqlErrDeadlock          = 1213
	mysqlErrDuplicateEntry    = 1062
	mysqlErrTableAccessDenied = 1142
)

func classifyMySQLError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDuplicateEntry, mysqlErrDeadlock, mysqlErrLockWaitTimeout:
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		case mysqlErrDBAccessDenied, mysqlErrAccessDenied, mysqlErrTableAccessDenied:
			return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return err
}
