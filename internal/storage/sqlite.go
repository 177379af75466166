package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/GuiaBolso/darwin"
	_ "modernc.org/sqlite"

	logx "reportbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return newSQLStore(db, log), nil
}

func newSQLStore(db *sql.DB, log logx.Logger) *sqliteStore {
	return &sqliteStore{db: db, log: log}
}

// loadMigrations turns migrations/NNNN_name.sql into darwin migrations,
// ordered by their numeric prefix.
func loadMigrations() ([]darwin.Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	out := make([]darwin.Migration, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		prefix, desc, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: want NNNN_description.sql", name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", name, err)
		}
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, darwin.Migration{
			Version:     float64(v),
			Description: strings.ReplaceAll(desc, "_", " "),
			Script:      string(b),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	driver := darwin.NewGenericDriver(db, darwin.SqliteDialect{})
	return darwin.New(driver, migrations, nil).Migrate()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const (
	upsertSent = `INSERT INTO deliveries(bucket_key, target_at, sent_at, message_id, data_hash, status)
VALUES(?,?,?,?,?,?)
ON CONFLICT(bucket_key) DO UPDATE SET
	target_at=excluded.target_at, sent_at=excluded.sent_at, message_id=excluded.message_id,
	data_hash=excluded.data_hash, status=excluded.status
WHERE deliveries.status <> 'sent'`

	insertFailed = `INSERT INTO deliveries(bucket_key, target_at, sent_at, message_id, data_hash, status)
VALUES(?,?,?,?,?,?)
ON CONFLICT(bucket_key) DO NOTHING`
)

func (s *sqliteStore) PutDelivery(ctx context.Context, d Delivery) error {
	if strings.TrimSpace(d.BucketKey) == "" {
		return errors.New("storage: empty bucket key")
	}
	q := insertFailed
	if d.Status == StatusSent {
		q = upsertSent
	}
	res, err := s.db.ExecContext(ctx, q,
		d.BucketKey, d.TargetAt.UnixMilli(), d.SentAt.UnixMilli(),
		nullStr(d.MessageID), nullStr(d.DataHash), string(d.Status),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

const selectDelivery = `SELECT bucket_key, target_at, sent_at, message_id, data_hash, status FROM deliveries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(r rowScanner) (Delivery, error) {
	var (
		d            Delivery
		target, sent int64
		msgID, hash  sql.NullString
		status       string
	)
	if err := r.Scan(&d.BucketKey, &target, &sent, &msgID, &hash, &status); err != nil {
		return Delivery{}, err
	}
	d.TargetAt = time.UnixMilli(target)
	d.SentAt = time.UnixMilli(sent)
	d.MessageID = msgID.String
	d.DataHash = hash.String
	d.Status = Status(status)
	return d, nil
}

func (s *sqliteStore) GetDelivery(ctx context.Context, key string) (Delivery, bool, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, selectDelivery+` WHERE bucket_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	return d, true, nil
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, from, to time.Time) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		selectDelivery+` WHERE target_at >= ? AND target_at < ? ORDER BY target_at`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteDeliveriesBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE target_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) AppendFailure(ctx context.Context, f Failure) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failures(id, bucket_key, request_id, channel, retry_count, reason, failed_at)
		 VALUES(?,?,?,?,?,?,?)`,
		f.ID, f.BucketKey, nullStr(f.RequestID), nullStr(f.Channel), f.RetryCount, f.Reason, f.FailedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListFailures(ctx context.Context, since time.Time) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bucket_key, request_id, channel, retry_count, reason, failed_at
		 FROM failures WHERE failed_at >= ? ORDER BY failed_at`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f         Failure
			reqID, ch sql.NullString
			failedAt  int64
		)
		if err := rows.Scan(&f.ID, &f.BucketKey, &reqID, &ch, &f.RetryCount, &f.Reason, &failedAt); err != nil {
			return nil, err
		}
		f.RequestID = reqID.String
		f.Channel = ch.String
		f.FailedAt = time.UnixMilli(failedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
