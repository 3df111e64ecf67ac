package sequence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// padWidth is the minimum digit width of the numeric suffix. %0*d widens past
// it instead of wrapping, so lexical and numeric ordering stay aligned for the
// full padded range.
const padWidth = 6

// Format renders the identifier for a key and allocated value.
func Format(key string, value int64) string {
	return fmt.Sprintf("%s-%0*d", key, padWidth, value)
}

// UnknownKeyError is returned when a counter that must be provisioned in
// advance does not exist.
type UnknownKeyError struct {
	Key string
}

func (e UnknownKeyError) Error() string {
	return fmt.Sprintf("counter %s not provisioned", e.Key)
}

// Allocator issues unique, strictly increasing identifiers per key. Allocate
// must run inside the same transaction that persists the entity receiving the
// identifier; the transaction is the atomic unit that makes the
// read-increment-write sequence safe under concurrent writers.
type Allocator interface {
	Allocate(ctx context.Context, tx *sql.Tx, key string) (string, error)
}

// Counter allocates from an explicit counters row per key.
type Counter struct {
	// CreateMissing provisions a counter lazily on first allocation. When
	// false the key must have been provisioned by an administrative action
	// and a missing row is UnknownKeyError.
	CreateMissing bool
}

func (a Counter) Allocate(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("allocation key required")
	}
	res, err := tx.ExecContext(ctx, `UPDATE counters SET value=value+1 WHERE key=?`, key)
	if err != nil {
		return "", fmt.Errorf("increment counter %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		if !a.CreateMissing {
			return "", UnknownKeyError{Key: key}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO counters(key,value) VALUES (?,1)
ON CONFLICT(key) DO UPDATE SET value=value+1`, key); err != nil {
			return "", fmt.Errorf("create counter %s: %w", key, err)
		}
	}
	var value int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE key=?`, key).Scan(&value); err != nil {
		return "", fmt.Errorf("read counter %s: %w", key, err)
	}
	return Format(key, value), nil
}

// Provision creates a counter row at zero if it does not exist.
func Provision(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO counters(key,value) VALUES (?,0)`, key)
	return err
}

// DateScan allocates date-bucketed identifiers by scanning existing ones for
// the current maximum instead of keeping a counter row. The key is derived
// from the current date (PREFIX-YYYYMMDD) when not supplied. The scan and the
// insert that uses the result must share one transaction or two same-day
// creations can compute the same next value.
type DateScan struct {
	Prefix string
	Table  string
	Column string
	Now    func() time.Time
}

func (a DateScan) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Key returns the allocation key for the current date.
func (a DateScan) Key() string {
	return a.Prefix + "-" + a.now().UTC().Format("20060102")
}

func (a DateScan) Allocate(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	if key == "" {
		key = a.Key()
	}
	if a.Table == "" || a.Column == "" {
		return "", fmt.Errorf("scan table and column required")
	}
	// Length before lexical: once a suffix widens past the pad, plain lexical
	// order puts 999999 above 1000000 and the max would go backwards.
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s LIKE ? ORDER BY LENGTH(%s) DESC, %s DESC LIMIT 1`,
		a.Column, a.Table, a.Column, a.Column, a.Column)
	var last string
	err := tx.QueryRowContext(ctx, query, key+"-%").Scan(&last)
	var next int64 = 1
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return "", fmt.Errorf("scan %s for %s: %w", a.Table, key, err)
	default:
		suffix := last[strings.LastIndex(last, "-")+1:]
		n, perr := strconv.ParseInt(suffix, 10, 64)
		if perr != nil {
			return "", fmt.Errorf("malformed identifier %s: %w", last, perr)
		}
		next = n + 1
	}
	return Format(key, next), nil
}
