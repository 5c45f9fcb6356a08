package storage

import (
	"database/sql"
	"time"
)

// Instants are stored as unix milliseconds (BIGINT/INTEGER) in both
// dialects so ordering and comparison stay in SQL.

func Millis(t time.Time) int64 { return t.UnixMilli() }

func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// NullMillis maps nil to SQL NULL.
func NullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// TimePtr converts a scanned nullable column.
func TimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// NullInt64 maps nil to SQL NULL.
func NullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func Int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
