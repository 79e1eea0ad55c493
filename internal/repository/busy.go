package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// busyDelays is the wait schedule when the database is locked by another
// writer.
var busyDelays = []time.Duration{
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// withBusyRetry runs a write, retrying while SQLite reports BUSY or LOCKED.
func withBusyRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for _, d := range busyDelays {
		if err == nil || !isBusy(err) {
			return err
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = fn()
	}
	return err
}
