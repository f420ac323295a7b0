package ledger

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultRetries = 3
	DefaultBackoff = 50 * time.Millisecond
)

// Retry runs fn in a transaction and retries it when the commit lost a
// write-write race. retries is the number of attempts after the first;
// backoff grows linearly per attempt. Any error other than ErrConflict is
// returned immediately; a conflict that survives all attempts is returned
// as ErrConflict for the caller to surface as a transient failure.
func Retry(ctx context.Context, store Store, retries int, backoff time.Duration, fn func(ctx context.Context, tx Tx) error) error {
	if retries <= 0 {
		retries = DefaultRetries
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = store.WithinTx(ctx, fn)
		if !errors.Is(err, ErrConflict) || attempt >= retries {
			return err
		}
		select {
		case <-time.After(backoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
