package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lease is the refinery's exclusive right to operate on trunk. Only the
// holder may begin or reconcile integration attempts.
type Lease struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AcquireLease takes the refinery lease for owner when it is free, expired
// or already owner's. A live lease of another owner fails with ErrLeaseHeld.
func (s *Store) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (Lease, error) {
	if owner == "" || ttl <= 0 {
		return Lease{}, errors.New("refinery lease needs an owner and a positive ttl")
	}
	var lease Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		current, err := scanLease(tx.QueryRowContext(ctx, `SELECT owner, acquired_at, expires_at FROM refinery_lease WHERE id = 1;`))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			lease = Lease{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO refinery_lease (id, owner, acquired_at, expires_at) VALUES (1, ?, ?, ?);
			`, lease.Owner, lease.AcquiredAt, lease.ExpiresAt)
			if err != nil {
				return fmt.Errorf("insert refinery lease: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("read refinery lease: %w", err)
		}
		if current.Owner != owner && now.Before(current.ExpiresAt) {
			return fmt.Errorf("%w: %s until %s", ErrLeaseHeld, current.Owner, current.ExpiresAt.Format(time.RFC3339))
		}
		lease = Lease{Owner: owner, AcquiredAt: current.AcquiredAt, ExpiresAt: now.Add(ttl)}
		if current.Owner != owner {
			lease.AcquiredAt = now
			s.logger.Warn("taking over expired refinery lease", "previous_owner", current.Owner, "expired_at", current.ExpiresAt)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE refinery_lease SET owner = ?, acquired_at = ?, expires_at = ? WHERE id = 1;
		`, lease.Owner, lease.AcquiredAt, lease.ExpiresAt); err != nil {
			return fmt.Errorf("update refinery lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return Lease{}, err
	}
	return lease, nil
}

// RenewLease extends owner's lease. It fails with ErrLeaseHeld once another
// process has taken the lease over.
func (s *Store) RenewLease(ctx context.Context, owner string, ttl time.Duration) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE refinery_lease SET expires_at = ? WHERE id = 1 AND owner = ?;
		`, s.now().Add(ttl), owner)
		if err != nil {
			return fmt.Errorf("renew refinery lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("renew refinery lease rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("%w: %s lost the lease", ErrLeaseHeld, owner)
		}
		return nil
	})
}

// ReleaseLease gives up owner's lease. Releasing a lease owner does not hold
// is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, owner string) error {
	return retryOnBusy(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM refinery_lease WHERE id = 1 AND owner = ?;`, owner); err != nil {
			return fmt.Errorf("release refinery lease: %w", err)
		}
		return nil
	})
}

// CurrentLease returns the lease row, or nil when no process holds it.
func (s *Store) CurrentLease(ctx context.Context) (*Lease, error) {
	lease, err := scanLease(s.db.QueryRowContext(ctx, `SELECT owner, acquired_at, expires_at FROM refinery_lease WHERE id = 1;`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read refinery lease: %w", err)
	}
	return &lease, nil
}

func scanLease(row *sql.Row) (Lease, error) {
	var l Lease
	err := row.Scan(&l.Owner, &l.AcquiredAt, &l.ExpiresAt)
	return l, err
}
