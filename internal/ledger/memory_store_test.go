package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []*Notification
}

func (r *recordingNotifier) Deliver(n *Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_NotificationsDeliveredAfterCommit(t *testing.T) {
	s := NewMemoryStore()
	rec := &recordingNotifier{}
	s.SetNotifier(rec)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertNotification(ctx, &Notification{RecipientID: "u1", Kind: "k", Title: "dropped"}))
		assert.Equal(t, 0, rec.count(), "nothing is delivered before commit")
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, 0, rec.count(), "rolled-back notifications are never delivered")

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertNotification(ctx, &Notification{RecipientID: "u1", Kind: "k", Title: "kept"})
	}))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "kept", rec.notes[0].Title)
	assert.NotEmpty(t, rec.notes[0].ID)
}

func TestMemoryStore_CancelledContextRollsBack(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutJob(ctx, &Job{ID: "JOB1", ClientID: "c1"}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	err = s.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.GetJob(context.Background(), "JOB1")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f := seedEscrow(t, s)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		e, err := tx.GetEscrow(ctx, f.Escrow.ID)
		if err != nil {
			return err
		}
		e.Status = EscrowRefunded // mutated but never written back
		return nil
	}))
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		e, err := tx.GetEscrow(ctx, f.Escrow.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, EscrowHeld, e.Status)
		return nil
	}))
}

func TestMemoryStore_ConcurrentCreateSameCorrelation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var created, conflicts int
	var mu sync.Mutex
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx Tx) error {
				return tx.CreateEscrow(ctx, &Escrow{
					JobID: "JOB1", ClientID: "c1", FreelancerID: "f1", CorrelationID: "T1",
					Gross: dec("1000"), Fee: dec("100"), Net: dec("900"), Status: EscrowHeld,
				}, nil)
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if errors.Is(err, ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 9, conflicts)
}
