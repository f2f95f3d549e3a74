// Package actors drives a cache.Store concurrently the way several watching
// pipelines would.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"arbsync/cache"
	"arbsync/model"
)

// Target names the dispute every actor contends on.
type Target struct {
	Account    common.Address
	Arbitrator common.Address
	DisputeID  uint64
}

// tolerable reports errors an actor shrugs off: dropped connections and
// contention the store surfaces as a sentinel.
func tolerable(err error) bool {
	return err == nil ||
		errors.Is(err, cache.ErrTransient) ||
		errors.Is(err, cache.ErrDuplicateNotification) ||
		errors.Is(err, model.ErrInconsistentState)
}

func pause(lo, spread int) {
	time.Sleep(time.Duration(lo+rand.Intn(spread)) * time.Millisecond)
}

// Shifter replays token shifts from a small set of log keys, so most writes
// are duplicates that must not change the net amount.
func Shifter(ctx context.Context, store cache.Store, tg Target, keys int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		appeals := rand.Intn(3)
		_, err := store.UpdateDisputeRecord(ctx, tg.Arbitrator, tg.DisputeID, tg.Account, model.DisputeUpdate{
			NumberOfAppeals: appeals,
			TokenShift: &model.TokenShift{
				Key:    fmt.Sprintf("0x%064x:%d", rand.Intn(keys), 0),
				Amount: big.NewInt(1),
			},
		})
		if !tolerable(err) {
			return fmt.Errorf("shifter: %w", err)
		}
		pause(5, 20)
	}
}

// Drawer grows draw slots of random appeal rounds.
func Drawer(ctx context.Context, store cache.Store, tg Target, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		appeals := rand.Intn(3)
		_, err := store.UpdateDisputeRecord(ctx, tg.Arbitrator, tg.DisputeID, tg.Account, model.DisputeUpdate{
			NumberOfAppeals: appeals,
			Draws:           &model.AppealDraws{Appeal: rand.Intn(appeals + 1), Draws: []uint64{uint64(rand.Intn(5))}},
			CreatedAt:       &model.AppealTime{Appeal: rand.Intn(appeals + 1), At: time.Now().UTC()},
		})
		if !tolerable(err) {
			return fmt.Errorf("drawer: %w", err)
		}
		pause(10, 30)
	}
}

// Notifier inserts notifications for a small set of keys; all but the first
// insert of each key are duplicates.
func Notifier(ctx context.Context, store cache.Store, tg Target, keys int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		k := rand.Intn(keys)
		err := store.NewNotification(ctx, model.Notification{
			Account: tg.Account,
			Key: model.NotificationKey{
				TxHash:   common.BigToHash(big.NewInt(int64(k + 1))),
				LogIndex: uint(k % 4),
			},
			BlockNumber: uint64(k),
			Type:        model.TypeDisputeCreated,
			Message:     "stress",
			CreatedAt:   time.Now().UTC(),
		})
		if !tolerable(err) {
			return fmt.Errorf("notifier: %w", err)
		}
		pause(5, 15)
	}
}

// Reader lists unread notifications and marks one read.
func Reader(ctx context.Context, store cache.Store, tg Target, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		unread, err := store.GetNotifications(ctx, tg.Account, true)
		if !tolerable(err) {
			return fmt.Errorf("reader: %w", err)
		}
		for _, n := range unread {
			if n.Read {
				return fmt.Errorf("reader: %s listed as unread but read", n.Key.TxHash.Hex())
			}
		}
		if len(unread) > 0 {
			err := store.MarkNotificationRead(ctx, tg.Account, unread[rand.Intn(len(unread))].Key)
			if !tolerable(err) && !errors.Is(err, cache.ErrNotFound) {
				return fmt.Errorf("reader: %w", err)
			}
		}
		pause(20, 40)
	}
}

// Advancer moves a watermark forward and back and checks it never regresses.
func Advancer(ctx context.Context, store cache.Store, consumer string, stop <-chan struct{}) error {
	var confirmed uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		target := confirmed
		if step := rand.Intn(10) - 3; step >= 0 {
			target += uint64(step)
		} else if confirmed >= uint64(-step) {
			target -= uint64(-step)
		}
		if err := store.SetWatermark(ctx, consumer, target); err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("advancer: %w", err)
		}
		got, ok, err := store.GetWatermark(ctx, consumer)
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("advancer: %w", err)
		}
		if !ok || got < confirmed {
			return fmt.Errorf("advancer: watermark of %s regressed from %d to %d", consumer, confirmed, got)
		}
		confirmed = got
		pause(10, 20)
	}
}
