package cache

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbsync/model"
)

var (
	viewer     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	arbitrator = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	agreement  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("unknown profile", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetUserProfile(context.Background(), common.HexToAddress("0xdead"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetDisputeRecord(context.Background(), arbitrator, 1, viewer)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("dispute record merge rules", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		_, err := s.UpdateDisputeRecord(ctx, arbitrator, 1, viewer, model.DisputeUpdate{
			CreatedAt: &model.AppealTime{Appeal: 0, At: first},
			Draws:     &model.AppealDraws{Appeal: 0, Draws: []uint64{3}},
		})
		require.NoError(t, err)

		_, err = s.UpdateDisputeRecord(ctx, arbitrator, 1, viewer, model.DisputeUpdate{
			CreatedAt:  &model.AppealTime{Appeal: 0, At: first.Add(time.Hour)},
			Draws:      &model.AppealDraws{Appeal: 0, Draws: []uint64{1, 3}},
			TokenShift: &model.TokenShift{Key: "0x01:0", Amount: big.NewInt(-4)},
		})
		require.NoError(t, err)

		_, err = s.UpdateDisputeRecord(ctx, arbitrator, 1, viewer, model.DisputeUpdate{
			TokenShift: &model.TokenShift{Key: "0x01:0", Amount: big.NewInt(-4)},
		})
		require.NoError(t, err)

		_, err = s.UpdateDisputeRecord(ctx, arbitrator, 1, viewer, model.DisputeUpdate{
			Deadline: &model.AppealTime{Appeal: 1, At: first},
		})
		assert.ErrorIs(t, err, model.ErrInconsistentState)

		rec, err := s.GetDisputeRecord(ctx, arbitrator, 1, viewer)
		require.NoError(t, err)
		created, ok := model.TimeAt(rec.CreatedAt, 0)
		require.True(t, ok)
		assert.True(t, created.Equal(first))
		assert.Equal(t, []uint64{1, 3}, rec.DrawsAt(0))
		assert.Equal(t, int64(-4), rec.NetTokenShift.Int64())
		assert.Empty(t, rec.Deadlines)

		p, err := s.GetUserProfile(ctx, viewer)
		require.NoError(t, err)
		assert.Len(t, p.Disputes, 1)
	})

	t.Run("contract records", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.UpdateContractRecord(ctx, viewer, model.ContractRecord{Address: agreement, Arbitrator: arbitrator, PartyA: viewer})
		require.NoError(t, err)
		merged, err := s.UpdateContractRecord(ctx, viewer, model.ContractRecord{Address: agreement, Description: "rent"})
		require.NoError(t, err)
		assert.Equal(t, viewer, merged.PartyA)
		assert.Equal(t, "rent", merged.Description)

		p, err := s.GetUserProfile(ctx, viewer)
		require.NoError(t, err)
		assert.True(t, p.IsParty(agreement))
	})

	t.Run("notifications dedup and read", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		n := model.Notification{
			Account:     viewer,
			Key:         model.NotificationKey{TxHash: common.HexToHash("0xabc"), LogIndex: 2},
			BlockNumber: 10,
			Type:        model.TypeDisputeCreated,
			Message:     "New dispute created",
			Payload:     map[string]any{"disputeId": "1"},
			CreatedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		require.NoError(t, s.NewNotification(ctx, n))
		assert.ErrorIs(t, s.NewNotification(ctx, n), ErrDuplicateNotification)

		other := n
		other.Key.Subject = "dispute:1"
		require.NoError(t, s.NewNotification(ctx, other))

		unread, err := s.GetNotifications(ctx, viewer, true)
		require.NoError(t, err)
		require.Len(t, unread, 2)
		assert.Equal(t, model.TypeDisputeCreated, unread[0].Type)

		require.NoError(t, s.MarkNotificationRead(ctx, viewer, n.Key))
		unread, err = s.GetNotifications(ctx, viewer, true)
		require.NoError(t, err)
		require.Len(t, unread, 1)
		assert.Equal(t, "dispute:1", unread[0].Key.Subject)

		all, err := s.GetNotifications(ctx, viewer, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		err = s.MarkNotificationRead(ctx, viewer, model.NotificationKey{TxHash: common.HexToHash("0xfff")})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("watermark never lowers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, ok, err := s.GetWatermark(ctx, "viewer-1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SetWatermark(ctx, "viewer-1", 20))
		require.NoError(t, s.SetWatermark(ctx, "viewer-1", 15))
		block, ok, err := s.GetWatermark(ctx, "viewer-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(20), block)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.UpdateDisputeRecord(ctx, arbitrator, 1, viewer, model.DisputeUpdate{
		Draws: &model.AppealDraws{Appeal: 0, Draws: []uint64{1}},
	})
	require.NoError(t, err)

	rec, err := s.GetDisputeRecord(ctx, arbitrator, 1, viewer)
	require.NoError(t, err)
	rec.Draws[0][0] = 99

	again, err := s.GetDisputeRecord(ctx, arbitrator, 1, viewer)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, again.DrawsAt(0))
}
