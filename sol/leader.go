package sol

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go/rpc"

	"slotwatch/types"
	"slotwatch/utils"
)

// LeaderResolver fetches the epoch leader schedule and answers which
// validator leads a slot. Bootstrap runs once per connection; lookups
// before it finishes just find nothing.
type LeaderResolver struct {
	source  EpochSource
	retrier *utils.Retrier
	logger  *slog.Logger

	mu       sync.RWMutex
	schedule *types.LeaderSchedule
}

func NewLeaderResolver(source EpochSource, retrier *utils.Retrier, logger *slog.Logger) *LeaderResolver {
	return &LeaderResolver{
		source:  source,
		retrier: retrier,
		logger:  logger,
	}
}

// Bootstrap fetches epoch info and the leader schedule, retrying each
// request until it succeeds, then publishes the result. It only fails when
// ctx is done.
func (r *LeaderResolver) Bootstrap(ctx context.Context) (*types.LeaderSchedule, error) {
	epochInfo, err := utils.RetryForever(ctx, r.retrier, "getEpochInfo", func(ctx context.Context) (*rpc.GetEpochInfoResult, error) {
		return GetEpochInfo(ctx, r.source)
	})
	if err != nil {
		return nil, err
	}
	slotOffset := epochInfo.AbsoluteSlot - epochInfo.SlotIndex

	leaders, err := utils.RetryForever(ctx, r.retrier, "getLeaderSchedule", func(ctx context.Context) (map[string][]uint64, error) {
		return GetLeaderSchedule(ctx, r.source)
	})
	if err != nil {
		return nil, err
	}

	schedule := types.NewLeaderSchedule(slotOffset, leaders)
	r.mu.Lock()
	r.schedule = schedule
	r.mu.Unlock()

	r.logger.Info("Loaded leader schedule",
		"epoch", epochInfo.Epoch,
		"slot_offset", slotOffset,
		"absolute_slot", epochInfo.AbsoluteSlot,
		"leaders", len(schedule.Leaders),
		"slots", schedule.NumSlots(),
	)
	return schedule, nil
}

// Schedule returns the last loaded schedule, nil before the first Bootstrap.
func (r *LeaderResolver) Schedule() *types.LeaderSchedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schedule
}

// Leader resolves slot against the last loaded schedule.
func (r *LeaderResolver) Leader(slot uint64) (string, bool) {
	return ResolveLeader(r.Schedule(), slot)
}

// ResolveLeader finds the validator whose index set holds slot-SlotOffset.
// It returns false when no schedule is loaded or nobody leads the slot.
func ResolveLeader(schedule *types.LeaderSchedule, slot uint64) (string, bool) {
	if schedule == nil || slot < schedule.SlotOffset {
		return "", false
	}
	index := slot - schedule.SlotOffset
	for identity, indices := range schedule.Leaders {
		if indices.Contains(index) {
			return identity, true
		}
	}
	return "", false
}
