package cmd

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"slotwatch/config"
	"slotwatch/db"
	"slotwatch/logger"
	"slotwatch/sol"
	"slotwatch/types"
	"slotwatch/utils"
)

var exportLeaders bool

var leaderCmd = cobra.Command{
	Use:   "leader [slot...]",
	Short: "Load the current epoch's leader schedule and resolve slot leaders",
	Args:  cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger.InitLogs("leader")

		slots := make([]uint64, 0, len(args))
		for _, arg := range args {
			s, err := strconv.ParseUint(arg, 10, 64)
			if err != nil {
				logger.LeaderLogger.Error("Invalid slot", "slot", arg, "err", err)
				return
			}
			slots = append(slots, s)
		}

		if err := runLeader(cmd.Context(), slots); err != nil {
			logger.LeaderLogger.Error("Error running leader command", "err", err)
		}
	},
}

func runLeader(parent context.Context, slots []uint64) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter, err := utils.NewErrorReporter(logger.GlobalLogger, viper.GetString("sentry.dsn"), cluster())
	if err != nil {
		logger.GlobalLogger.Warn("Error reports stay local", "err", err)
	}
	defer reporter.Flush(2 * time.Second)

	resolver := sol.NewLeaderResolver(sol.NewRpcClient(), utils.NewRetrier(reporter, logger.LeaderLogger), logger.LeaderLogger)
	schedule, err := resolver.Bootstrap(ctx)
	if err != nil {
		return err
	}

	for _, s := range slots {
		if leader, ok := resolver.Leader(s); ok {
			fmt.Printf("%d\t%s\n", s, leader)
		} else {
			fmt.Printf("%d\t-\n", s)
		}
	}

	if !exportLeaders {
		return nil
	}
	database, err := db.NewClickhouse()
	if err != nil {
		return err
	}
	defer database.Close()
	return exportSchedule(database, schedule)
}

// exportSchedule writes the schedule's slots above the last stored one.
func exportSchedule(database db.Database, schedule *types.LeaderSchedule) error {
	last, err := database.QueryLastSlotLeader()
	if err != nil {
		return err
	}

	var rows types.SlotLeaders
	for _, l := range schedule.SlotLeaders() {
		if l.Slot > last {
			rows = append(rows, l)
		}
	}
	slices.SortFunc(rows, func(a, b *types.SlotLeader) int {
		return cmp.Compare(a.Slot, b.Slot)
	})

	for start := 0; start < len(rows); start += config.EXPORT_BATCH_SIZE {
		end := min(start+config.EXPORT_BATCH_SIZE, len(rows))
		if err := database.InsertSlotLeaders(rows[start:end]); err != nil {
			return fmt.Errorf("failed to insert slot leaders: %w", err)
		}
	}
	logger.LeaderLogger.Info("Exported slot leaders", "count", len(rows), "after_slot", last)
	return nil
}

func init() {
	leaderCmd.Flags().BoolVarP(&exportLeaders, "export", "e", false, "store the schedule in the slot_leaders table")
	RootCmd.AddCommand(&leaderCmd)
}
