package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"slotwatch/config"
	"slotwatch/db"
	"slotwatch/logger"
	"slotwatch/metrics"
	"slotwatch/slot"
	"slotwatch/sol"
	"slotwatch/types"
	"slotwatch/utils"
)

var renderRows int

var watchCmd = cobra.Command{
	Use:   "slot-stats",
	Short: "Follow slot lifecycle timings from the node's websocket",
	Long: "Subscribes to slot updates, keeps a timeline per slot and logs the newest slots every tick.\n" +
		"Type stop, resume or toggle on stdin to control the subscription.",
	Run: func(cmd *cobra.Command, args []string) {
		logger.InitLogs("slot-stats")
		logger.SlotLogger.Info("Running cmd slot-stats, starting slot monitoring...")

		if err := runWatch(cmd.Context()); err != nil {
			logger.SlotLogger.Error("Error running slot-stats command", "err", err)
		}
	},
}

func runWatch(parent context.Context) error {
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

	wsURL, err := sol.GetSolanaWsURL()
	if err != nil {
		return err
	}

	resolver := sol.NewLeaderResolver(sol.NewRpcClient(), utils.NewRetrier(reporter, logger.LeaderLogger), logger.LeaderLogger)
	agg := slot.NewAggregator()
	ctrl := slot.NewController(agg, slot.DefaultOptions(logger.SlotLogger))

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)
	ctrl.OnApply(recorder.Observe)
	if addr := viper.GetString("metrics.addr"); addr != "" {
		go func() {
			logger.GlobalLogger.Info("Serving metrics", "addr", addr)
			if err := metrics.Serve(ctx, addr, reg); err != nil {
				reporter.Report(err, "Metrics server failed")
			}
		}()
	}

	var wg sync.WaitGroup
	if viper.GetBool("export.enabled") {
		database, err := db.NewClickhouse()
		if err != nil {
			return err
		}
		defer database.Close()

		exporter := slot.NewExporter(database, resolver, logger.SlotLogger)
		ctrl.OnApply(exporter.Observe)
		ticks, unregister := ctrl.Ticks()
		defer unregister()

		wg.Add(1)
		go func() {
			defer wg.Done()
			exporter.Run(ctx, ticks, reporter)
		}()
		logger.GlobalLogger.Info("Exporting finished slots", "database", config.EXPORT_DATABASE)
	}

	ticks, unregister := ctrl.Ticks()
	defer unregister()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				recorder.Refresh(agg)
				logWindow(logger.SlotLogger, agg, resolver, renderRows)
			}
		}
	}()

	go readCommands(ctx, os.Stdin, ctrl)

	for {
		err := watchConnection(ctx, wsURL, ctrl, resolver, recorder)
		if ctx.Err() != nil {
			break
		}
		reporter.Report(err, "Websocket connection lost, reconnecting")
		select {
		case <-ctx.Done():
		case <-time.After(config.RETRY_INTERVAL):
		}
	}

	wg.Wait()
	logger.SlotLogger.Info("Slot monitoring stopped")
	return nil
}

// watchConnection runs the controller on one websocket connection and
// returns once the connection is lost or ctx is done.
func watchConnection(ctx context.Context, wsURL string, ctrl *slot.Controller, resolver *sol.LeaderResolver, recorder *metrics.Recorder) error {
	client, err := sol.DialWs(ctx, wsURL, logger.SlotLogger)
	if err != nil {
		return err
	}
	defer client.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Leaders are looked up against whatever schedule has loaded so far.
	go func() {
		schedule, err := resolver.Bootstrap(connCtx)
		if err == nil {
			recorder.SetLeaderSchedule(schedule)
		}
	}()

	err = ctrl.SetConnection(ctx, client)
	if err == nil {
		select {
		case <-ctx.Done():
		case <-client.Done():
			err = client.Err()
		}
	}
	if err := ctrl.SetConnection(ctx, nil); err != nil {
		logger.SlotLogger.Warn("Failed to detach connection", "err", err)
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	return err
}

// readCommands lets the user stop and resume the subscription from stdin.
func readCommands(ctx context.Context, r io.Reader, ctrl *slot.Controller) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch cmd := strings.ToLower(strings.TrimSpace(scanner.Text())); cmd {
		case "":
		case "stop":
			ctrl.Stop()
		case "resume", "reset":
			err = ctrl.Resume(ctx)
		case "toggle":
			var stopped bool
			stopped, err = ctrl.Toggle(ctx)
			logger.SlotLogger.Info("Toggled slot subscription", "stopped", stopped)
		default:
			logger.SlotLogger.Warn("Unknown command, use stop, resume or toggle", "command", cmd)
		}
		if err != nil {
			logger.SlotLogger.Error("Command failed", "err", err)
		}
	}
}

func logWindow(log *slog.Logger, agg *slot.Aggregator, leaders slot.LeaderLookup, limit int) {
	target, _ := agg.TargetSlot()
	attrs := []any{"target", target, "slots", agg.Len()}
	if latest, ok := agg.LatestTimestamp(); ok {
		attrs = append(attrs, "latest", latest.Format(time.StampMilli))
	}
	log.Info("Slot window", attrs...)

	rows := slot.Rows(agg, leaders, limit)
	for i := len(rows) - 1; i >= 0; i-- {
		log.Info("Slot", rowAttrs(rows[i])...)
	}
}

func rowAttrs(row slot.Row) []any {
	attrs := []any{"slot", row.Slot, "leader", row.Leader}
	t := row.Timing
	if t == nil {
		return append(attrs, "status", "missing")
	}
	attrs = append(attrs, "status", status(t))
	for _, stage := range []struct {
		name string
		at   *time.Time
	}{
		{"full", t.FullSlot},
		{"bank", t.CreatedBank},
		{"frozen", t.Frozen},
		{"dead", t.Dead},
		{"confirmed", t.Confirmed},
		{"rooted", t.Rooted},
	} {
		if d, ok := t.Since(stage.at); ok {
			attrs = append(attrs, stage.name, d.Round(time.Millisecond).String())
		}
	}
	if t.Stats != nil {
		attrs = append(attrs, "txs", fmt.Sprintf("%d/%d", t.Stats.NumSuccessfulTransactions,
			t.Stats.NumSuccessfulTransactions+t.Stats.NumFailedTransactions))
	}
	if t.Err != "" {
		attrs = append(attrs, "err", t.Err)
	}
	return attrs
}

func status(t *types.SlotTiming) string {
	switch {
	case t.Dead != nil:
		return "dead"
	case t.Rooted != nil:
		return "rooted"
	case t.Confirmed != nil:
		return "confirmed"
	case t.Frozen != nil:
		return "frozen"
	case t.CreatedBank != nil:
		return "replaying"
	case t.FullSlot != nil:
		return "full"
	}
	return "receiving"
}

func init() {
	watchCmd.Flags().IntVarP(&renderRows, "rows", "r", config.RENDER_SLOT_ROWS, fmt.Sprintf("number of newest slots logged every tick (0 for all, at most %d)", config.MAX_SLOT_ROWS))
	RootCmd.AddCommand(&watchCmd)
}
