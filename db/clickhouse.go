package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/spf13/viper"

	"slotwatch/config"
	"slotwatch/logger"
	"slotwatch/types"
)

var tables = []string{"slot_timings", "slot_leaders"}

type ClickhouseDB struct {
	conn driver.Conn
}

func NewClickhouse() (Database, error) {
	opts := &clickhouse.Options{
		Addr: []string{viper.GetString("CLICKHOUSE_ADDR")},
		Auth: clickhouse.Auth{
			Database: viper.GetString("CLICKHOUSE_DATABASE"),
			Username: viper.GetString("CLICKHOUSE_USERNAME"),
			Password: viper.GetString("CLICKHOUSE_PASSWORD"),
		},
		DialTimeout:  5 * time.Second,
		Compression:  &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		MaxOpenConns: 10,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return &ClickhouseDB{conn: conn}, nil
}

func (d *ClickhouseDB) Close() error {
	return d.conn.Close()
}

func (d *ClickhouseDB) EnsureDatabaseExists() error {
	query := fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, config.EXPORT_DATABASE)
	if err := d.conn.Exec(context.Background(), query); err != nil {
		return fmt.Errorf("failed to ensure database exists: %w", err)
	}
	logger.GlobalLogger.Info("Database ensured to exist", "database", config.EXPORT_DATABASE)
	return nil
}

func (d *ClickhouseDB) CreateTables() error {
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.slot_timings
		(
			slot UInt64,
			leader String,
			parent Nullable(UInt64),
			firstShred DateTime64(3),
			fullSlot Nullable(DateTime64(3)),
			createdBank Nullable(DateTime64(3)),
			frozen Nullable(DateTime64(3)),
			dead Nullable(DateTime64(3)),
			err String,
			confirmed Nullable(DateTime64(3)),
			rooted Nullable(DateTime64(3)),

			numTransactionEntries UInt64,
			numSuccessfulTransactions UInt64,
			numFailedTransactions UInt64,
			maxTransactionsPerEntry UInt64
		)
		ENGINE = ReplacingMergeTree
		PRIMARY KEY slot
		ORDER BY slot
		SETTINGS index_granularity = 8192`, config.EXPORT_DATABASE),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.slot_leaders
		(
			slot UInt64,
			leader String
		)
		ENGINE = ReplacingMergeTree
		PRIMARY KEY slot
		ORDER BY slot
		SETTINGS index_granularity = 8192`, config.EXPORT_DATABASE),
	}

	for _, q := range queries {
		if err := d.conn.Exec(context.Background(), q); err != nil {
			return err
		}
		logger.GlobalLogger.Info("Check or create table in DB", "query", q)
	}
	return nil
}

func (d *ClickhouseDB) DropTables() error {
	for _, t := range tables {
		q := fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", config.EXPORT_DATABASE, t)
		if err := d.conn.Exec(context.Background(), q); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", t, err)
		}
		logger.GlobalLogger.Info("Dropped table", "table", t)
	}
	return nil
}

func (d *ClickhouseDB) InsertSlotTimings(rows []*types.SlotTimingRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := d.conn.PrepareBatch(context.Background(),
		fmt.Sprintf("INSERT INTO %s.slot_timings", config.EXPORT_DATABASE))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := batch.AppendStruct(row); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (d *ClickhouseDB) InsertSlotLeaders(leaders types.SlotLeaders) error {
	if len(leaders) == 0 {
		return nil
	}
	batch, err := d.conn.PrepareBatch(context.Background(),
		fmt.Sprintf("INSERT INTO %s.slot_leaders", config.EXPORT_DATABASE))
	if err != nil {
		return err
	}
	for _, leader := range leaders {
		if err := batch.AppendStruct(leader); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (d *ClickhouseDB) QueryLastSlotLeader() (uint64, error) {
	row := d.conn.QueryRow(context.Background(),
		fmt.Sprintf("SELECT ifNull(max(slot), toUInt64(0)) FROM %s.slot_leaders", config.EXPORT_DATABASE))
	var slot uint64
	if err := row.Scan(&slot); err != nil {
		return 0, fmt.Errorf("query last slot leader failed: %w", err)
	}
	return slot, nil
}
