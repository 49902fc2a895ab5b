package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mkrutov/vehicle-telematics/internal/flashlog"
	"github.com/mkrutov/vehicle-telematics/internal/telemetry"
)

// Run lists sessions or dumps one session's records from a flash log
// database.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store := flashlog.NewSqliteStore(config.DBPath)
	defer store.Close()

	if config.SessionID == "" {
		return listSessions(ctx, store)
	}

	out := os.Stdout
	if config.OutputFile != "" {
		f, err := os.Create(config.OutputFile)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	records, err := store.Records(ctx, config.SessionID)
	if err != nil {
		return fmt.Errorf("reading session records: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("session %s has no records", config.SessionID)
	}

	if config.Verify {
		var bad int
		for _, rec := range records {
			if !rec.Verify() {
				bad++
			}
		}
		if bad > 0 {
			logger.Warn("checksum failures found",
				slog.Int("bad", bad),
				slog.Int("total", len(records)))
		}
	}

	switch config.Format {
	case FormatBinary:
		err = dumpBinary(out, records)
	default:
		err = dumpCSV(out, records)
	}
	if err != nil {
		return err
	}

	logger.Info("session dumped",
		slog.String("session_id", config.SessionID),
		slog.String("records", humanize.Comma(int64(len(records)))),
		slog.String("size", humanize.IBytes(uint64(len(records)*telemetry.RecordSize))))

	return nil
}

func listSessions(ctx context.Context, store flashlog.Store) error {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions found")
		return nil
	}

	for _, sess := range sessions {
		count, err := store.Count(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("counting records for %s: %w", sess.ID, err)
		}

		fmt.Printf("%s  %s  device=%s  records=%s  (%s)\n",
			sess.ID,
			sess.StartedAt.UTC().Format(time.RFC3339),
			sess.DeviceID,
			humanize.Comma(count),
			humanize.Time(sess.StartedAt))
	}
	return nil
}

func dumpCSV(out io.Writer, records []telemetry.Record) error {
	w := csv.NewWriter(out)

	header := []string{
		"timestamp", "speed_kph", "battery_v",
		"latitude", "longitude", "altitude_m",
		"satellites", "fix_quality", "flags",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			strconv.FormatUint(uint64(rec.Timestamp), 10),
			strconv.FormatFloat(float64(rec.Speed), 'f', 2, 32),
			strconv.FormatFloat(float64(rec.BatteryVoltage), 'f', 2, 32),
			strconv.FormatFloat(float64(rec.Latitude), 'f', 6, 32),
			strconv.FormatFloat(float64(rec.Longitude), 'f', 6, 32),
			strconv.FormatFloat(float64(rec.Altitude), 'f', 1, 32),
			strconv.FormatUint(uint64(rec.Satellites), 10),
			strconv.FormatUint(uint64(rec.FixQuality), 10),
			fmt.Sprintf("0x%02X", rec.Flags),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing CSV: %w", err)
	}
	return nil
}

func dumpBinary(out io.Writer, records []telemetry.Record) error {
	for _, rec := range records {
		data, err := rec.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if _, err = out.Write(data); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
	}
	return nil
}
