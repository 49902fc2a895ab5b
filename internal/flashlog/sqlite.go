package flashlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mkrutov/vehicle-telematics/internal/telemetry"
)

// SqliteStore handles database operations. Writes go through a WAL
// connection that owns the schema; reads use a separate read-only
// connection, so dump tooling never blocks the persist path.
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a new database connection and initializes the
// schema using the Sqlite database
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// BeginSession registers a new logging session and returns its identifier.
// The config may be a string, []byte or any JSON-serializable value.
func (s *SqliteStore) BeginSession(ctx context.Context, deviceID string, config any) (sessionID string, err error) {
	var configData sql.NullString

	if config != nil {
		switch v := config.(type) {
		case string:
			configData.Valid = true
			configData.String = v

		case []byte:
			configData.Valid = true
			configData.String = string(v)

		default:
			var p []byte
			if p, err = json.Marshal(config); err != nil {
				err = fmt.Errorf("marshaling config: %w", err)
				return
			}

			configData.Valid = true
			configData.String = string(p)
		}
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	sessionID = uuid.NewString()
	if _, err = stmt.ExecContext(ctx, sessionID, deviceID, configData); err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	return sessionID, nil
}

// maxInsertRecords bounds one multi-values insert to stay under sqlite's
// bound parameter limit with 11 columns per record.
const maxInsertRecords = 80

// Persist writes a record batch under a session. Each chunk goes in as a
// single multi-values insert inside one transaction.
func (s *SqliteStore) Persist(ctx context.Context, sessionID string, batch []telemetry.Record) error {
	if len(batch) == 0 {
		return nil
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	for start := 0; start < len(batch); start += maxInsertRecords {
		end := min(start+maxInsertRecords, len(batch))
		if err = s.persistChunk(ctx, db, sessionID, batch[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SqliteStore) persistChunk(ctx context.Context, db *sql.DB, sessionID string, batch []telemetry.Record) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	values := make([]interface{}, 0, len(batch)*11)
	valuesPlaceholder := "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	var sb strings.Builder
	sb.WriteString(insertRecordSQL)

	for i, rec := range batch {
		values = append(values,
			sessionID,
			rec.Timestamp,
			rec.Speed,
			rec.BatteryVoltage,
			rec.Latitude,
			rec.Longitude,
			rec.Altitude,
			rec.Satellites,
			rec.FixQuality,
			rec.Flags,
			rec.CRC16,
		)

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(valuesPlaceholder)
	}

	if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
		return fmt.Errorf("batch inserting records: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Sessions returns all sessions ordered by start time.
func (s *SqliteStore) Sessions(ctx context.Context) (sessions []Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var config sql.NullString
		if err = rows.Scan(&sess.ID, &sess.StartedAt, &sess.DeviceID, &config); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		if config.Valid {
			sess.Config = config.String
		}
		sessions = append(sessions, sess)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("iterating sessions: %w", err)
	}
	return
}

// Records returns all records of a session ordered by timestamp.
func (s *SqliteStore) Records(ctx context.Context, sessionID string) (records []telemetry.Record, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectRecordsSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	rows, err := stmt.QueryContext(ctx, sessionID)
	if err != nil {
		err = fmt.Errorf("querying records: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var rec telemetry.Record
		if err = rows.Scan(
			&rec.Timestamp,
			&rec.Speed,
			&rec.BatteryVoltage,
			&rec.Latitude,
			&rec.Longitude,
			&rec.Altitude,
			&rec.Satellites,
			&rec.FixQuality,
			&rec.Flags,
			&rec.CRC16,
		); err != nil {
			err = fmt.Errorf("scanning record: %w", err)
			return
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("iterating records: %w", err)
	}
	return
}

// Count returns the number of records stored under a session.
func (s *SqliteStore) Count(ctx context.Context, sessionID string) (count int64, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	if err = db.QueryRowContext(ctx, countRecordsSQL, sessionID).Scan(&count); err != nil {
		err = fmt.Errorf("counting records: %w", err)
	}
	return
}

// Close releases both connections. Query indexes are created on shutdown so
// they never slow the persist path while the unit is running.
func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}
