package flashlog

import (
	_ "embed"
)

const (
	insertSessionSQL = `
INSERT INTO sessions (id,
                      started_at,
                      device_id,
                      config)
VALUES (?, CURRENT_TIMESTAMP, ?, ?)`

	selectSessionsSQL = `
SELECT
    id,
    started_at,
    device_id,
    config
FROM sessions
ORDER BY started_at`

	insertRecordSQL = `
INSERT INTO records (session_id,
                     timestamp,
                     speed,
                     battery_voltage,
                     latitude,
                     longitude,
                     altitude,
                     satellites,
                     fix_quality,
                     flags,
                     crc16)
VALUES `

	selectRecordsSQL = `
SELECT
    timestamp,
    speed,
    battery_voltage,
    latitude,
    longitude,
    altitude,
    satellites,
    fix_quality,
    flags,
    crc16
FROM records
WHERE
    session_id = ?
ORDER BY timestamp`

	countRecordsSQL = `
SELECT COUNT(*)
FROM records
WHERE
    session_id = ?`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_records_session_time ON records (session_id, timestamp)`
)

//go:embed schema.sql
var initSchemaSQL string
