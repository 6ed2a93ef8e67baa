package datastore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
	_ "modernc.org/sqlite"
)

// DataStoreSql 基于 SQLite 的注册表与遥测存储
type DataStoreSql struct {
	db *sql.DB
}

// 时间戳统一以 Unix 毫秒存储
const sqliteSchema = `
    CREATE TABLE IF NOT EXISTS thermostats (
       id         INTEGER PRIMARY KEY AUTOINCREMENT,
       uuid       TEXT UNIQUE NOT NULL,
       ip         TEXT UNIQUE,
       location   TEXT,
       model      TEXT,
       scanMode   INTEGER DEFAULT 0 NOT NULL CHECK (scanMode IN (0, 1, 2)),
       created_at INTEGER DEFAULT (strftime('%s', 'now') * 1000)
    );

    CREATE TABLE IF NOT EXISTS scan_data (
       id            INTEGER PRIMARY KEY AUTOINCREMENT,
       thermostat_id INTEGER NOT NULL,
       timestamp     INTEGER NOT NULL,
       temp          REAL,
       tmode         INTEGER,
       tTemp         REAL,
       tstate        INTEGER,
       fstate        INTEGER,
       FOREIGN KEY (thermostat_id) REFERENCES thermostats(id)
    );
    CREATE INDEX IF NOT EXISTS idx_scan_data_thermostat ON scan_data (thermostat_id, timestamp);
`

func NewDataStoreSql(dbPath string) (inter.DataStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, oops.Wrapf(err, "打开 SQLite 失败")
	}
	// SQLite 单写者，避免并发写入时 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, oops.Wrapf(err, "初始化表结构失败")
	}
	return &DataStoreSql{db: db}, nil
}

// LookupInternalID 利用 uuid 上的唯一索引查询
func (s *DataStoreSql) LookupInternalID(ctx context.Context, identifier string) (inter.DeviceIdentity, error) {
	out := inter.DeviceIdentity{Identifier: identifier}
	var location sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, scanMode, location FROM thermostats WHERE uuid = ?", identifier,
	).Scan(&out.InternalID, &out.ScanMode, &location)
	if errors.Is(err, sql.ErrNoRows) {
		return out, oops.With("uuid", identifier).Wrap(inter.ErrDeviceNotFound)
	}
	if err != nil {
		return out, oops.Wrapf(err, "查询设备失败")
	}
	out.Location = location.String
	return out, nil
}

// InsertReading 写入一条遥测
func (s *DataStoreSql) InsertReading(ctx context.Context, r inter.Reading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_data (thermostat_id, timestamp, temp, tmode, tTemp, tstate, fstate)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.InternalID, r.Timestamp.UnixMilli(), r.Temperature, int(r.Mode),
		nullFloat(r.ActiveSetpoint), r.RunState, r.FanState,
	)
	if err != nil {
		return oops.Wrapf(inter.ErrPersistence, "写入 scan_data 失败: %v", err)
	}
	return nil
}

func (s *DataStoreSql) RegisterDevice(ctx context.Context, rec inter.DeviceRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO thermostats (uuid, ip, location, model, scanMode)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Identifier, nullString(rec.IP), nullString(rec.Location), nullString(rec.Model), int(rec.ScanMode),
	)
	if err != nil {
		return 0, oops.Wrapf(err, "注册设备失败")
	}
	return res.LastInsertId()
}

// QueryReadings 按时间升序返回 [start, end] 内的遥测
func (s *DataStoreSql) QueryReadings(ctx context.Context, internalID int64, start, end time.Time) ([]inter.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.timestamp, d.temp, d.tmode, d.tTemp, d.tstate, d.fstate, t.uuid
		FROM scan_data d JOIN thermostats t ON t.id = d.thermostat_id
		WHERE d.thermostat_id = ? AND d.timestamp BETWEEN ? AND ?
		ORDER BY d.timestamp ASC`,
		internalID, start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, oops.Wrapf(err, "查询 scan_data 失败")
	}
	defer rows.Close()

	var readings []inter.Reading
	for rows.Next() {
		r := inter.Reading{InternalID: internalID}
		var ts int64
		var setpoint sql.NullFloat64
		if err := rows.Scan(&ts, &r.Temperature, &r.Mode, &setpoint, &r.RunState, &r.FanState, &r.Identifier); err != nil {
			return nil, oops.Wrapf(err, "读取 scan_data 行失败")
		}
		r.Timestamp = time.UnixMilli(ts)
		if setpoint.Valid {
			v := setpoint.Float64
			r.ActiveSetpoint = &v
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *DataStoreSql) Close() error {
	return s.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// 空串存为 NULL，ip 列的 UNIQUE 约束不约束 NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
