package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
)

// DataStorePgx 基于 PostgreSQL 的实现，表结构与 SQLite 版一致
type DataStorePgx struct {
	pool *pgxpool.Pool
}

const pgSchema = `
    CREATE TABLE IF NOT EXISTS thermostats (
       id         BIGSERIAL PRIMARY KEY,
       uuid       TEXT UNIQUE NOT NULL,
       ip         TEXT UNIQUE,
       location   TEXT,
       model      TEXT,
       "scanMode" INTEGER DEFAULT 0 NOT NULL CHECK ("scanMode" IN (0, 1, 2)),
       created_at BIGINT DEFAULT (EXTRACT(EPOCH FROM now()) * 1000)::BIGINT
    );

    CREATE TABLE IF NOT EXISTS scan_data (
       id            BIGSERIAL PRIMARY KEY,
       thermostat_id BIGINT NOT NULL REFERENCES thermostats(id),
       timestamp     BIGINT NOT NULL,
       temp          DOUBLE PRECISION,
       tmode         INTEGER,
       "tTemp"       DOUBLE PRECISION,
       tstate        INTEGER,
       fstate        INTEGER
    );
    CREATE INDEX IF NOT EXISTS idx_scan_data_thermostat ON scan_data (thermostat_id, timestamp);
`

func NewDataStorePgx(ctx context.Context, dsn string) (inter.DataStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Wrapf(err, "连接 PostgreSQL 失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Wrapf(err, "PostgreSQL 不可达")
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, oops.Wrapf(err, "初始化表结构失败")
	}
	return &DataStorePgx{pool: pool}, nil
}

func (s *DataStorePgx) LookupInternalID(ctx context.Context, identifier string) (inter.DeviceIdentity, error) {
	out := inter.DeviceIdentity{Identifier: identifier}
	var location *string
	var scanMode int32
	err := s.pool.QueryRow(ctx,
		`SELECT id, "scanMode", location FROM thermostats WHERE uuid = $1`, identifier,
	).Scan(&out.InternalID, &scanMode, &location)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, oops.With("uuid", identifier).Wrap(inter.ErrDeviceNotFound)
	}
	if err != nil {
		return out, oops.Wrapf(err, "查询设备失败")
	}
	out.ScanMode = inter.ScanMode(scanMode)
	if location != nil {
		out.Location = *location
	}
	return out, nil
}

func (s *DataStorePgx) InsertReading(ctx context.Context, r inter.Reading) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_data (thermostat_id, timestamp, temp, tmode, "tTemp", tstate, fstate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.InternalID, r.Timestamp.UnixMilli(), r.Temperature, int32(r.Mode),
		r.ActiveSetpoint, int32(r.RunState), int32(r.FanState),
	)
	if err != nil {
		return oops.Wrapf(inter.ErrPersistence, "写入 scan_data 失败: %v", err)
	}
	return nil
}

func (s *DataStorePgx) RegisterDevice(ctx context.Context, rec inter.DeviceRecord) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO thermostats (uuid, ip, location, model, "scanMode")
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rec.Identifier, optional(rec.IP), optional(rec.Location), optional(rec.Model), int32(rec.ScanMode),
	).Scan(&id)
	if err != nil {
		return 0, oops.Wrapf(err, "注册设备失败")
	}
	return id, nil
}

func (s *DataStorePgx) QueryReadings(ctx context.Context, internalID int64, start, end time.Time) ([]inter.Reading, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.timestamp, d.temp, d.tmode, d."tTemp", d.tstate, d.fstate, t.uuid
		FROM scan_data d JOIN thermostats t ON t.id = d.thermostat_id
		WHERE d.thermostat_id = $1 AND d.timestamp BETWEEN $2 AND $3
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
		var mode, runState, fanState int32
		if err := rows.Scan(&ts, &r.Temperature, &mode, &r.ActiveSetpoint, &runState, &fanState, &r.Identifier); err != nil {
			return nil, oops.Wrapf(err, "读取 scan_data 行失败")
		}
		r.Timestamp = time.UnixMilli(ts)
		r.Mode = inter.HVACMode(mode)
		r.RunState = int(runState)
		r.FanState = int(fanState)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *DataStorePgx) Close() error {
	s.pool.Close()
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
