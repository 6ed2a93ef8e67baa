package inter

import (
	"context"
	"time"
)

// HVACMode 温控器运行模式 (tmode)
type HVACMode int

const (
	HVACModeOff  HVACMode = iota // 关闭
	HVACModeHeat                 // 制热
	HVACModeCool                 // 制冷
	HVACModeAuto                 // 自动
)

func (m HVACMode) String() string {
	switch m {
	case HVACModeOff:
		return "Off"
	case HVACModeHeat:
		return "Heat"
	case HVACModeCool:
		return "Cool"
	case HVACModeAuto:
		return "Auto"
	default:
		return "Unknown"
	}
}

// ScanMode 设备采集模式，决定遥测是否落库
type ScanMode int

const (
	ScanDisabled ScanMode = iota // 不采集
	ScanDemand                   // 按需采集（由外部轮询器负责）
	ScanCloud                    // 云端签到采集（由中继负责落库）
)

// DeviceIdentity 设备注册表记录（中继只读）
type DeviceIdentity struct {
	InternalID int64    `json:"id"`
	Identifier string   `json:"uuid"`
	ScanMode   ScanMode `json:"scan_mode"`
	Location   string   `json:"location"`
}

// Reading 一条温控器遥测记录
type Reading struct {
	InternalID int64     `json:"thermostat_id"`
	Identifier string    `json:"uuid"`
	Timestamp  time.Time `json:"ts"`
	// Temperature 当前温度
	Temperature float64 `json:"temp"`
	Mode        HVACMode `json:"tmode"`
	// ActiveSetpoint 按模式选取的目标温度：制冷取 t_cool，制热取 t_heat，其余为空
	ActiveSetpoint *float64 `json:"tTemp"`
	RunState       int      `json:"tstate"`
	FanState       int      `json:"fstate"`
}

// DeviceRecord 注册设备时使用的完整记录
type DeviceRecord struct {
	Identifier string
	IP         string
	Location   string
	Model      string
	ScanMode   ScanMode
}

// DeviceRegistry 设备注册表（外部依赖）
type DeviceRegistry interface {
	// LookupInternalID 根据设备标识查询内部 ID，不存在时返回 ErrDeviceNotFound
	LookupInternalID(ctx context.Context, identifier string) (DeviceIdentity, error)
}

// TelemetrySink 遥测写入端（外部依赖）
type TelemetrySink interface {
	InsertReading(ctx context.Context, r Reading) error
}

// DataStore 同时提供注册表与遥测写入的存储后端
// 该接口兼容 SQLite 与 PostgreSQL 两种实现
type DataStore interface {
	DeviceRegistry
	TelemetrySink

	// RegisterDevice 新增一台温控器，返回内部 ID
	// 仅供命令行与测试使用，中继本身从不修改注册表
	RegisterDevice(ctx context.Context, rec DeviceRecord) (int64, error)

	// QueryReadings 查询指定时间范围内的遥测（闭区间）
	QueryReadings(ctx context.Context, internalID int64, start, end time.Time) ([]Reading, error)

	Close() error
}
