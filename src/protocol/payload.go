package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
)

// DecodedPayload 解密后的应用层报文
// 取值为 Telemetry 或 Unrecognized 之一，按类型显式分派
type DecodedPayload interface {
	Bytes() []byte
	isDecodedPayload()
}

// ThermostatStatus 报文中的 tstat 对象
type ThermostatStatus struct {
	Temp         float64        `json:"temp"`
	Mode         inter.HVACMode `json:"tmode"`
	FanMode      int            `json:"fmode"`
	Override     int            `json:"override"`
	Hold         int            `json:"hold"`
	HeatSetpoint *float64       `json:"t_heat,omitempty"`
	CoolSetpoint *float64       `json:"t_cool,omitempty"`
	RunState     int            `json:"tstate"`
	FanState     int            `json:"fstate"`
	// Time 设备本地时钟，仅用于调试日志
	Time         *DeviceClock   `json:"time,omitempty"`
}

// DeviceClock tstat.time，day 为 0 起始的星期（周一为 0）
type DeviceClock struct {
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// UnmarshalJSON 固件版本间 time 的形态不一致，无法识别时置零而不是拒绝整条遥测
func (c *DeviceClock) UnmarshalJSON(b []byte) error {
	type plain DeviceClock
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		*c = DeviceClock{}
		return nil
	}
	*c = DeviceClock(v)
	return nil
}

func (c DeviceClock) String() string {
	return fmt.Sprintf("day=%d %02d:%02d", c.Day, c.Hour, c.Minute)
}

// Telemetry 含有 tstat 对象的签到报文
type Telemetry struct {
	Raw    []byte
	Status ThermostatStatus
}

// Unrecognized 无法识别为遥测的报文（非 JSON 或没有 tstat）
type Unrecognized struct {
	Raw []byte
}

func (t Telemetry) Bytes() []byte    { return t.Raw }
func (u Unrecognized) Bytes() []byte { return u.Raw }
func (Telemetry) isDecodedPayload()    {}
func (Unrecognized) isDecodedPayload() {}

// DecodePayload 识别签到报文中的遥测对象
func DecodePayload(plaintext []byte) DecodedPayload {
	var envelope struct {
		Tstat json.RawMessage `json:"tstat"`
	}
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return Unrecognized{Raw: plaintext}
	}
	if len(envelope.Tstat) == 0 || string(envelope.Tstat) == "null" {
		return Unrecognized{Raw: plaintext}
	}
	var st ThermostatStatus
	if err := json.Unmarshal(envelope.Tstat, &st); err != nil {
		return Unrecognized{Raw: plaintext}
	}
	return Telemetry{Raw: plaintext, Status: st}
}

// ActiveSetpoint 制冷取 t_cool，制热取 t_heat，其它模式没有有效设定点
func (s ThermostatStatus) ActiveSetpoint() *float64 {
	switch s.Mode {
	case inter.HVACModeCool:
		return s.CoolSetpoint
	case inter.HVACModeHeat:
		return s.HeatSetpoint
	default:
		return nil
	}
}

// Reading 组装一条待写入的遥测记录
func (t Telemetry) Reading(device inter.DeviceIdentity, ts time.Time) inter.Reading {
	return inter.Reading{
		InternalID:     device.InternalID,
		Identifier:     device.Identifier,
		Timestamp:      ts,
		Temperature:    t.Status.Temp,
		Mode:           t.Status.Mode,
		ActiveSetpoint: t.Status.ActiveSetpoint(),
		RunState:       t.Status.RunState,
		FanState:       t.Status.FanState,
	}
}
