package device_manager

import (
	"context"
	"errors"
	"time"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/oops"
)

// DeviceStatus 由最近一次签到时间推断的在线状态
type DeviceStatus int

const (
	StatusOffline DeviceStatus = iota
	StatusOnline
)

func (s DeviceStatus) String() string {
	if s == StatusOnline {
		return "online"
	}
	return "offline"
}

type DeviceManager struct {
	Registry inter.DeviceRegistry

	// 缓存: 设备标识 -> 注册表记录
	// 只缓存命中注册表的记录，进程生命周期内不淘汰
	identities *xsync.MapOf[string, inter.DeviceIdentity]

	// 运行时状态
	lastCheckIn *xsync.MapOf[string, time.Time]
	DeathLine   time.Duration
}

// NewDeviceManager registry 为 nil 时缓存永远未命中
func NewDeviceManager(registry inter.DeviceRegistry) *DeviceManager {
	return &DeviceManager{
		Registry:    registry,
		identities:  xsync.NewMapOf[string, inter.DeviceIdentity](),
		lastCheckIn: xsync.NewMapOf[string, time.Time](),
		DeathLine:   5 * time.Minute, // 温控器默认签到周期远小于 5 分钟
	}
}

// --- 标识缓存实现 ---

func (d *DeviceManager) Resolve(ctx context.Context, identifier string) (inter.DeviceIdentity, error) {
	// 1. 快速路径：检查缓存
	if id, ok := d.identities.Load(identifier); ok {
		return id, nil
	}

	// 2. 慢速路径：回源注册表
	if d.Registry == nil {
		return inter.DeviceIdentity{}, oops.Wrapf(inter.ErrDeviceNotFound, "未配置设备注册表")
	}
	id, err := d.Registry.LookupInternalID(ctx, identifier)
	if err != nil {
		if errors.Is(err, inter.ErrDeviceNotFound) {
			// 未命中不缓存，设备稍后注册即可生效
			return inter.DeviceIdentity{}, err
		}
		return inter.DeviceIdentity{}, oops.Wrapf(err, "查询设备注册表失败")
	}

	// 回填缓存；并发回填同一标识时保留先写入者，结果相同
	actual, _ := d.identities.LoadOrStore(identifier, id)
	return actual, nil
}

func (d *DeviceManager) Lookup(identifier string) (inter.DeviceIdentity, bool) {
	return d.identities.Load(identifier)
}

func (d *DeviceManager) Len() int {
	return d.identities.Size()
}

// --- 运行时状态实现 ---

// HandleCheckIn 记录一次成功签到，返回距上次签到的间隔（首次为 0）
func (d *DeviceManager) HandleCheckIn(identifier string, at time.Time) time.Duration {
	prev, loaded := d.lastCheckIn.LoadAndStore(identifier, at)
	if !loaded {
		return 0
	}
	return at.Sub(prev)
}

func (d *DeviceManager) QueryDeviceStatus(identifier string) (DeviceStatus, time.Time, error) {
	lastSeen, ok := d.lastCheckIn.Load(identifier)
	if !ok {
		return StatusOffline, time.Time{}, errors.New("设备从未签到")
	}
	if time.Since(lastSeen) < d.DeathLine {
		return StatusOnline, lastSeen, nil
	}
	return StatusOffline, lastSeen, nil
}
