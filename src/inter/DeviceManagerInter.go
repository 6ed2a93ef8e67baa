package inter

import "context"

// IdentityCache 设备标识 -> 注册表记录 的进程内缓存
// 未命中时回源注册表并回填；进程生命周期内不淘汰
// 并发写入是幂等的：同一标识重复回填得到相同结果
type IdentityCache interface {
	// Resolve 先查缓存，未命中回源注册表
	Resolve(ctx context.Context, identifier string) (DeviceIdentity, error)

	// Lookup 只查缓存
	Lookup(identifier string) (DeviceIdentity, bool)

	// Len 当前缓存条目数
	Len() int
}

// CommandQueue 缓冲后端发往设备的设置指令
// 指令是 JSON 对象，在设备下一次签到时浅合并进应答明文
type CommandQueue interface {
	// Push 入队；队列满时丢弃最早的一条
	Push(identifier string, cmd map[string]any) error

	// Pop 取出最早的一条指令 (FIFO)
	Pop(identifier string) (map[string]any, bool)

	// Pending 指定设备待下发的指令数
	Pending(identifier string) int
}
