package device_manager

import (
	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/oops"
)

const DefaultCommandCapacity = 8

// CommandQueue 按设备标识划分的有界指令队列
type CommandQueue struct {
	queues   *xsync.MapOf[string, chan map[string]any]
	capacity int
}

func NewCommandQueue(capacity int) *CommandQueue {
	if capacity <= 0 {
		capacity = DefaultCommandCapacity
	}
	return &CommandQueue{
		queues:   xsync.NewMapOf[string, chan map[string]any](),
		capacity: capacity,
	}
}

var _ inter.CommandQueue = (*CommandQueue)(nil)

func (q *CommandQueue) Push(identifier string, cmd map[string]any) error {
	if len(cmd) == 0 {
		return oops.Errorf("空指令 (UUID: %s)", identifier)
	}
	ch, _ := q.queues.LoadOrCompute(identifier, func() chan map[string]any {
		return make(chan map[string]any, q.capacity)
	})

	select {
	case ch <- cmd:
		return nil
	default:
		// 队列满：丢弃最早的一条再压入
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cmd:
			return nil
		default:
			return oops.With("uuid", identifier).Errorf("指令队列已满且无法清理")
		}
	}
}

func (q *CommandQueue) Pop(identifier string) (map[string]any, bool) {
	ch, ok := q.queues.Load(identifier)
	if !ok {
		return nil, false
	}
	select {
	case cmd := <-ch:
		return cmd, true
	default:
		return nil, false
	}
}

// Pending 指定设备待下发的指令数
func (q *CommandQueue) Pending(identifier string) int {
	ch, ok := q.queues.Load(identifier)
	if !ok {
		return 0
	}
	return len(ch)
}
