package inter

import "context"

// Forwarder 负责把重新加密的签到请求发往上游真实云端
type Forwarder interface {
	// Forward 发送出站请求体，返回上游回复的原始密文
	// 网络错误、超时与非 2xx 状态均返回 ErrForwarding
	Forward(ctx context.Context, body []byte) ([]byte, error)
}

// Hooks 允许在转发前后修改明文
// PatchRequest 作用于 温控器 -> 云端，PatchResponse 作用于 云端 -> 温控器
type Hooks interface {
	PatchRequest(identifier string, plaintext []byte) []byte
	PatchResponse(identifier string, plaintext []byte) []byte
}

// Relay 定义了中继服务（温控器签到端点）的接口
type Relay interface {
	// Start 启动 HTTP 监听，阻塞直到 ctx 取消或监听失败
	Start(ctx context.Context) error
}
