package inter

import "errors"

// 中继事务的错误分类
// 调用方通过 errors.Is 判断类别，具体原因由 oops 包装后附带
var (
	// ErrFrame 帧格式错误（缺少头部、头部 JSON 非法、缺少 uuid、eiv 非法、无密文）
	ErrFrame = errors.New("frame: 帧格式非法")

	// ErrAuthentication MAC 校验失败：共享密钥错误、标识错误或报文被篡改
	ErrAuthentication = errors.New("auth: 报文完整性校验失败")

	// ErrPrecondition 密钥、IV 或密文长度非法，属于编程或配置错误
	ErrPrecondition = errors.New("precondition: 密钥/IV/密文长度非法")

	// ErrForwarding 上游不可达、超时或上游回复认证失败
	ErrForwarding = errors.New("forward: 上游转发失败")

	// ErrPersistence 注册表缺失或存储写入失败，非致命
	ErrPersistence = errors.New("persist: 遥测持久化失败")

	// ErrDeviceNotFound 设备注册表中没有该标识
	ErrDeviceNotFound = errors.New("registry: 未找到对应设备")
)
