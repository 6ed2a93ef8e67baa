package inter

// =============================================================================
// 温控器云端签到协议 常量与类型定义
// =============================================================================

const (
	// KeySize AES-128 加密密钥长度
	KeySize = 16
	// MACKeySize HMAC-MD5 密钥长度
	MACKeySize = 16
	// MACSize HMAC-MD5 摘要长度，明文消息以此长度的 MAC 作为前缀
	MACSize = 16
	// IVSize CBC 初始化向量长度
	IVSize = 16
	// IVHexLen 头部 eiv 字段的十六进制字符数
	IVHexLen = IVSize * 2
	// BlockSize AES 分组长度
	BlockSize = 16
	// SecretPrefixLen MAC 密钥只取共享密钥的前 8 字节
	SecretPrefixLen = 8
	// SaltIdentifierLen 盐值取设备标识的后 8 字节
	SaltIdentifierLen = 8
	// DefaultKDFIterations 密钥派生的默认迭代次数
	DefaultKDFIterations = 1000
)

// DefaultAckPayload 未配置上游转发时回给温控器的确认报文
const DefaultAckPayload = `{"ignore":0}`

// FrameHeader 帧头部 JSON 对象
// 线上字段名沿用设备固件: uuid / eiv
type FrameHeader struct {
	// Identifier 设备唯一标识（通常由 MAC 地址派生）
	Identifier string `json:"uuid"`
	// IVHex 32 个十六进制字符表示的 16 字节 IV
	IVHex string `json:"eiv"`
}

// Frame 表示一个解析后的入站帧
type Frame struct {
	Header FrameHeader
	// IV 由 Header.IVHex 解码得到，恒为 16 字节
	IV []byte
	// Ciphertext 头部 '}' 之后的全部字节
	Ciphertext []byte
	// DefaultedIdentifier 头部缺少 uuid 时使用了配置的默认标识
	DefaultedIdentifier bool
}

// DerivedKeys 由 (设备标识, 共享密钥) 派生出的会话密钥
type DerivedKeys struct {
	EncryptionKey []byte // 16 字节 AES-128 密钥
	MACKey        []byte // 16 字节 HMAC-MD5 密钥
}

// KeyDeriver 根据设备标识返回派生密钥
// 实现层可以按标识做进程内缓存（共享密钥在进程生命周期内不轮换）
type KeyDeriver interface {
	Keys(identifier []byte) (DerivedKeys, error)
}

// AuthCodec 定义了认证加解密的核心接口
type AuthCodec interface {
	// EncryptAndAuthenticate 计算 HMAC-MD5(plaintext)，对 MAC||plaintext 做带标准填充的 AES-128-CBC 加密
	EncryptAndAuthenticate(keys DerivedKeys, iv, plaintext []byte) ([]byte, error)

	// DecryptAndVerify 无填充解密，剥离空字节并去除首尾空白后校验 MAC
	// 校验失败返回 ErrAuthentication，绝不返回未经认证的明文
	DecryptAndVerify(keys DerivedKeys, iv, ciphertext []byte) ([]byte, error)
}

// FrameCodec 定义了帧的解析与出站序列化
type FrameCodec interface {
	// Parse 将入站字节流拆分为 JSON 头部和密文尾部
	Parse(raw []byte) (*Frame, error)

	// MarshalOutbound 生成转发给上游云端的请求体
	MarshalOutbound(header FrameHeader, ciphertext []byte) ([]byte, error)
}
