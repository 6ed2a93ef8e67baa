package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/oops"
)

// DeriveKeys 由设备标识与共享密钥派生加密密钥与 MAC 密钥
//
// MAC 密钥 = MD5(共享密钥前 8 字节)。
// 加密密钥为 PBKDF 风格的异或折叠：
//
//	salt  = identifier[-8:] || uint32be(1)
//	acc   = HMAC-SHA1(secret, salt); chain = acc
//	重复 iterations-1 次: chain = HMAC-SHA1(secret, chain); acc ^= chain
//	key   = acc[:16]
//
// 这不是标准 PBKDF2，每轮摘要必须异或累加到 acc 上。
func DeriveKeys(identifier, secret []byte, iterations int) (inter.DerivedKeys, error) {
	if len(identifier) == 0 {
		return inter.DerivedKeys{}, oops.Wrapf(inter.ErrPrecondition, "设备标识为空")
	}
	if len(secret) == 0 {
		return inter.DerivedKeys{}, oops.Wrapf(inter.ErrPrecondition, "共享密钥为空")
	}
	if iterations < 1 {
		return inter.DerivedKeys{}, oops.Wrapf(inter.ErrPrecondition, "迭代次数 %d 非法", iterations)
	}

	// 标识不足 8 字节时取整个标识
	tail := identifier
	if len(tail) > inter.SaltIdentifierLen {
		tail = tail[len(tail)-inter.SaltIdentifierLen:]
	}
	salt := make([]byte, 0, len(tail)+4)
	salt = append(salt, tail...)
	salt = binary.BigEndian.AppendUint32(salt, 1)

	mac := hmac.New(sha1.New, secret)
	mac.Write(salt)
	acc := mac.Sum(nil)
	chain := bytes.Clone(acc)

	for i := 1; i < iterations; i++ {
		mac.Reset()
		mac.Write(chain)
		chain = mac.Sum(chain[:0])
		for j := range acc {
			acc[j] ^= chain[j]
		}
	}

	return inter.DerivedKeys{
		EncryptionKey: bytes.Clone(acc[:inter.KeySize]),
		MACKey:        deriveMACKey(secret),
	}, nil
}

func deriveMACKey(secret []byte) []byte {
	prefix := secret
	if len(prefix) > inter.SecretPrefixLen {
		prefix = prefix[:inter.SecretPrefixLen]
	}
	sum := md5.Sum(prefix)
	return sum[:inter.MACKeySize]
}

// KeyCache 按设备标识缓存派生密钥
// 共享密钥在进程内不轮换，因此条目永不过期；认证失败的标识由调用方 Forget
type KeyCache struct {
	secret     []byte
	iterations int
	keys       *xsync.MapOf[string, inter.DerivedKeys]
}

// NewKeyCache 创建密钥缓存
func NewKeyCache(secret []byte, iterations int) *KeyCache {
	if iterations < 1 {
		iterations = inter.DefaultKDFIterations
	}
	return &KeyCache{
		secret:     bytes.Clone(secret),
		iterations: iterations,
		keys:       xsync.NewMapOf[string, inter.DerivedKeys](),
	}
}

// Keys 实现 inter.KeyDeriver
func (c *KeyCache) Keys(identifier []byte) (inter.DerivedKeys, error) {
	if k, ok := c.keys.Load(string(identifier)); ok {
		return k, nil
	}
	k, err := DeriveKeys(identifier, c.secret, c.iterations)
	if err != nil {
		return inter.DerivedKeys{}, err
	}
	actual, _ := c.keys.LoadOrStore(string(identifier), k)
	return actual, nil
}

// Forget 移除某个标识的缓存条目
func (c *KeyCache) Forget(identifier []byte) {
	c.keys.Delete(string(identifier))
}

// Len 当前缓存的标识数量
func (c *KeyCache) Len() int {
	return c.keys.Size()
}
