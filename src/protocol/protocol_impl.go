package protocol

import (
	"bytes"
	"crypto/hmac"
	"unicode"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
)

// ThermoCodec 实现 inter.AuthCodec 接口
//
// 加密与解密的填充行为刻意不对称：
// 加密走标准 PKCS#7 填充，解密不去填充而是剥离 0x00 再去除首尾空白，
// 因为温控器上行报文用 0x00 补齐而非标准填充。
type ThermoCodec struct{}

// NewThermoCodec 创建一个新的编解码器实例
func NewThermoCodec() inter.AuthCodec {
	return &ThermoCodec{}
}

func (c *ThermoCodec) EncryptAndAuthenticate(keys inter.DerivedKeys, iv, plaintext []byte) ([]byte, error) {
	if err := checkKeyMaterial(keys, iv); err != nil {
		return nil, err
	}

	// MAC || plaintext || PKCS#7
	buf := make([]byte, 0, inter.MACSize+len(plaintext)+inter.BlockSize)
	buf = append(buf, hmacMD5(keys.MACKey, plaintext)...)
	buf = append(buf, plaintext...)
	buf = pkcs7Pad(buf)

	return cbcEncryptNoPadding(keys.EncryptionKey, iv, buf)
}

func (c *ThermoCodec) DecryptAndVerify(keys inter.DerivedKeys, iv, ciphertext []byte) ([]byte, error) {
	if err := checkKeyMaterial(keys, iv); err != nil {
		return nil, err
	}
	if len(ciphertext) < inter.MACSize {
		return nil, oops.Wrapf(inter.ErrPrecondition, "密文长度 %d 不足以容纳 MAC", len(ciphertext))
	}

	plain, err := cbcDecryptNoPadding(keys.EncryptionKey, iv, ciphertext)
	if err != nil {
		return nil, err
	}

	mac := plain[:inter.MACSize]
	payload := normalizePayload(plain[inter.MACSize:])

	if !hmac.Equal(mac, hmacMD5(keys.MACKey, payload)) {
		return nil, oops.Wrapf(inter.ErrAuthentication, "MAC 不匹配")
	}
	return payload, nil
}

// normalizePayload 剥离所有 0x00 后去除首尾空白
func normalizePayload(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte{0}, nil)
	return bytes.TrimFunc(b, isTrimSpace)
}

// isTrimSpace 与设备端固件的 trim 语义一致：Unicode 空白加 BOM，不含 U+0085
func isTrimSpace(r rune) bool {
	switch r {
	case '\uFEFF':
		return true
	case '\u0085':
		return false
	}
	return unicode.IsSpace(r)
}
