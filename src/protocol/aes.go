package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
)

func hmacMD5(key, msg []byte) []byte {
	m := hmac.New(md5.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// checkKeyMaterial 校验密钥与 IV 长度
func checkKeyMaterial(keys inter.DerivedKeys, iv []byte) error {
	if len(keys.EncryptionKey) != inter.KeySize {
		return oops.Wrapf(inter.ErrPrecondition, "加密密钥长度 %d, 期望 %d", len(keys.EncryptionKey), inter.KeySize)
	}
	if len(keys.MACKey) != inter.MACKeySize {
		return oops.Wrapf(inter.ErrPrecondition, "MAC 密钥长度 %d, 期望 %d", len(keys.MACKey), inter.MACKeySize)
	}
	if len(iv) != inter.IVSize {
		return oops.Wrapf(inter.ErrPrecondition, "IV 长度 %d, 期望 %d", len(iv), inter.IVSize)
	}
	return nil
}

// cbcEncryptNoPadding 原地加密，data 必须已按块对齐
func cbcEncryptNoPadding(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, oops.Wrapf(inter.ErrPrecondition, "明文长度 %d 不是块大小的整数倍", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, oops.Wrapf(inter.ErrPrecondition, "AES初始化失败: %v", err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// cbcDecryptNoPadding 解密后原样返回，不做任何去填充
func cbcDecryptNoPadding(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, oops.Wrapf(inter.ErrPrecondition, "密文长度 %d 不是块大小的整数倍", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, oops.Wrapf(inter.ErrPrecondition, "AES初始化失败: %v", err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func pkcs7Pad(data []byte) []byte {
	padding := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte) ([]byte, bool) {
	n := len(data)
	if n == 0 || n%aes.BlockSize != 0 {
		return nil, false
	}
	padding := int(data[n-1])
	if padding == 0 || padding > aes.BlockSize {
		return nil, false
	}
	for _, b := range data[n-padding:] {
		if int(b) != padding {
			return nil, false
		}
	}
	return data[:n-padding], true
}

// zeroPad 设备固件的填充方式：补 0x00 到块边界，已对齐时不补
func zeroPad(data []byte) []byte {
	if rem := len(data) % aes.BlockSize; rem != 0 {
		return append(data, make([]byte, aes.BlockSize-rem)...)
	}
	return data
}
