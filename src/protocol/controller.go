package protocol

import (
	"crypto/hmac"
	"fmt"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
	"github.com/sigurn/crc16"
)

// 以下为温控器一侧的报文处理，用于模拟器与测试

// SealControllerFrame 按设备固件的方式加密上行报文：
// MAC || payload 补 0x00 到块边界后做无填充 CBC 加密
func SealControllerFrame(keys inter.DerivedKeys, iv, payload []byte) ([]byte, error) {
	if err := checkKeyMaterial(keys, iv); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, inter.MACSize+len(payload)+inter.BlockSize)
	buf = append(buf, hmacMD5(keys.MACKey, payload)...)
	buf = append(buf, payload...)
	return cbcEncryptNoPadding(keys.EncryptionKey, iv, zeroPad(buf))
}

// OpenReply 解密中继回给温控器的报文：去除 PKCS#7 填充并校验 MAC
func OpenReply(keys inter.DerivedKeys, iv, ciphertext []byte) ([]byte, error) {
	if err := checkKeyMaterial(keys, iv); err != nil {
		return nil, err
	}
	plain, err := cbcDecryptNoPadding(keys.EncryptionKey, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	plain, ok := pkcs7Unpad(plain)
	if !ok || len(plain) < inter.MACSize {
		return nil, oops.Wrapf(inter.ErrAuthentication, "回复填充非法")
	}
	mac, payload := plain[:inter.MACSize], plain[inter.MACSize:]
	if !hmac.Equal(mac, hmacMD5(keys.MACKey, payload)) {
		return nil, oops.Wrapf(inter.ErrAuthentication, "回复 MAC 不匹配")
	}
	return payload, nil
}

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Fingerprint 原始帧的 CRC16/MODBUS 指纹，用于在日志中关联同一次签到
func Fingerprint(raw []byte) string {
	return fmt.Sprintf("%04x", crc16.Checksum(raw, modbusTable))
}
