package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
)

// 返回给温控器的 4xx 文本
const (
	msgNeedHeader      = "Need a JSON header"
	msgInvalidJSON     = "Need a valid JSON header"
	msgInvalidHeader   = "Invalid JSON header"
	msgInvalidHex      = "Invalid hex values in JSON header"
	msgMissingPayload  = "Missing encrypted payload"
	msgUnalignedCipher = "Encrypted payload is not block aligned"
)

// FrameParser 实现 inter.FrameCodec
//
// 入站格式: {"uuid":"...","eiv":"<32 hex>"}<密文>
// 头部在字节流中第一个 '}' 处结束，之后全部为密文，没有其它分隔符。
type FrameParser struct {
	// DefaultIdentifier 头部缺少 uuid 时的替代标识，空串表示不启用
	DefaultIdentifier string
}

// NewFrameParser 创建帧解析器
func NewFrameParser(defaultIdentifier string) *FrameParser {
	return &FrameParser{DefaultIdentifier: defaultIdentifier}
}

// 用指针区分 缺失 与 类型错误
type rawHeader struct {
	UUID *string `json:"uuid"`
	EIV  *string `json:"eiv"`
}

func frameError(public, format string, args ...any) error {
	return oops.Public(public).Wrapf(inter.ErrFrame, format, args...)
}

func (p *FrameParser) Parse(raw []byte) (*inter.Frame, error) {
	end := bytes.IndexByte(raw, '}')
	if end < 0 {
		return nil, frameError(msgNeedHeader, "未找到头部结束符 '}'")
	}

	var hdr rawHeader
	if err := json.Unmarshal(raw[:end+1], &hdr); err != nil {
		return nil, frameError(msgInvalidJSON, "头部 JSON 非法: %v", err)
	}

	frame := &inter.Frame{}
	if hdr.UUID == nil || *hdr.UUID == "" {
		if p.DefaultIdentifier == "" {
			return nil, frameError(msgInvalidHeader, "头部缺少 uuid")
		}
		frame.Header.Identifier = p.DefaultIdentifier
		frame.DefaultedIdentifier = true
	} else {
		frame.Header.Identifier = *hdr.UUID
	}

	if hdr.EIV == nil || len(*hdr.EIV) != inter.IVHexLen {
		return nil, frameError(msgInvalidHeader, "eiv 缺失或长度不是 %d", inter.IVHexLen)
	}
	iv, err := hex.DecodeString(*hdr.EIV)
	if err != nil {
		return nil, frameError(msgInvalidHex, "eiv 不是合法十六进制: %v", err)
	}
	frame.Header.IVHex = *hdr.EIV
	frame.IV = iv

	frame.Ciphertext = raw[end+1:]
	if len(frame.Ciphertext) == 0 {
		return nil, frameError(msgMissingPayload, "头部之后没有密文")
	}
	if len(frame.Ciphertext)%inter.BlockSize != 0 {
		return nil, frameError(msgUnalignedCipher, "密文长度 %d 不是 %d 的整数倍", len(frame.Ciphertext), inter.BlockSize)
	}
	return frame, nil
}

// MarshalOutbound 生成 {"uuid","eiv","payload"} 形式的转发请求体
func (p *FrameParser) MarshalOutbound(header inter.FrameHeader, ciphertext []byte) ([]byte, error) {
	return json.Marshal(outboundFrame{
		UUID:    header.Identifier,
		EIV:     header.IVHex,
		Payload: BufferJSON(ciphertext),
	})
}

type outboundFrame struct {
	UUID    string     `json:"uuid"`
	EIV     string     `json:"eiv"`
	Payload BufferJSON `json:"payload"`
}

// ParseOutbound 解析转发请求体，供上游云端一侧使用
func ParseOutbound(body []byte) (inter.FrameHeader, []byte, error) {
	var f outboundFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return inter.FrameHeader{}, nil, oops.Wrapf(inter.ErrFrame, "转发请求体非法: %v", err)
	}
	return inter.FrameHeader{Identifier: f.UUID, IVHex: f.EIV}, []byte(f.Payload), nil
}

// MarshalInbound 拼接温控器上行帧：JSON 头部紧跟原始密文
func MarshalInbound(header inter.FrameHeader, ciphertext []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	return append(hdr, ciphertext...), nil
}

// BufferJSON 按 {"type":"Buffer","data":[...]} 序列化字节串
// 上游云端按这种形状接收 payload
type BufferJSON []byte

type bufferJSONShape struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

func (b BufferJSON) MarshalJSON() ([]byte, error) {
	data := make([]int, len(b))
	for i, v := range b {
		data[i] = int(v)
	}
	return json.Marshal(bufferJSONShape{Type: "Buffer", Data: data})
}

func (b *BufferJSON) UnmarshalJSON(in []byte) error {
	var shape bufferJSONShape
	if err := json.Unmarshal(in, &shape); err != nil {
		return err
	}
	if shape.Type != "Buffer" {
		return oops.Errorf("payload type %q, 期望 Buffer", shape.Type)
	}
	out := make([]byte, len(shape.Data))
	for i, v := range shape.Data {
		if v < 0 || v > 0xFF {
			return oops.Errorf("payload 第 %d 字节越界: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
