package relay

import (
	"encoding/json"
	"maps"

	"github.com/nhirsama/Goster-ThermoRelay/src/logger"
)

// NopHooks 原样透传
type NopHooks struct{}

func (NopHooks) PatchRequest(_ string, plaintext []byte) []byte  { return plaintext }
func (NopHooks) PatchResponse(_ string, plaintext []byte) []byte { return plaintext }

// OverrideHooks 把配置的键值浅合并进 JSON 对象明文
// 非 JSON 对象的明文原样透传
type OverrideHooks struct {
	Request  map[string]any
	Response map[string]any
}

func (h OverrideHooks) PatchRequest(identifier string, plaintext []byte) []byte {
	return mergeObject(identifier, plaintext, h.Request)
}

func (h OverrideHooks) PatchResponse(identifier string, plaintext []byte) []byte {
	return mergeObject(identifier, plaintext, h.Response)
}

func mergeObject(identifier string, plaintext []byte, overrides map[string]any) []byte {
	if len(overrides) == 0 {
		return plaintext
	}
	var obj map[string]any
	if err := json.Unmarshal(plaintext, &obj); err != nil || obj == nil {
		return plaintext
	}
	maps.Copy(obj, overrides)
	out, err := json.Marshal(obj)
	if err != nil {
		logger.GetLogger().Warnf("Relay: 覆盖明文失败 (UUID: %s): %v", identifier, err)
		return plaintext
	}
	return out
}

func isJSONObject(plaintext []byte) bool {
	var obj map[string]any
	return json.Unmarshal(plaintext, &obj) == nil && obj != nil
}
