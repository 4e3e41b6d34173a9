// Package json 统一项目内的 JSON 编解码实现，底层使用 bytedance/sonic。
package json

import (
	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Marshal 将 v 编码为 JSON，行为与 encoding/json 保持一致。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent 将 v 编码为带缩进的 JSON。
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal 将 JSON 解码到 v。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 判断 data 是否为合法 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}
