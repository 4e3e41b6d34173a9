package viper

import (
	"bytes"
	"path/filepath"
	"strings"

	spfviper "github.com/spf13/viper"
)

// EnvPrefix 为环境变量覆盖配置时使用的前缀，例如 ZEUS_PUSH_HTTP_ADDR 覆盖 push.http.addr。
const EnvPrefix = "ZEUS"

// Config 封装 spf13/viper 实例，对外提供精简的 YAML/JSON 配置加载接口。
type Config struct {
	v *spfviper.Viper
}

// New 创建一个空的 Config，并开启环境变量覆盖。
// 在调用 Unmarshal/UnmarshalKey 之前通常需要先调用 LoadFile 加载配置文件。
func New() *Config {
	return &Config{
		v: newViper(),
	}
}

func newViper() *spfviper.Viper {
	v := spfviper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadFile 将 YAML 或 JSON 配置文件加载到 Config 中。
// 文件类型通过扩展名（.yaml/.yml/.json）推断。
func (c *Config) LoadFile(path string) error {
	if c.v == nil {
		c.v = newViper()
	}

	c.v.SetConfigFile(path)

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		c.v.SetConfigType("yaml")
	case ".json":
		c.v.SetConfigType("json")
	default:
		// 让 viper 自行推断类型，或在读取时返回清晰的错误信息。
	}

	return c.v.ReadInConfig()
}

// LoadBytes 从内存中加载配置，typ 为 yaml 或 json。
func (c *Config) LoadBytes(typ string, data []byte) error {
	if c.v == nil {
		c.v = newViper()
	}
	c.v.SetConfigType(typ)
	return c.v.ReadConfig(bytes.NewReader(data))
}

// SetDefault 设置 key 的缺省值，优先级低于配置文件与环境变量。
func (c *Config) SetDefault(key string, value any) {
	if c.v == nil {
		c.v = newViper()
	}
	c.v.SetDefault(key, value)
}

// IsSet 判断 key 是否在任意来源中被设置。
func (c *Config) IsSet(key string) bool {
	if c.v == nil {
		return false
	}
	return c.v.IsSet(key)
}

// GetString 读取字符串配置。
func (c *Config) GetString(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) Unmarshal(dst interface{}) error {
	if c.v == nil {
		return nil
	}
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) UnmarshalKey(key string, dst interface{}) error {
	if c.v == nil {
		return nil
	}
	return c.v.UnmarshalKey(key, dst)
}
