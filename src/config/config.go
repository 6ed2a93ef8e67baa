package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix     = "RELAY"
	defaultListen = ":3000"
)

// Config 中继进程的全部配置
type Config struct {
	Listen            string
	Path              string
	Secret            string
	DefaultIdentifier string
	KDFIterations     int

	Forward ForwardConfig
	Persist PersistConfig
	Store   StoreConfig
	MQTT    MQTTConfig
	Hooks   HooksConfig

	AckPayload   string
	MaxBodyBytes int64

	// CommandCapacity 每台设备待下发指令的上限
	CommandCapacity int

	LogLevel string
	Debug    bool
}

type ForwardConfig struct {
	// URL 为空时关闭转发，本地应答
	URL     string
	Timeout time.Duration
}

type PersistConfig struct {
	All     bool
	Timeout time.Duration
}

type StoreConfig struct {
	// DSN 为 SQLite 文件路径或 postgres:// URL，为空时不落库
	DSN string
}

type MQTTConfig struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	Timeout     time.Duration
}

type HooksConfig struct {
	RequestOverrides  map[string]any
	ResponseOverrides map[string]any
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", defaultListen)
	v.SetDefault("path", "/captureStatIn")
	v.SetDefault("secret", "")
	v.SetDefault("default_identifier", "")
	v.SetDefault("kdf_iterations", inter.DefaultKDFIterations)

	v.SetDefault("forward.url", "")
	v.SetDefault("forward.timeout", 10*time.Second)

	v.SetDefault("persist.all", false)
	v.SetDefault("persist.timeout", 5*time.Second)

	v.SetDefault("store.dsn", "")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic_prefix", "thermostat")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.timeout", 5*time.Second)

	v.SetDefault("hooks.request_overrides", map[string]any{})
	v.SetDefault("hooks.response_overrides", map[string]any{})

	v.SetDefault("ack_payload", inter.DefaultAckPayload)
	v.SetDefault("max_body_bytes", 1<<20)
	v.SetDefault("commands.capacity", 8)
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
}

// 旧部署使用的环境变量名
var legacyEnv = map[string]string{
	"forward.url": "FWD_URL",
	"debug":       "DEBUG",
	"store.dsn":   "DATABASE",
}

// New 返回已设置默认值与环境变量绑定的 viper 实例
// 环境变量形如 RELAY_FORWARD_URL，嵌套键中的 '.' 替换为 '_'
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy)
	}
	return v
}

// ReadFile 读取 YAML 配置文件，path 为空时跳过
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return oops.Wrapf(err, "读取配置文件 %s 失败", path)
	}
	return nil
}

// Load 合并默认值、配置文件与环境变量
func Load(path string) (*Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return FromViper(v), nil
}

// FromViper 从 viper 实例读取配置，不做校验
func FromViper(v *viper.Viper) *Config {
	listen := v.GetString("listen")
	// 旧部署只给端口号
	if port, ok := lookupPort(v); ok {
		listen = ":" + port
	}

	return &Config{
		Listen:            listen,
		Path:              v.GetString("path"),
		Secret:            v.GetString("secret"),
		DefaultIdentifier: v.GetString("default_identifier"),
		KDFIterations:     v.GetInt("kdf_iterations"),
		Forward: ForwardConfig{
			URL:     strings.TrimSpace(v.GetString("forward.url")),
			Timeout: v.GetDuration("forward.timeout"),
		},
		Persist: PersistConfig{
			All:     v.GetBool("persist.all"),
			Timeout: v.GetDuration("persist.timeout"),
		},
		Store: StoreConfig{DSN: v.GetString("store.dsn")},
		MQTT: MQTTConfig{
			Broker:      v.GetString("mqtt.broker"),
			TopicPrefix: v.GetString("mqtt.topic_prefix"),
			ClientID:    v.GetString("mqtt.client_id"),
			Username:    v.GetString("mqtt.username"),
			Password:    v.GetString("mqtt.password"),
			Timeout:     v.GetDuration("mqtt.timeout"),
		},
		Hooks:           readHooks(v),
		AckPayload:      v.GetString("ack_payload"),
		MaxBodyBytes:    v.GetInt64("max_body_bytes"),
		CommandCapacity: v.GetInt("commands.capacity"),
		LogLevel:        v.GetString("log_level"),
		Debug:           v.GetBool("debug"),
	}
}

// readHooks viper 会把键名转成小写，而覆盖值按原样写入设备报文（如 tTemp），
// 因此配置文件中的 hooks 段按原始键名重新读取；环境变量可传 JSON 对象字符串，键名同样保留
func readHooks(v *viper.Viper) HooksConfig {
	hooks := HooksConfig{
		RequestOverrides:  v.GetStringMap("hooks.request_overrides"),
		ResponseOverrides: v.GetStringMap("hooks.response_overrides"),
	}
	raw, ok := rawHooks(v.ConfigFileUsed())
	if !ok {
		return hooks
	}
	hooks.RequestOverrides = restoreCase(hooks.RequestOverrides, raw.RequestOverrides)
	hooks.ResponseOverrides = restoreCase(hooks.ResponseOverrides, raw.ResponseOverrides)
	return hooks
}

func rawHooks(path string) (HooksConfig, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return HooksConfig{}, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return HooksConfig{}, false
	}
	var doc struct {
		Hooks struct {
			Request  map[string]any `yaml:"request_overrides"`
			Response map[string]any `yaml:"response_overrides"`
		} `yaml:"hooks"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return HooksConfig{}, false
	}
	return HooksConfig{RequestOverrides: doc.Hooks.Request, ResponseOverrides: doc.Hooks.Response}, true
}

// restoreCase 小写键替换为文件中的原始键与值，文件中没有的键保持不变
func restoreCase(lower, raw map[string]any) map[string]any {
	if len(raw) == 0 {
		return lower
	}
	out := make(map[string]any, len(lower))
	for k, val := range lower {
		out[k] = val
	}
	for k, val := range raw {
		if _, ok := out[strings.ToLower(k)]; ok {
			delete(out, strings.ToLower(k))
			out[k] = val
		}
	}
	return out
}

// lookupPort PORT 仅在 listen 仍为默认值时生效
func lookupPort(v *viper.Viper) (string, bool) {
	if v.GetString("listen") != defaultListen {
		return "", false
	}
	port := strings.TrimSpace(os.Getenv("PORT"))
	return port, port != ""
}

// Validate 启动中继前的检查
func (c *Config) Validate() error {
	if c.Secret == "" {
		return oops.Errorf("未配置共享密钥 (secret / %s_SECRET)", EnvPrefix)
	}
	if c.KDFIterations < 1 {
		return oops.Errorf("kdf_iterations 必须 >= 1, 当前 %d", c.KDFIterations)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return oops.Errorf("path 必须以 / 开头: %q", c.Path)
	}
	if c.Forward.URL != "" {
		u, err := url.Parse(c.Forward.URL)
		if err != nil {
			return oops.Wrapf(err, "forward.url 非法")
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return oops.Errorf("forward.url 必须是 http(s) 地址: %q", c.Forward.URL)
		}
	}
	if c.Forward.Timeout <= 0 {
		return oops.Errorf("forward.timeout 必须为正数")
	}
	if c.AckPayload == "" {
		return oops.Errorf("ack_payload 不能为空")
	}
	if c.MaxBodyBytes <= 0 {
		return oops.Errorf("max_body_bytes 必须为正数")
	}
	return nil
}

// ForwardingEnabled 是否配置了上游
func (c *Config) ForwardingEnabled() bool {
	return c.Forward.URL != ""
}
