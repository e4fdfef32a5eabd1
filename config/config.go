package config

import (
	"errors"
	"fmt"
	"os"

	"voicerelay-server/log"
	"voicerelay-server/utils/asr"
	"voicerelay-server/utils/llm"
	"voicerelay-server/utils/tts"

	"gopkg.in/yaml.v3"
)

// Config 表示服务器的完整配置
type Config struct {
	WebSocket  WebSocketConfig   `yaml:"websocket"` // WebSocket服务器配置
	HTTP       HTTPConfig        `yaml:"http"`      // HTTP服务器配置
	ASR        asr.ASRConfig     `yaml:"asr"`       // 流式语音识别
	TTS        tts.TTSConfig     `yaml:"tts"`       // 语音合成
	LLM        llm.LLMConfig     `yaml:"llm"`       // 大模型对话
	Device     DeviceStoreConfig `yaml:"device"`    // 设备配置存储
	Log        log.LogConfig     `yaml:"log"`       // 日志配置
	ConfigPath string            `yaml:"-"`         // 配置文件路径，不存储在YAML中
}

// WebSocketConfig 表示WebSocket服务器的配置
type WebSocketConfig struct {
	Host        string     `yaml:"host"`         // 服务器主机地址，如"0.0.0.0"表示所有网络接口
	Port        int        `yaml:"port"`         // 服务器端口
	Path        string     `yaml:"path"`         // 语音对话路由
	AudioFormat string     `yaml:"audio_format"` // 客户端上行音频格式：pcm 或 opus
	SampleRate  int        `yaml:"sample_rate"`  // 采样率
	Channels    int        `yaml:"channels"`     // 通道数
	Auth        AuthConfig `yaml:"auth"`         // 认证配置
}

// AuthConfig 连接认证配置
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"` // 是否启用认证
	Tokens  []TokenConfig `yaml:"tokens"`  // 有效的认证令牌列表
}

// TokenConfig 一个设备令牌
type TokenConfig struct {
	Token string `yaml:"token"` // 认证令牌
	Name  string `yaml:"name"`  // 设备名称
}

// HTTPConfig 表示HTTP服务器的配置
type HTTPConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"` // 允许跨域的来源，"*" 表示全部
}

// DeviceStoreConfig 设备配置文件位置
type DeviceStoreConfig struct {
	DataFile   string `yaml:"data_file"`   // 设备配置（名称、音色）
	PromptFile string `yaml:"prompt_file"` // 默认角色提示词，data_file 不存在时读取
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		WebSocket: WebSocketConfig{
			Host:        "0.0.0.0",
			Port:        8001,
			Path:        "/ws/voice_chat",
			AudioFormat: "pcm",
			SampleRate:  16000,
			Channels:    1,
		},
		HTTP: HTTPConfig{AllowedOrigins: []string{"*"}},
		ASR:  asr.DefaultASRConfig(),
		TTS:  tts.DefaultTTSConfig(),
		LLM:  llm.DefaultLLMConfig(),
		Device: DeviceStoreConfig{
			DataFile:   "data/device_config.yaml",
			PromptFile: "data/prompt.txt",
		},
		Log: log.LogConfig{
			LogLevel:      "info",            // 默认日志级别为info
			LogFile:       "logs/server.log", // 默认日志文件路径
			EnableConsole: true,              // 默认启用控制台输出
		},
	}
}

// LoadConfig 从YAML文件加载配置
// 参数:
//   - configPath: 配置文件路径
//
// 返回:
//   - *Config: 加载的配置对象，文件中没有的字段保持默认值
//   - error: 如果加载失败，返回错误信息
//
// 文件中的 ${VAR} 会先用环境变量替换，密钥可以放在 .env 中。
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.ConfigPath = configPath
	return cfg, nil
}

// Validate 检查远程服务凭证等必填项
func (c *Config) Validate() error {
	var errs []error
	if c.WebSocket.Port <= 0 || c.WebSocket.Port > 65535 {
		errs = append(errs, fmt.Errorf("websocket.port 无效: %d", c.WebSocket.Port))
	}
	if c.WebSocket.AudioFormat != "pcm" && c.WebSocket.AudioFormat != "opus" {
		errs = append(errs, fmt.Errorf("websocket.audio_format 只支持 pcm 或 opus: %q", c.WebSocket.AudioFormat))
	}
	if c.WebSocket.Auth.Enabled && len(c.WebSocket.Auth.Tokens) == 0 {
		errs = append(errs, errors.New("websocket.auth 已启用但没有配置 tokens"))
	}
	if c.ASR.AppKey == "" || c.ASR.AccessKey == "" {
		errs = append(errs, errors.New("asr.app_key 和 asr.access_key 不能为空"))
	}
	if c.TTS.AppID == "" || c.TTS.Token == "" {
		errs = append(errs, errors.New("tts.appid 和 tts.token 不能为空"))
	}
	if c.LLM.APIKey == "" || c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.api_key 和 llm.model 不能为空"))
	}
	return errors.Join(errs...)
}

// Addr 返回监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.WebSocket.Host, c.WebSocket.Port)
}

// TokenName 查找令牌对应的设备名称
func (a AuthConfig) TokenName(token string) (string, bool) {
	for _, t := range a.Tokens {
		if t.Token == token {
			return t.Name, true
		}
	}
	return "", false
}
