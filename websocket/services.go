package websocket

import (
	"context"
	"iter"

	"voicerelay-server/config"
	"voicerelay-server/model"
	"voicerelay-server/utils/asr"
	"voicerelay-server/utils/tts"
)

// Recognizer 一次流式识别会话
type Recognizer interface {
	SendAudio(ctx context.Context, audio []byte) error
	SendEnd(ctx context.Context) error
	Results(ctx context.Context) iter.Seq[string]
	Closed() bool
	Close() error
}

// Synthesizer 可以顺序合成多句的语音合成会话
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error]
	Closed() bool
	Close() error
}

// Generator 持有对话历史的流式对话客户端
type Generator interface {
	Generate(ctx context.Context, userText string) iter.Seq2[string, error]
}

// Services 创建远程会话
type Services interface {
	DialRecognizer(ctx context.Context, uid string) (Recognizer, error)
	DialSynthesizer(ctx context.Context, voice string) (Synthesizer, error)
}

// Outbound 发往客户端的消息通道
type Outbound interface {
	SendJSON(v any) error
	SendText(s string) error
}

// DeviceSource 每个连接开始时读取一次设备配置
type DeviceSource interface {
	Snapshot() model.DeviceConfig
	CurrentVoice() string
}

// RemoteServices 连接真实的识别和合成服务
type RemoteServices struct {
	ASR asr.ASRConfig
	TTS tts.TTSConfig
}

// NewRemoteServices 从配置创建远程服务
func NewRemoteServices(cfg *config.Config) *RemoteServices {
	return &RemoteServices{ASR: cfg.ASR, TTS: cfg.TTS}
}

// DialRecognizer 建立识别会话
func (r *RemoteServices) DialRecognizer(ctx context.Context, uid string) (Recognizer, error) {
	s, err := asr.Connect(ctx, r.ASR, uid)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DialSynthesizer 建立合成会话
func (r *RemoteServices) DialSynthesizer(ctx context.Context, voice string) (Synthesizer, error) {
	s, err := tts.Connect(ctx, r.TTS, voice)
	if err != nil {
		return nil, err
	}
	return s, nil
}
