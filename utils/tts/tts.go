package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"voicerelay-server/log"
	"voicerelay-server/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultURL 双向流式语音合成服务地址
const DefaultURL = "wss://openspeech.bytedance.com/api/v1/tts/ws_binary"

// ErrSessionClosed 会话已关闭，需要重新连接
var ErrSessionClosed = errors.New("tts: session closed")

// TTSConfig 表示TTS配置参数
type TTSConfig struct {
	URL         string  `yaml:"url"`
	AppID       string  `yaml:"appid"`
	Token       string  `yaml:"token"`
	Cluster     string  `yaml:"cluster"`
	VoiceType   string  `yaml:"voice_type"` // 设备没有选择音色时使用
	Encoding    string  `yaml:"encoding"`
	Rate        int     `yaml:"rate"`
	SpeedRatio  float64 `yaml:"speed_ratio"`
	VolumeRatio float64 `yaml:"volume_ratio"`
	PitchRatio  float64 `yaml:"pitch_ratio"`
}

// DefaultTTSConfig 返回默认TTS配置
func DefaultTTSConfig() TTSConfig {
	return TTSConfig{
		URL:         DefaultURL,
		Cluster:     "volcano_tts",
		Encoding:    "pcm",
		Rate:        16000,
		SpeedRatio:  1.0,
		VolumeRatio: 1.0,
		PitchRatio:  1.0,
	}
}

// TTSRequest 表示发送到TTS服务的请求
type TTSRequest struct {
	App struct {
		AppID   string `json:"appid"`
		Token   string `json:"token"`
		Cluster string `json:"cluster"`
	} `json:"app"`
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Audio struct {
		VoiceType   string  `json:"voice_type"`
		Encoding    string  `json:"encoding"`
		Rate        int     `json:"rate"`
		SpeedRatio  float64 `json:"speed_ratio"`
		VolumeRatio float64 `json:"volume_ratio"`
		PitchRatio  float64 `json:"pitch_ratio"`
	} `json:"audio"`
	Request struct {
		ReqID     string `json:"reqid"`
		Text      string `json:"text"`
		TextType  string `json:"text_type"`
		Operation string `json:"operation"`
	} `json:"request"`
}

// Session 语音合成会话，同一连接上可以顺序合成多句
type Session struct {
	conn   *websocket.Conn
	config TTSConfig
	voice  string
	closed atomic.Bool

	closeOnce sync.Once
	stopWatch func() bool
}

// Connect 建立合成会话
// 参数:
//   - ctx: 连接生命周期，取消后会话被关闭
//   - cfg: TTS配置
//   - voice: 音色编码，为空时使用配置中的默认音色
//
// 返回:
//   - *Session: 合成会话
//   - error: 连接失败
func Connect(ctx context.Context, cfg TTSConfig, voice string) (*Session, error) {
	if voice == "" {
		voice = cfg.VoiceType
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer; "+cfg.Token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("tts websocket connect failed: %w, status=%s, body=%s", err, resp.Status, string(body))
		}
		return nil, fmt.Errorf("tts websocket connect failed: %w", err)
	}

	s := &Session{conn: conn, config: cfg, voice: voice}
	s.stopWatch = context.AfterFunc(ctx, s.closeConn)
	log.Infof("TTS已连接: voice_type=%s", voice)
	return s, nil
}

// Voice 返回会话使用的音色
func (s *Session) Voice() string {
	return s.voice
}

// Closed 报告底层连接是否已关闭
func (s *Session) Closed() bool {
	return s.closed.Load()
}

func (s *Session) buildRequest(text string) *TTSRequest {
	req := &TTSRequest{}
	req.App.AppID = s.config.AppID
	req.App.Token = "access_token"
	req.App.Cluster = s.config.Cluster
	req.User.UID = uuid.NewString()
	req.Audio.VoiceType = s.voice
	req.Audio.Encoding = s.config.Encoding
	req.Audio.Rate = s.config.Rate
	req.Audio.SpeedRatio = s.config.SpeedRatio
	req.Audio.VolumeRatio = s.config.VolumeRatio
	req.Audio.PitchRatio = s.config.PitchRatio
	req.Request.ReqID = uuid.NewString()
	req.Request.Text = text
	req.Request.TextType = "plain"
	req.Request.Operation = "submit"
	return req
}

// Synthesize 合成一句文本，返回音频块迭代器
//
// 会话已关闭、请求发送失败，或者连接在收到本句任何响应之前断开时，产出包装了
// ErrSessionClosed 的错误，这一句没有合成，调用方可以重连后重试。
// 服务端错误帧或者合成中途断开只结束迭代，断开后 Closed 返回 true。
func (s *Session) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if s.Closed() {
			yield(nil, ErrSessionClosed)
			return
		}

		frame, err := protocol.NewJSONFrame(protocol.ClientFullRequest, protocol.FlagNoSequence, 0, s.buildRequest(text))
		if err != nil {
			yield(nil, err)
			return
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(frame)); err != nil {
			s.Close()
			yield(nil, fmt.Errorf("%w: send request: %v", ErrSessionClosed, err))
			return
		}
		log.Infof("TTS请求已发送: %s", preview(text))

		received := false
		for {
			if ctx.Err() != nil {
				return
			}
			msgType, data, err := s.conn.ReadMessage()
			if err != nil {
				s.Close()
				if ctx.Err() != nil {
					return
				}
				if !received {
					yield(nil, fmt.Errorf("%w: %v", ErrSessionClosed, err))
					return
				}
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Warnf("TTS连接异常: %v", err)
				}
				return
			}
			received = true
			if msgType != websocket.BinaryMessage {
				continue
			}

			audio, done := parseResponse(data)
			if len(audio) > 0 && !yield(audio, nil) {
				return
			}
			if done {
				return
			}
		}
	}
}

// parseResponse 解析一帧合成响应，返回音频数据以及本句是否结束
func parseResponse(data []byte) ([]byte, bool) {
	frame, err := protocol.Decode(data)
	if err != nil {
		log.Errorf("解析TTS响应错误: %v", err)
		return nil, false
	}

	switch frame.Type {
	case protocol.AudioChunk:
		if !frame.HasSequence() {
			return nil, false
		}
		return frame.Payload, frame.Sequence < 0
	case protocol.ServerError:
		log.Errorf("TTS错误: code=%d, message=%s", frame.ErrorCode, string(frame.Payload))
		return nil, true
	case protocol.FrontendEvent:
		log.Infof("TTS前端消息: %s", string(frame.Payload))
		return nil, false
	}
	return nil, false
}

// Close 关闭会话，可重复调用
func (s *Session) Close() error {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.closeConn()
	return nil
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.conn.Close()
	})
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > 50 {
		return string(runes[:50]) + "..."
	}
	return text
}
