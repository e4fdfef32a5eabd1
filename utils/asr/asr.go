package asr

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

const (
	// DefaultURL 流式语音识别（大模型）服务地址
	DefaultURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"
	// DefaultResourceID 流式识别按时长计费的资源ID
	DefaultResourceID = "volc.bigasr.sauc.duration"
	// CodeSuccess 识别成功的业务码
	CodeSuccess = 20000000
)

// ErrSessionClosed 会话已关闭或已结束音频发送
var ErrSessionClosed = errors.New("asr: session closed")

// ASRConfig 表示ASR配置参数
type ASRConfig struct {
	URL        string `yaml:"url"`
	AppKey     string `yaml:"app_key"`
	AccessKey  string `yaml:"access_key"`
	ResourceID string `yaml:"resource_id"`
	SampleRate int    `yaml:"sample_rate"` // 采样率
	Bits       int    `yaml:"bits"`        // 采样位数
	Channels   int    `yaml:"channels"`    // 通道数
}

// DefaultASRConfig 返回默认ASR配置
func DefaultASRConfig() ASRConfig {
	return ASRConfig{
		URL:        DefaultURL,
		ResourceID: DefaultResourceID,
		SampleRate: 16000, // 采样率16kHz
		Bits:       16,
		Channels:   1, // 单通道
	}
}

// State 识别会话状态
type State int32

const (
	StateDisconnected State = iota
	StateStreaming
	StateFinalizing
	StateClosed
)

// Session 一次流式识别会话
//
// 建立连接时发送 full request（序号 1），之后每个音频帧序号加一，
// 结束帧携带当前序号的相反数。服务端只通过序号的符号判断音频结束。
type Session struct {
	conn     *websocket.Conn
	config   ASRConfig
	sequence int32
	state    atomic.Int32

	closeOnce sync.Once
	stopWatch func() bool
}

// Result 解析后的识别结果帧
type Result struct {
	Code   int
	Text   string
	IsLast bool
}

type fullRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Audio struct {
		Format  string `json:"format"`
		Rate    int    `json:"rate"`
		Bits    int    `json:"bits"`
		Channel int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn"`
		EnablePunc     bool   `json:"enable_punc"`
		ShowUtterances bool   `json:"show_utterances"`
	} `json:"request"`
}

type resultPayload struct {
	Code   *int `json:"code"`
	Result *struct {
		Text string `json:"text"`
	} `json:"result"`
}

// Connect 建立识别会话并完成 full request 握手
// 参数:
//   - ctx: 连接生命周期，取消后会话被关闭
//   - cfg: ASR配置
//   - uid: 用户标识
//
// 返回:
//   - *Session: 已进入 Streaming 状态的会话
//   - error: 连接或握手失败
func Connect(ctx context.Context, cfg ASRConfig, uid string) (*Session, error) {
	headers := http.Header{}
	headers.Set("X-Api-Resource-Id", cfg.ResourceID)
	headers.Set("X-Api-Request-Id", uuid.NewString())
	headers.Set("X-Api-Access-Key", cfg.AccessKey)
	headers.Set("X-Api-App-Key", cfg.AppKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("asr websocket connect failed: %w, status=%s, body=%s", err, resp.Status, string(body))
		}
		return nil, fmt.Errorf("asr websocket connect failed: %w", err)
	}

	s := &Session{conn: conn, config: cfg, sequence: 1}
	s.stopWatch = context.AfterFunc(ctx, s.closeConn)

	if err := s.sendFullRequest(uid); err != nil {
		s.Close()
		return nil, err
	}
	s.sequence++

	// 服务端对 full request 的应答只用于确认会话建立
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("asr read handshake response: %w", err)
	}
	if frame, err := protocol.Decode(data); err != nil {
		log.Warnf("ASR握手响应解析失败: %v", err)
	} else {
		r := parseResult(frame)
		log.Infof("ASR已初始化: code=%d, text=%q", r.Code, r.Text)
	}

	s.state.Store(int32(StateStreaming))
	return s, nil
}

func (s *Session) sendFullRequest(uid string) error {
	var req fullRequest
	req.User.UID = uid
	req.Audio.Format = "pcm"
	req.Audio.Rate = s.config.SampleRate
	req.Audio.Bits = s.config.Bits
	req.Audio.Channel = s.config.Channels
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true

	frame, err := protocol.NewJSONFrame(protocol.ClientFullRequest, protocol.FlagPositiveSequence, s.sequence, req)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(frame)); err != nil {
		return fmt.Errorf("asr send full request: %w", err)
	}
	return nil
}

// Sequence 返回下一帧音频将使用的序号
func (s *Session) Sequence() int32 {
	return s.sequence
}

// State 返回当前会话状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// Closed 报告底层连接是否已关闭
func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// SendAudio 发送一帧音频，空数据直接忽略
func (s *Session) SendAudio(ctx context.Context, audio []byte) error {
	if len(audio) == 0 {
		log.Warnf("音频数据为空，跳过发送")
		return nil
	}
	if s.State() != StateStreaming {
		return ErrSessionClosed
	}

	frame := &protocol.Frame{
		Type:          protocol.ClientAudioOnly,
		Flags:         protocol.FlagPositiveSequence,
		Serialization: protocol.SerializationJSON,
		Compression:   protocol.CompressionGzip,
		Sequence:      s.sequence,
		Payload:       audio,
	}
	if err := s.write(ctx, frame); err != nil {
		return err
	}
	log.Debugf("ASR发送seq=%d, size=%d", s.sequence, len(audio))
	s.sequence++
	return nil
}

// SendEnd 发送结束帧（空负载，序号取反）
func (s *Session) SendEnd(ctx context.Context) error {
	if s.State() != StateStreaming {
		return ErrSessionClosed
	}
	frame := &protocol.Frame{
		Type:          protocol.ClientAudioOnly,
		Flags:         protocol.FlagNegativeSequence,
		Serialization: protocol.SerializationJSON,
		Compression:   protocol.CompressionGzip,
		Sequence:      -s.sequence,
	}
	if err := s.write(ctx, frame); err != nil {
		return err
	}
	s.state.Store(int32(StateFinalizing))
	log.Infof("ASR结束信号已发送: seq=%d", -s.sequence)
	return nil
}

func (s *Session) write(ctx context.Context, frame *protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(frame)); err != nil {
		s.Close()
		return fmt.Errorf("asr write: %w", err)
	}
	return nil
}

// Results 返回识别文本的迭代器
//
// 只产出非空文本；收到最后一帧、连接关闭或读取出错时结束迭代，不返回错误。
// 非成功的业务码只记录日志，由调用方根据最终文本是否为空决定如何处理。
func (s *Session) Results(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			if ctx.Err() != nil {
				return
			}
			msgType, data, err := s.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warnf("ASR连接异常: %v", err)
				}
				s.Close()
				return
			}
			if msgType != websocket.BinaryMessage {
				log.Debugf("ASR忽略非二进制消息: %s", string(data))
				continue
			}

			frame, err := protocol.Decode(data)
			if err != nil {
				log.Errorf("解析ASR响应错误: %v", err)
				continue
			}
			r := parseResult(frame)
			log.Infof("ASR响应包: code=%d, text=%q, is_last=%v", r.Code, r.Text, r.IsLast)
			if r.Code != CodeSuccess && r.Code != 0 {
				log.Errorf("ASR错误码: %d", r.Code)
			}

			if r.Text != "" && !yield(r.Text) {
				return
			}
			if r.IsLast {
				log.Infof("ASR流结束")
				return
			}
		}
	}
}

func parseResult(frame *protocol.Frame) Result {
	r := Result{IsLast: frame.IsLast()}
	if frame.Type == protocol.ServerError {
		r.Code = int(frame.ErrorCode)
	}
	if len(frame.Payload) == 0 || frame.Serialization != protocol.SerializationJSON {
		return r
	}

	var payload resultPayload
	if err := frame.UnmarshalPayload(&payload); err != nil {
		log.Errorf("解析ASR负载错误: %v", err)
		return r
	}
	switch {
	case payload.Code != nil:
		r.Code = *payload.Code
	case frame.Type != protocol.ServerError:
		r.Code = CodeSuccess
	}
	if payload.Result != nil {
		r.Text = payload.Result.Text
	}
	return r
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
		s.state.Store(int32(StateClosed))
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.conn.Close()
	})
}
