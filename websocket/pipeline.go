package websocket

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"voicerelay-server/log"
	"voicerelay-server/model"
	"voicerelay-server/utils/segment"
	"voicerelay-server/utils/tts"
)

// flushThreshold 待合成文本超过该字符数时切出一句送去合成
const flushThreshold = 100

// Pipeline 单个连接上的轮次编排
//
// 所有方法都在连接的读循环中依次调用：一轮对话处理完之前不会读取下一条客户端消息，
// 每句合成完成后才继续消费下一个增量。
type Pipeline struct {
	services Services
	llm      Generator
	out      Outbound
	uid      string
	voice    string

	asr   Recognizer
	tts   Synthesizer
	state model.TurnState

	// 本轮已收到的音频，识别会话中途断开时重连并重发
	turnAudio  [][]byte
	asrRetried bool
}

// NewPipeline 创建轮次编排
// 参数:
//   - services: 远程识别与合成会话的创建方式
//   - llm: 本连接的对话客户端
//   - out: 发往客户端的消息通道
//   - uid: 识别请求中的用户标识
//   - voice: 合成音色，连接建立时从设备配置读取
func NewPipeline(services Services, llm Generator, out Outbound, uid, voice string) *Pipeline {
	return &Pipeline{
		services: services,
		llm:      llm,
		out:      out,
		uid:      uid,
		voice:    voice,
		state:    model.StateIdle,
	}
}

// State 返回当前轮次状态
func (p *Pipeline) State() model.TurnState {
	return p.state
}

// HandleAudio 处理一帧 PCM 音频，第一次收到音频时建立识别和合成会话
func (p *Pipeline) HandleAudio(ctx context.Context, pcm []byte) error {
	if p.asr != nil && p.asr.Closed() {
		log.Infof("ASR连接已断开，重新连接")
		p.asr.Close()
		p.asr = nil
	}
	if p.asr == nil {
		log.Infof("初始化ASR和TTS连接")
		if err := p.dialRecognizer(ctx); err != nil {
			return err
		}
	}
	if p.tts == nil {
		if err := p.dialSynthesizer(ctx); err != nil {
			return err
		}
	}

	p.state = model.StateListening
	p.turnAudio = append(p.turnAudio, pcm)
	log.Debugf("收到PCM音频: %d bytes", len(pcm))
	if err := p.asr.SendAudio(ctx, pcm); err != nil {
		return p.recoverRecognizer(ctx, err)
	}
	return nil
}

// recoverRecognizer 识别会话失效时重连一次，并把本轮音频重新发送到新会话
// 每轮只重试一次，再失败就把原因返回给调用方。
func (p *Pipeline) recoverRecognizer(ctx context.Context, cause error) error {
	if p.asrRetried || ctx.Err() != nil {
		return fmt.Errorf("ASR会话失效: %w", cause)
	}
	p.asrRetried = true
	log.Warnf("ASR会话失效，重连并重发%d帧音频: %v", len(p.turnAudio), cause)

	p.asr.Close()
	p.asr = nil
	if err := p.dialRecognizer(ctx); err != nil {
		return err
	}
	for _, chunk := range p.turnAudio {
		if err := p.asr.SendAudio(ctx, chunk); err != nil {
			return fmt.Errorf("发送音频到ASR失败: %w", err)
		}
	}
	return nil
}

// HandleText 处理文本消息，只识别 {"type":"end"}，其余忽略
func (p *Pipeline) HandleText(ctx context.Context, data []byte) error {
	var cmd model.ClientCommand
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("{")) || json.Unmarshal(trimmed, &cmd) != nil || cmd.Type != model.CommandEnd {
		log.Debugf("忽略文本消息: %s", string(data))
		return nil
	}

	log.Infof("=== 收到结束信号 ===")
	if p.asr == nil {
		log.Warnf("还没有收到音频，直接结束本轮")
		return p.out.SendText(model.TurnOver)
	}
	return p.runTurn(ctx)
}

func (p *Pipeline) runTurn(ctx context.Context) error {
	p.state = model.StateFinalizing
	transcript, err := p.finalize(ctx)
	if err != nil {
		return err
	}
	// 会话在空闲时已被服务端关闭，音频没有送达，换新会话再识别一次
	if transcript == "" && p.asr.Closed() && !p.asrRetried {
		if err := p.recoverRecognizer(ctx, errors.New("识别会话在返回结果前关闭")); err != nil {
			return err
		}
		if transcript, err = p.finalize(ctx); err != nil {
			return err
		}
	}

	if err := p.out.SendJSON(model.ServerMessage{Type: model.MessageASR, Data: transcript}); err != nil {
		return err
	}
	log.Infof("ASR最终结果: '%s'", transcript)

	if transcript != "" {
		log.Infof("=== LLM流式生成 ===")
		p.state = model.StateGenerating
		if err := p.generate(ctx, transcript); err != nil {
			return err
		}
	}
	return p.finishTurn(ctx)
}

// finalize 发送结束信号并取最后一个非空识别结果
func (p *Pipeline) finalize(ctx context.Context) (string, error) {
	if err := p.asr.SendEnd(ctx); err != nil {
		if err := p.recoverRecognizer(ctx, err); err != nil {
			return "", err
		}
		if err := p.asr.SendEnd(ctx); err != nil {
			return "", fmt.Errorf("发送识别结束信号失败: %w", err)
		}
	}

	var transcript string
	for text := range p.asr.Results(ctx) {
		transcript = text
	}
	return transcript, ctx.Err()
}

// generate 消费对话增量，攒够文本就切句合成
func (p *Pipeline) generate(ctx context.Context, transcript string) error {
	var display strings.Builder
	pending := ""

	for delta, err := range p.llm.Generate(ctx, transcript) {
		if err != nil {
			return fmt.Errorf("LLM生成失败: %w", err)
		}
		pending += delta
		display.WriteString(delta)
		log.Debugf("LLM块: '%s' (累计%d字)", delta, utf8.RuneCountInString(display.String()))

		if err := p.out.SendJSON(model.ServerMessage{Type: model.MessageLLM, Data: display.String()}); err != nil {
			return err
		}

		if utf8.RuneCountInString(pending) > flushThreshold {
			var sentence string
			sentence, pending = segment.Cut(pending, segment.DefaultTarget)
			if err := p.synthesize(ctx, sentence); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.state = model.StateRelaying
	if pending != "" {
		return p.synthesize(ctx, pending)
	}
	return nil
}

// synthesize 合成一句并把音频块转发给客户端
// 合成会话已断开时先重连；会话在产出任何音频前被服务端关闭时，重连后重试这一句。
func (p *Pipeline) synthesize(ctx context.Context, text string) error {
	for attempt := 0; ; attempt++ {
		if p.tts == nil || p.tts.Closed() {
			if p.tts != nil {
				log.Infof("TTS连接已断开，重新连接")
				p.tts.Close()
			}
			if err := p.dialSynthesizer(ctx); err != nil {
				return err
			}
		}

		log.Infof("TTS合成段落: '%s'", text)
		chunks, err := p.relayAudio(ctx, text)
		if err != nil && chunks == 0 && attempt == 0 && errors.Is(err, tts.ErrSessionClosed) && ctx.Err() == nil {
			log.Warnf("TTS连接已被服务端关闭，重试本句: %v", err)
			p.tts.Close()
			p.tts = nil
			continue
		}
		if err != nil {
			return err
		}
		log.Infof("TTS完成: %d个音频块", chunks)
		return ctx.Err()
	}
}

// relayAudio 转发一句合成音频，返回已转发的块数
func (p *Pipeline) relayAudio(ctx context.Context, text string) (int, error) {
	chunks := 0
	for chunk, err := range p.tts.Synthesize(ctx, text) {
		if err != nil {
			return chunks, fmt.Errorf("TTS合成失败: %w", err)
		}
		msg := model.ServerMessage{Type: model.MessageTTS, Data: base64.StdEncoding.EncodeToString(chunk)}
		if err := p.out.SendJSON(msg); err != nil {
			return chunks, err
		}
		chunks++
	}
	return chunks, nil
}

// finishTurn 通知客户端本轮结束，并换一个新的识别会话
func (p *Pipeline) finishTurn(ctx context.Context) error {
	if err := p.out.SendText(model.TurnOver); err != nil {
		return err
	}
	log.Infof("=== 完成 ===")

	p.asr.Close()
	p.asr = nil
	p.turnAudio = nil
	p.asrRetried = false
	if err := p.dialRecognizer(ctx); err != nil {
		return err
	}
	p.state = model.StateIdle
	return nil
}

func (p *Pipeline) dialRecognizer(ctx context.Context) error {
	r, err := p.services.DialRecognizer(ctx, p.uid)
	if err != nil {
		return fmt.Errorf("建立ASR连接失败: %w", err)
	}
	p.asr = r
	return nil
}

func (p *Pipeline) dialSynthesizer(ctx context.Context) error {
	s, err := p.services.DialSynthesizer(ctx, p.voice)
	if err != nil {
		return fmt.Errorf("建立TTS连接失败: %w", err)
	}
	p.tts = s
	return nil
}

// Close 释放识别和合成会话
func (p *Pipeline) Close() {
	if p.asr != nil {
		p.asr.Close()
		p.asr = nil
	}
	if p.tts != nil {
		p.tts.Close()
		p.tts = nil
	}
}
