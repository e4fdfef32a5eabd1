// Package audio 把客户端上行的音频帧统一转换为 16 位小端 PCM
package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// 客户端音频格式
const (
	FormatPCM  = "pcm"
	FormatOpus = "opus"
)

// Decoder 单个连接的上行音频解码器
//
// Opus 解码器带有帧间状态，不能在连接之间共享。
type Decoder struct {
	format   string
	opus     *opus.Decoder
	channels int
	pcm      []int16
}

// NewDecoder 创建解码器
// 参数:
//   - format: pcm 或 opus
//   - sampleRate: 采样率
//   - channels: 通道数
//
// 返回:
//   - *Decoder: 解码器
//   - error: 格式不支持或 Opus 初始化失败
func NewDecoder(format string, sampleRate, channels int) (*Decoder, error) {
	switch format {
	case "", FormatPCM:
		return &Decoder{format: FormatPCM}, nil
	case FormatOpus:
		dec, err := opus.NewDecoder(sampleRate, channels)
		if err != nil {
			return nil, fmt.Errorf("创建Opus解码器失败: %w", err)
		}
		// 一个 Opus 包最长 120ms
		return &Decoder{
			format:   FormatOpus,
			opus:     dec,
			channels: channels,
			pcm:      make([]int16, sampleRate*120/1000*channels),
		}, nil
	}
	return nil, fmt.Errorf("不支持的音频格式: %s", format)
}

// Format 返回解码器的输入格式
func (d *Decoder) Format() string {
	return d.format
}

// Decode 把一帧客户端音频转换为 PCM，PCM 输入原样返回
func (d *Decoder) Decode(data []byte) ([]byte, error) {
	if d.format == FormatPCM || len(data) == 0 {
		return data, nil
	}
	n, err := d.opus.Decode(data, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("Opus解码失败: %w", err)
	}
	return Int16ToBytes(d.pcm[:n*d.channels]), nil
}

// Probe 验证 Opus 库可用
func Probe(sampleRate, channels int) error {
	if _, err := opus.NewDecoder(sampleRate, channels); err != nil {
		return fmt.Errorf("初始化 Opus 解码器失败: %w", err)
	}
	return nil
}

// Int16ToBytes 采样点按小端序转为字节
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
