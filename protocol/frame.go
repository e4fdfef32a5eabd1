// Package protocol 实现语音识别与语音合成服务共用的二进制帧协议
//
// 帧格式:
//   - Header (headerWords*4 字节):
//   - (4bits) version + (4bits) header_size（以 4 字节为单位）
//   - (4bits) message_type + (4bits) message_type_flags
//   - (4bits) serialization + (4bits) compression
//   - 其余为保留字节
//
// - Payload:
//   - [可选] sequence (int32, 大端)，由 flags 决定
//   - [可选] event (int32, 大端)，flags 含 FlagWithEvent 时存在
//   - [可选] error_code (int32, 大端)，仅错误帧
//   - payload_size (uint32, 大端) + payload_data
package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"voicerelay-server/log"
)

// Version1 协议版本
const Version1 byte = 0b0001

// MessageType 消息类型（header 第二字节高 4 位）
type MessageType byte

const (
	ClientFullRequest  MessageType = 0b0001
	ClientAudioOnly    MessageType = 0b0010
	ServerFullResponse MessageType = 0b1001
	AudioChunk         MessageType = 0b1011 // 合成服务下发的音频块
	FrontendEvent      MessageType = 0b1100 // 合成服务的前端事件
	ServerError        MessageType = 0b1111
)

func (t MessageType) String() string {
	switch t {
	case ClientFullRequest:
		return "client_full_request"
	case ClientAudioOnly:
		return "client_audio_only"
	case ServerFullResponse:
		return "server_full_response"
	case AudioChunk:
		return "audio_chunk"
	case FrontendEvent:
		return "frontend_event"
	case ServerError:
		return "server_error"
	}
	return fmt.Sprintf("message_type(%#x)", byte(t))
}

// Flags 消息类型相关标志（header 第二字节低 4 位）
type Flags byte

const (
	FlagNoSequence       Flags = 0b0000
	FlagPositiveSequence Flags = 0b0001
	FlagLast             Flags = 0b0010
	FlagNegativeSequence Flags = 0b0011 // 携带序号且为最后一帧
	FlagWithEvent        Flags = 0b0100
)

// Serialization 负载序列化方式
type Serialization byte

const (
	SerializationNone Serialization = 0b0000
	SerializationJSON Serialization = 0b0001
)

// Compression 负载压缩方式
type Compression byte

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

// ErrMalformedFrame 声明的字段长度超出剩余字节时返回
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame 协议中的一帧
//
// Payload 始终保存未压缩的数据：Encode 时按 Compression 压缩，Decode 时解压。
type Frame struct {
	Version       byte
	HeaderWords   byte // 0 视为 1，超过 15 按 15 编码
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression
	Sequence      int32
	Event         int32
	ErrorCode     int32
	Payload       []byte
}

// HasSequence 报告该帧是否携带序号字段
//
// 音频块帧只要 flags 非零就携带序号（正数为中间帧，负数为最后一帧），
// 其余类型由 FlagPositiveSequence 位决定。
func (f *Frame) HasSequence() bool {
	if f.Type == AudioChunk {
		return f.Flags&FlagNegativeSequence != 0
	}
	return f.Flags&FlagPositiveSequence != 0
}

// IsLast 报告该帧是否为流的最后一帧
func (f *Frame) IsLast() bool {
	if f.Flags&FlagLast != 0 {
		return true
	}
	return f.HasSequence() && f.Sequence < 0
}

// UnmarshalPayload 按 JSON 解析负载
func (f *Frame) UnmarshalPayload(v any) error {
	if f.Serialization != SerializationJSON {
		return fmt.Errorf("protocol: payload serialization %d is not json", f.Serialization)
	}
	return json.Unmarshal(f.Payload, v)
}

// NewJSONFrame 构造一个 JSON + gzip 负载的帧
func NewJSONFrame(t MessageType, flags Flags, seq int32, v any) (*Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Frame{
		Version:       Version1,
		HeaderWords:   1,
		Type:          t,
		Flags:         flags,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
		Sequence:      seq,
		Payload:       payload,
	}, nil
}

// Encode 序列化帧，对合法输入不会失败
func Encode(f *Frame) []byte {
	version := f.Version
	if version == 0 {
		version = Version1
	}
	// 头部长度只有 4 位
	words := min(max(f.HeaderWords, 1), 0x0f)

	buf := new(bytes.Buffer)
	buf.WriteByte(version<<4 | words)
	buf.WriteByte(byte(f.Type)<<4 | byte(f.Flags)&0x0f)
	buf.WriteByte(byte(f.Serialization)<<4 | byte(f.Compression)&0x0f)
	buf.Write(make([]byte, int(words)*4-3))

	if f.HasSequence() {
		_ = binary.Write(buf, binary.BigEndian, f.Sequence)
	}
	if f.Flags&FlagWithEvent != 0 {
		_ = binary.Write(buf, binary.BigEndian, f.Event)
	}
	if f.Type == ServerError {
		_ = binary.Write(buf, binary.BigEndian, f.ErrorCode)
	}

	payload := f.Payload
	if f.Compression == CompressionGzip {
		payload = gzipCompress(payload)
	}
	_ = binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)

	return buf.Bytes()
}

// Decode 反序列化帧
//
// 只有固定长度字段（header、sequence、event、error_code、payload_size）
// 超出剩余字节时才返回 ErrMalformedFrame。声明的 payload_size 与实际长度
// 不一致只记录警告，以实际收到的字节为准。
func Decode(data []byte) (*Frame, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformedFrame, len(data))
	}

	words := int(data[0] & 0x0f)
	headerLen := words * 4
	if words == 0 || headerLen > len(data) {
		return nil, fmt.Errorf("%w: header size %d exceeds %d bytes", ErrMalformedFrame, headerLen, len(data))
	}

	f := &Frame{
		Version:       data[0] >> 4,
		HeaderWords:   byte(words),
		Type:          MessageType(data[1] >> 4),
		Flags:         Flags(data[1] & 0x0f),
		Serialization: Serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0f),
	}
	rest := data[headerLen:]

	var err error
	if f.HasSequence() {
		if f.Sequence, rest, err = readInt32(rest, "sequence"); err != nil {
			return nil, err
		}
	}
	if f.Flags&FlagWithEvent != 0 {
		if f.Event, rest, err = readInt32(rest, "event"); err != nil {
			return nil, err
		}
	}
	if f.Type == ServerError {
		if f.ErrorCode, rest, err = readInt32(rest, "error code"); err != nil {
			return nil, err
		}
	}

	var declared int32
	if declared, rest, err = readInt32(rest, "payload size"); err != nil {
		return nil, err
	}
	if int(uint32(declared)) != len(rest) {
		log.Warnf("帧负载大小不匹配: type=%s 声明%d, 实际%d", f.Type, uint32(declared), len(rest))
	}

	payload := rest
	if f.Compression == CompressionGzip && len(payload) > 0 {
		payload, err = gzipDecompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip decompress: %v", ErrMalformedFrame, err)
		}
	}
	f.Payload = payload

	return f, nil
}

func readInt32(b []byte, field string) (int32, []byte, error) {
	if len(b) < 4 {
		return 0, b, fmt.Errorf("%w: %s needs 4 bytes, %d left", ErrMalformedFrame, field, len(b))
	}
	return int32(binary.BigEndian.Uint32(b[:4])), b[4:], nil
}

func gzipCompress(data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
