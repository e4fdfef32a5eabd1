package model

// 客户端消息类型
const (
	// CommandEnd 客户端通知本轮音频发送结束
	CommandEnd = "end"

	MessageASR   = "asr"
	MessageLLM   = "llm"
	MessageTTS   = "tts"
	MessageError = "error"

	// TurnOver 本轮对话结束时发送给客户端的纯文本标记
	TurnOver = "over"
)

// ClientCommand 客户端发送的JSON控制指令，目前只识别 {"type":"end"}
type ClientCommand struct {
	Type string `json:"type"`
}

// ServerMessage 发送给客户端的JSON消息
//
// Type 为 asr/llm/tts/error，Data 分别是识别文本、累计的回复文本、
// base64 编码的音频和错误信息。
type ServerMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// 对话角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Dialogue 对话历史中的一条消息
type Dialogue struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnState 一轮对话的编排状态
type TurnState int

const (
	StateIdle TurnState = iota
	StateListening
	StateFinalizing
	StateGenerating
	StateRelaying
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	case StateGenerating:
		return "generating"
	case StateRelaying:
		return "relaying"
	}
	return "unknown"
}
