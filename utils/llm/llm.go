package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"voicerelay-server/log"
	"voicerelay-server/model"

	"github.com/openai/openai-go"
)

const (
	// DefaultURL 方舟大模型对话接口（OpenAI 兼容）
	DefaultURL = "https://ark.cn-beijing.volces.com/api/v3/chat/completions"
	// DefaultSystemPrompt 设备和配置都没有提示词时使用
	DefaultSystemPrompt = "你是豆包，是由字节跳动开发的AI助手，回答要简洁，不要超过50个字"

	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// ErrEmptyConversation 对话为空时无法发起请求
var ErrEmptyConversation = errors.New("llm: empty conversation")

// LLMConfig 表示LLM配置参数
type LLMConfig struct {
	URL          string `yaml:"url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Timeout      int    `yaml:"timeout"` // 秒，0 表示不限制
	SystemPrompt string `yaml:"system_prompt"`
}

// DefaultLLMConfig 返回默认LLM配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{URL: DefaultURL}
}

// StatusError 服务返回非 200 状态码
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: unexpected status %d: %s", e.StatusCode, e.Body)
}

// chatRequest 流式对话请求体
type chatRequest struct {
	Model    string                                   `json:"model"`
	Messages []openai.ChatCompletionMessageParamUnion `json:"messages"`
	Stream   bool                                     `json:"stream"`
}

// Client 持有一个连接上的完整对话历史
//
// Client 不是并发安全的，一个连接上的轮次是串行的。
type Client struct {
	config     LLMConfig
	httpClient *http.Client
	dialogues  []model.Dialogue
}

// NewClient 创建对话客户端
func NewClient(cfg LLMConfig) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

// AddSystemMessage 设置系统提示词，只在对话开头插入一次
func (c *Client) AddSystemMessage(prompt string) {
	if prompt == "" {
		return
	}
	if len(c.dialogues) > 0 && c.dialogues[0].Role == model.RoleSystem {
		log.Warnf("系统提示词已存在，忽略")
		return
	}
	c.dialogues = append([]model.Dialogue{{Role: model.RoleSystem, Content: prompt}}, c.dialogues...)
}

// Messages 返回对话历史的副本
func (c *Client) Messages() []model.Dialogue {
	out := make([]model.Dialogue, len(c.dialogues))
	copy(out, c.dialogues)
	return out
}

func (c *Client) buildRequest() chatRequest {
	req := chatRequest{
		Model:    c.config.Model,
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(c.dialogues)),
		Stream:   true,
	}
	for _, d := range c.dialogues {
		switch d.Role {
		case model.RoleSystem:
			req.Messages = append(req.Messages, openai.SystemMessage(d.Content))
		case model.RoleAssistant:
			req.Messages = append(req.Messages, openai.AssistantMessage(d.Content))
		default:
			req.Messages = append(req.Messages, openai.UserMessage(d.Content))
		}
	}
	return req
}

// Generate 发送对话并以迭代器返回每个增量文本
// 参数:
//   - ctx: 请求上下文
//   - userText: 用户输入，为空时直接用已有对话请求
//
// 返回:
//   - iter.Seq2[string, error]: 增量文本；请求或读取失败时产出一次错误并结束
//
// 流正常结束（[DONE] 或 EOF）后，完整回复作为 assistant 消息追加到对话历史。
// 调用方提前停止迭代时不追加。
func (c *Client) Generate(ctx context.Context, userText string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if userText != "" {
			c.dialogues = append(c.dialogues, model.Dialogue{Role: model.RoleUser, Content: userText})
		}
		if len(c.dialogues) == 0 {
			yield("", ErrEmptyConversation)
			return
		}

		resp, err := c.post(ctx)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		var full strings.Builder
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				log.Errorf("读取 LLM 响应错误: %v", err)
				yield("", fmt.Errorf("llm read stream: %w", err))
				return
			}
			eof := err == io.EOF

			line = strings.TrimSpace(line)
			if data, ok := strings.CutPrefix(line, dataPrefix); ok {
				if data == doneMarker {
					break
				}
				if delta, ok := parseDelta(data); ok && delta != "" {
					full.WriteString(delta)
					if !yield(delta, nil) {
						return
					}
				}
			}
			if eof {
				break
			}
		}

		if full.Len() > 0 {
			c.dialogues = append(c.dialogues, model.Dialogue{Role: model.RoleAssistant, Content: full.String()})
		}
		log.Infof("LLM 回复完成: %s", full.String())
	}
}

func (c *Client) post(ctx context.Context) (*http.Response, error) {
	body, err := json.Marshal(c.buildRequest())
	if err != nil {
		return nil, fmt.Errorf("llm marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	log.Debugf("发送 LLM 请求: %d 条消息", len(c.dialogues))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		log.Errorf("LLM 服务返回错误状态码: %d, 响应: %s", resp.StatusCode, string(data))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return resp, nil
}

// parseDelta 解析一行 chunk，格式错误或没有 choices 时返回 false
func parseDelta(data string) (string, bool) {
	if !json.Valid([]byte(data)) {
		return "", false
	}
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, true
}
