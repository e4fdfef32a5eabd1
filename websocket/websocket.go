package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"voicerelay-server/config"
	"voicerelay-server/log"
	"voicerelay-server/model"
	"voicerelay-server/utils/audio"
	"voicerelay-server/utils/llm"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ResponseMessage 表示要发送的响应消息
type ResponseMessage struct {
	MessageType int    // WebSocket消息类型
	Data        []byte // 消息数据
}

// WebSocketConnection 表示一个客户端连接
type WebSocketConnection struct {
	conn         *websocket.Conn      // WebSocket连接对象
	config       *config.Config       // 服务器配置
	responseChan chan ResponseMessage // 响应消息通道
	writerDone   chan struct{}        // 响应协程退出
	ctx          context.Context      // 连接生命周期，取消后所有远程会话关闭
	cancelFunc   context.CancelFunc
	sessionID    string
	remoteAddr   string

	decoder  *audio.Decoder
	pipeline *Pipeline
	once     sync.Once
}

// NewWebSocketConnection 创建一个新的WebSocket连接处理器
// 参数:
//   - conn: WebSocket连接对象
//   - r: 升级前的HTTP请求
//   - cfg: 服务器配置
//   - devices: 设备配置，连接建立时读取一次
//   - services: 远程识别与合成会话的创建方式
//
// 返回:
//   - *WebSocketConnection: 新创建的WebSocket连接处理器
//   - error: 上行音频解码器创建失败
func NewWebSocketConnection(conn *websocket.Conn, r *http.Request, cfg *config.Config, devices DeviceSource, services Services) (*WebSocketConnection, error) {
	decoder, err := audio.NewDecoder(cfg.WebSocket.AudioFormat, cfg.WebSocket.SampleRate, cfg.WebSocket.Channels)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	wsConn := &WebSocketConnection{
		conn:         conn,
		config:       cfg,
		responseChan: make(chan ResponseMessage, 32),
		writerDone:   make(chan struct{}),
		ctx:          ctx,
		cancelFunc:   cancel,
		sessionID:    uuid.NewString(),
		remoteAddr:   r.RemoteAddr,
		decoder:      decoder,
	}

	voice := devices.CurrentVoice()
	client := llm.NewClient(cfg.LLM)
	client.AddSystemMessage(SystemPrompt(devices.Snapshot(), cfg.LLM))
	wsConn.pipeline = NewPipeline(services, client, wsConn, wsConn.sessionID, voice)

	log.Debugf("新连接: session=%s, addr=%s, voice=%s", wsConn.sessionID, wsConn.remoteAddr, voice)

	// 启动响应处理协程
	go wsConn.handleResponses()

	return wsConn, nil
}

// SystemPrompt 选择系统提示词：设备提示词优先，其次是配置，最后是内置提示词
func SystemPrompt(device model.DeviceConfig, cfg llm.LLMConfig) string {
	switch {
	case device.ToyPrompt != "":
		return device.ToyPrompt
	case cfg.SystemPrompt != "":
		return cfg.SystemPrompt
	}
	return llm.DefaultSystemPrompt
}

// handleResponses 回复响应消息的协程
// 从responseChan通道读取消息并发送到WebSocket连接，通道关闭后退出
func (wsc *WebSocketConnection) handleResponses() {
	defer close(wsc.writerDone)

	failed := false
	for response := range wsc.responseChan {
		if failed {
			continue
		}
		if err := wsc.conn.WriteMessage(response.MessageType, response.Data); err != nil {
			log.Errorf("写入消息错误: %v", err)
			// 客户端已断开，取消上下文中止进行中的轮次
			failed = true
			wsc.cancelFunc()
		}
	}
}

// sendResponse 发送响应消息
// 参数:
//   - messageType: WebSocket消息类型
//   - data: 消息数据
func (wsc *WebSocketConnection) sendResponse(messageType int, data []byte) error {
	select {
	case <-wsc.ctx.Done():
		return wsc.ctx.Err()
	case wsc.responseChan <- ResponseMessage{MessageType: messageType, Data: data}:
		return nil
	}
}

// SendJSON 发送JSON文本消息
func (wsc *WebSocketConnection) SendJSON(v any) error {
	res, err := json.Marshal(v)
	if err != nil {
		log.Errorf("JSON编码错误: %v", err)
		return err
	}
	return wsc.sendResponse(websocket.TextMessage, res)
}

// SendText 发送纯文本消息
func (wsc *WebSocketConnection) SendText(s string) error {
	return wsc.sendResponse(websocket.TextMessage, []byte(s))
}

// processMessage 根据消息类型处理WebSocket消息
func (wsc *WebSocketConnection) processMessage(messageType int, data []byte) error {
	switch messageType {
	case websocket.TextMessage:
		log.Debugf("处理文本消息: %s", string(data))
		return wsc.pipeline.HandleText(wsc.ctx, data)

	case websocket.BinaryMessage:
		pcm, err := wsc.decoder.Decode(data)
		if err != nil {
			return err
		}
		return wsc.pipeline.HandleAudio(wsc.ctx, pcm)

	default:
		log.Debugf("忽略消息类型: %d", messageType)
		return nil
	}
}

// authenticate 启用认证时，第一条消息必须是有效令牌
func (wsc *WebSocketConnection) authenticate() bool {
	if !wsc.config.WebSocket.Auth.Enabled {
		return true
	}

	_, msg, err := wsc.conn.ReadMessage()
	if err != nil {
		log.Errorf("读取认证消息失败: %v", err)
		return false
	}
	name, ok := wsc.config.WebSocket.Auth.TokenName(string(msg))
	if !ok {
		log.Warnf("连接认证失败: %s", wsc.remoteAddr)
		return false
	}
	log.Infof("设备已认证: %s", name)
	return true
}

// HandleConnection 处理WebSocket连接的主循环
// 负责认证、接收消息、驱动轮次编排；任何一轮出错都会通知客户端并断开连接
func (wsc *WebSocketConnection) HandleConnection() {
	defer wsc.Close()

	if !wsc.authenticate() {
		return
	}
	log.Infof("WebSocket连接已建立: %s", wsc.remoteAddr)

	for {
		messageType, message, err := wsc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Errorf("读取消息错误: %v", err)
			} else {
				log.Infof("客户端断开: %s", wsc.remoteAddr)
			}
			return
		}

		if err := wsc.processMessage(messageType, message); err != nil {
			log.Errorf("处理错误: %v", err)
			wsc.SendJSON(model.ServerMessage{Type: model.MessageError, Data: err.Error()})
			return
		}
	}
}

// Close 等待已排队的消息写完后释放所有资源，可重复调用
func (wsc *WebSocketConnection) Close() {
	wsc.once.Do(func() {
		close(wsc.responseChan)
		<-wsc.writerDone
		wsc.cancelFunc()
		wsc.pipeline.Close()
		wsc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		wsc.conn.Close()
		log.Infof("WebSocket连接已关闭: %s", wsc.sessionID)
	})
}
