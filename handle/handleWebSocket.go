package handle

import (
	"net/http"
	"slices"

	"voicerelay-server/config"
	"voicerelay-server/log"
	ws "voicerelay-server/websocket"

	"github.com/gorilla/websocket"
)

// NewUpgrader 根据允许的来源创建升级器，"*" 允许所有来源
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
}

// HandleWebSocket 将HTTP连接升级为WebSocket并创建新的WebSocketConnection
// 参数:
//   - w: HTTP响应写入器
//   - r: HTTP请求
//   - upgrader: 升级器
//   - cfg: 服务器配置
//   - devices: 设备配置
//   - services: 远程识别与合成会话的创建方式
func HandleWebSocket(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, cfg *config.Config, devices ws.DeviceSource, services ws.Services) {
	// 将HTTP连接升级为WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("升级连接失败: %v", err)
		return
	}

	log.Infof("新的WebSocket连接来自 %s", r.RemoteAddr)

	// 为此连接创建一个新的WebSocket连接处理器
	wsConn, err := ws.NewWebSocketConnection(conn, r, cfg, devices, services)
	if err != nil {
		log.Errorf("创建连接处理器失败: %v", err)
		conn.Close()
		return
	}

	// 在新的goroutine中处理连接
	go wsConn.HandleConnection()
}
