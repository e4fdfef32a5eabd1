package server

import (
	"net/http"
	"slices"

	"voicerelay-server/config"
	"voicerelay-server/handle"
	"voicerelay-server/log"
	"voicerelay-server/utils"
	ws "voicerelay-server/websocket"
)

// NewHandler 组装所有路由：语音对话、设备配置接口和健康检查
// 参数:
//   - cfg: 服务器配置
//   - devices: 设备配置存储
//   - services: 远程识别与合成会话的创建方式
//
// 返回:
//   - http.Handler: 带跨域处理的路由
func NewHandler(cfg *config.Config, devices DeviceStore, services ws.Services) http.Handler {
	mux := http.NewServeMux()
	upgrader := handle.NewUpgrader(cfg.HTTP.AllowedOrigins)

	// 当有新的WebSocket连接请求时，会调用这个处理函数
	mux.HandleFunc(cfg.WebSocket.Path, func(w http.ResponseWriter, r *http.Request) {
		handle.HandleWebSocket(w, r, upgrader, cfg, devices, services)
	})

	api := &DeviceAPI{store: devices}
	mux.HandleFunc("GET /api/toy/info", api.Info)
	mux.HandleFunc("POST /api/toy/save", api.Save)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return withCORS(cfg.HTTP.AllowedOrigins, mux)
}

// withCORS 为所有响应添加跨域头，并直接应答预检请求
func withCORS(allowed []string, next http.Handler) http.Handler {
	allowAll := slices.Contains(allowed, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(allowed, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartWebSocketServer 启动服务器
// 参数:
//   - cfg: 服务器配置信息，包含监听地址、路由和认证信息等
//   - devices: 设备配置存储
//   - services: 远程识别与合成会话的创建方式
//
// 返回:
//   - error: 如果服务器启动失败，返回错误信息
func StartWebSocketServer(cfg *config.Config, devices DeviceStore, services ws.Services) error {
	// 获取本机IP地址，用于日志显示
	localIP := utils.GetLocalIP()

	addr := cfg.Addr()
	log.Infof("正在启动服务器，监听地址: %s (本机IP: %s)，语音对话路由: %s", addr, localIP, cfg.WebSocket.Path)
	// 这会阻塞当前goroutine直到服务器关闭
	return http.ListenAndServe(addr, NewHandler(cfg, devices, services))
}
