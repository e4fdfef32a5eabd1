package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"voicerelay-server/config"
	"voicerelay-server/log"
	"voicerelay-server/server"
	"voicerelay-server/store"
	"voicerelay-server/utils"
	ws "voicerelay-server/websocket"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "voicerelay-server",
	Short: "Realtime voice chat relay",
	Long: `Realtime voice chat relay.

Receives microphone audio over a websocket, streams it to the speech
recognition service, feeds the transcript to the chat model and relays
synthesized speech back sentence by sentence.

Examples:
  voicerelay-server
  voicerelay-server --config /etc/voicerelay/config.yaml --env-file .env.prod`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	// 默认配置文件为当前目录下的config.yaml
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "环境变量文件，不存在时忽略")
}

func run() error {
	// 密钥可以放在 .env 中，由配置文件里的 ${VAR} 引用
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("加载环境变量文件失败: %w", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("加载配置文件失败: %w", err)
	}

	// 根据配置文件中的日志配置初始化日志系统
	if err := log.Init(&cfg.Log); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}

	log.Infof("正在启动voicerelay-server...")
	log.Infof("已加载配置文件: %s", configPath)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置无效: %w", err)
	}

	// 检查上行音频解码依赖
	if err := utils.Init(cfg.WebSocket.AudioFormat, cfg.WebSocket.SampleRate, cfg.WebSocket.Channels); err != nil {
		return fmt.Errorf("初始化util库失败: %w", err)
	}

	devices, err := store.Open(cfg.Device.DataFile, cfg.Device.PromptFile)
	if err != nil {
		return fmt.Errorf("加载设备配置失败: %w", err)
	}

	// 这会阻塞当前goroutine直到服务器关闭
	return server.StartWebSocketServer(cfg, devices, ws.NewRemoteServices(cfg))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
