package utils

import (
	"net"

	"voicerelay-server/utils/audio"
)

// Init 检查上行音频格式所需的依赖
func Init(audioFormat string, sampleRate, channels int) error {
	if audioFormat != audio.FormatOpus {
		return nil
	}
	return audio.Probe(sampleRate, channels)
}

// GetLocalIP 返回本机第一个非回环 IPv4 地址，找不到时返回 127.0.0.1
func GetLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ip := ipNet.IP.To4(); ip != nil {
				return ip.String()
			}
		}
	}
	return "127.0.0.1"
}
