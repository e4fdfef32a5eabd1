// Package store 保存手办设备配置（名称、音色、角色提示词）
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"voicerelay-server/log"
	"voicerelay-server/model"

	"gopkg.in/yaml.v3"
)

// DefaultToyName 没有配置文件时的设备名称
const DefaultToyName = "未命名手办"

// ErrUnknownVoice 保存时指定的音色不在可选列表中
var ErrUnknownVoice = errors.New("store: unknown voice code")

// DeviceStore 基于 YAML 文件的设备配置存储
//
// 每个连接开始时通过 Snapshot 取一份不可变副本，之后的保存不影响进行中的连接。
type DeviceStore struct {
	mu     sync.RWMutex
	path   string
	config model.DeviceConfig
}

// Open 加载设备配置
// 参数:
//   - dataFile: 设备配置 YAML 文件，不存在时使用默认配置
//   - promptFile: 默认角色提示词文件，仅在 dataFile 不存在时读取
//
// 返回:
//   - *DeviceStore: 配置存储
//   - error: 文件存在但无法解析时返回错误
func Open(dataFile, promptFile string) (*DeviceStore, error) {
	s := &DeviceStore{path: dataFile}

	data, err := os.ReadFile(dataFile)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s.config); err != nil {
			return nil, fmt.Errorf("解析设备配置失败: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		s.config.ToyName = DefaultToyName
		if promptFile != "" {
			if prompt, err := os.ReadFile(promptFile); err == nil {
				s.config.ToyPrompt = strings.TrimSpace(string(prompt))
			} else {
				log.Warnf("加载提示词文件失败: %v", err)
			}
		}
	default:
		return nil, fmt.Errorf("读取设备配置失败: %w", err)
	}

	log.Infof("配置加载完成: toy_name=%s, voices=%d个, prompt长度=%d",
		s.config.ToyName, len(s.config.Voices), len([]rune(s.config.ToyPrompt)))
	return s, nil
}

// Snapshot 返回当前配置的副本
func (s *DeviceStore) Snapshot() model.DeviceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Clone()
}

// CurrentVoice 返回当前选中的音色编码
func (s *DeviceStore) CurrentVoice() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.ChosenVoice()
}

// Save 更新设备配置并写入文件
//
// VoiceCode 为空时保持原来的选择。写文件失败时内存中的配置不变。
func (s *DeviceStore) Save(req model.DeviceConfigSave) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.config.Clone()
	next.ToyName = req.ToyName
	next.ToyPrompt = req.ToyPrompt
	if req.VoiceCode != "" {
		found := false
		for i := range next.Voices {
			next.Voices[i].Choose = next.Voices[i].VoiceCode == req.VoiceCode
			found = found || next.Voices[i].Choose
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownVoice, req.VoiceCode)
		}
	}

	if err := s.write(next); err != nil {
		return err
	}
	s.config = next
	log.Infof("配置保存成功: toy_name=%s, voice_code=%s", next.ToyName, next.ChosenVoice())
	return nil
}

// write 先写临时文件再重命名，避免写到一半的文件
func (s *DeviceStore) write(cfg model.DeviceConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化设备配置失败: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入设备配置失败: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("写入设备配置失败: %w", err)
	}
	return nil
}
