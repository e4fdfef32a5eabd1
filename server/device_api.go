package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"voicerelay-server/log"
	"voicerelay-server/model"
	"voicerelay-server/store"
)

// DeviceStore 设备配置的读写
type DeviceStore interface {
	Snapshot() model.DeviceConfig
	CurrentVoice() string
	Save(req model.DeviceConfigSave) error
}

// SaveResponse 保存接口的响应
type SaveResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeviceAPI 设备配置的 REST 接口
type DeviceAPI struct {
	store DeviceStore
}

// Info 返回当前设备配置
func (a *DeviceAPI) Info(w http.ResponseWriter, r *http.Request) {
	cfg := a.store.Snapshot()
	if cfg.Voices == nil {
		cfg.Voices = []model.VoiceInfo{}
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Save 保存设备名称、音色和提示词，新连接开始使用新配置
func (a *DeviceAPI) Save(w http.ResponseWriter, r *http.Request) {
	var req model.DeviceConfigSave
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SaveResponse{Message: "请求格式错误: " + err.Error()})
		return
	}

	if err := a.store.Save(req); err != nil {
		log.Errorf("保存设备配置失败: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrUnknownVoice) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, SaveResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SaveResponse{Success: true, Message: "配置保存成功"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("JSON编码错误: %v", err)
	}
}
