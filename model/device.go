package model

// VoiceInfo 可选音色
type VoiceInfo struct {
	VoiceName string `json:"voice_name" yaml:"voice_name"`
	VoiceCode string `json:"voice_code" yaml:"voice_code"`
	Choose    bool   `json:"choose" yaml:"choose"`
}

// DeviceConfig 手办设备配置：名称、可选音色和角色提示词
type DeviceConfig struct {
	ToyName   string      `json:"toy_name" yaml:"toy_name"`
	Voices    []VoiceInfo `json:"voices" yaml:"voices"`
	ToyPrompt string      `json:"toy_prompt" yaml:"toy_prompt"`
}

// DeviceConfigSave 保存设备配置的请求体
type DeviceConfigSave struct {
	ToyName   string `json:"toy_name"`
	VoiceCode string `json:"voice_code"`
	ToyPrompt string `json:"toy_prompt"`
}

// Clone 返回深拷贝，调用方可以随意修改
func (c DeviceConfig) Clone() DeviceConfig {
	c.Voices = append([]VoiceInfo(nil), c.Voices...)
	return c
}

// ChosenVoice 返回被选中的音色编码，没有选中时返回第一个
func (c DeviceConfig) ChosenVoice() string {
	for _, v := range c.Voices {
		if v.Choose {
			return v.VoiceCode
		}
	}
	if len(c.Voices) > 0 {
		return c.Voices[0].VoiceCode
	}
	return ""
}
