package server

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voicerelay-server/config"
	"voicerelay-server/model"
	"voicerelay-server/store"
	ws "voicerelay-server/websocket"

	"github.com/gorilla/websocket"
)

const seedDevice = `toy_name: 小熊
voices:
  - voice_name: 温柔女声
    voice_code: zh_female_1
  - voice_name: 活泼男声
    voice_code: zh_male_2
    choose: true
toy_prompt: 你是一只小熊
`

func openStore(t *testing.T) *store.DeviceStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.yaml")
	if err := os.WriteFile(path, []byte(seedDevice), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := store.Open(path, "")
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	return s
}

type stubRecognizer struct{ text string }

func (r *stubRecognizer) SendAudio(ctx context.Context, audio []byte) error { return nil }

func (r *stubRecognizer) SendEnd(ctx context.Context) error { return nil }

func (r *stubRecognizer) Closed() bool { return false }

func (r *stubRecognizer) Close() error { return nil }

func (r *stubRecognizer) Results(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) { yield(r.text) }
}

type stubSynthesizer struct{}

func (s *stubSynthesizer) Closed() bool { return false }

func (s *stubSynthesizer) Close() error { return nil }

func (s *stubSynthesizer) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) { yield([]byte("pcm"), nil) }
}

type stubServices struct {
	voices chan string
}

func (s *stubServices) DialRecognizer(ctx context.Context, uid string) (ws.Recognizer, error) {
	return &stubRecognizer{text: "讲个笑话"}, nil
}

func (s *stubServices) DialSynthesizer(ctx context.Context, voice string) (ws.Synthesizer, error) {
	s.voices <- voice
	return &stubSynthesizer{}, nil
}

func TestDeviceAPI(t *testing.T) {
	devices := openStore(t)
	srv := httptest.NewServer(NewHandler(config.Default(), devices, &stubServices{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/toy/info")
	if err != nil {
		t.Fatalf("GET info error: %v", err)
	}
	var info model.DeviceConfig
	json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if info.ToyName != "小熊" || len(info.Voices) != 2 || !info.Voices[1].Choose || info.ToyPrompt != "你是一只小熊" {
		t.Fatalf("info = %+v", info)
	}

	post := func(body string) (int, SaveResponse) {
		t.Helper()
		resp, err := http.Post(srv.URL+"/api/toy/save", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST save error: %v", err)
		}
		defer resp.Body.Close()
		var out SaveResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode save response: %v", err)
		}
		return resp.StatusCode, out
	}

	status, out := post(`{"toy_name":"大熊","voice_code":"zh_female_1","toy_prompt":"你是大熊"}`)
	if status != http.StatusOK || !out.Success {
		t.Fatalf("save = %d %+v", status, out)
	}
	if devices.CurrentVoice() != "zh_female_1" || devices.Snapshot().ToyName != "大熊" {
		t.Fatalf("store not updated: %+v", devices.Snapshot())
	}

	if status, out := post(`{"toy_name":"x","voice_code":"missing"}`); status != http.StatusBadRequest || out.Success {
		t.Fatalf("unknown voice = %d %+v", status, out)
	}
	if status, out := post(`not json`); status != http.StatusBadRequest || out.Success {
		t.Fatalf("bad body = %d %+v", status, out)
	}

	resp, err = http.Get(srv.URL + "/api/toy/save")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET save status = %d", resp.StatusCode)
	}
}

func TestCORSAndHealth(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.AllowedOrigins = []string{"http://panel.local"}
	srv := httptest.NewServer(NewHandler(cfg, openStore(t), &stubServices{}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/toy/save", nil)
	req.Header.Set("Origin", "http://panel.local")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://panel.local" {
		t.Fatalf("preflight = %d %v", resp.StatusCode, resp.Header)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.local")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("health error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" || resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("health = %q %v", body, resp.Header)
	}
}

func newLLMServer(t *testing.T, systemPrompts chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
			systemPrompts <- req.Messages[0].Content
		} else {
			systemPrompts <- ""
		}
		for _, delta := range []string{"从前", "有只熊。"} {
			io.WriteString(w, `data: {"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"`+delta+`"}}]}`+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
}

func TestVoiceChatRoundTrip(t *testing.T) {
	prompts := make(chan string, 1)
	llmSrv := newLLMServer(t, prompts)
	defer llmSrv.Close()

	cfg := config.Default()
	cfg.LLM.URL = llmSrv.URL
	cfg.WebSocket.Auth = config.AuthConfig{Enabled: true, Tokens: []config.TokenConfig{{Token: "tok", Name: "toy"}}}
	services := &stubServices{voices: make(chan string, 1)}
	srv := httptest.NewServer(NewHandler(cfg, openStore(t), services))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.WebSocket.Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte("tok"))
	for i := 0; i < 3; i++ {
		conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2, 3})
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`))

	var types []string
	var last model.ServerMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error after %v: %v", types, err)
		}
		if string(data) == model.TurnOver {
			types = append(types, model.TurnOver)
			break
		}
		var msg model.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unexpected message %q", data)
		}
		types = append(types, msg.Type)
		if msg.Type == model.MessageLLM {
			last = msg
		}
	}

	if got := strings.Join(types, ","); got != "asr,llm,llm,tts,over" {
		t.Fatalf("messages = %s", got)
	}
	if last.Data != "从前有只熊。" {
		t.Fatalf("final llm text = %q", last.Data)
	}
	if voice := <-services.voices; voice != "zh_male_2" {
		t.Fatalf("voice = %q, want device choice", voice)
	}
	if prompt := <-prompts; prompt != "你是一只小熊" {
		t.Fatalf("system prompt = %q, want device prompt", prompt)
	}
}

func TestVoiceChatUsesSavedVoice(t *testing.T) {
	prompts := make(chan string, 1)
	llmSrv := newLLMServer(t, prompts)
	defer llmSrv.Close()

	cfg := config.Default()
	cfg.LLM.URL = llmSrv.URL
	devices := openStore(t)
	if err := devices.Save(model.DeviceConfigSave{ToyName: "小熊", VoiceCode: "zh_female_1"}); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	services := &stubServices{voices: make(chan string, 1)}
	srv := httptest.NewServer(NewHandler(cfg, devices, services))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+cfg.WebSocket.Path, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1})
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		if string(data) == model.TurnOver {
			break
		}
	}

	if voice := <-services.voices; voice != "zh_female_1" {
		t.Fatalf("voice = %q, want the saved choice", voice)
	}
}

func TestVoiceChatRejectsBadToken(t *testing.T) {
	cfg := config.Default()
	cfg.WebSocket.Auth = config.AuthConfig{Enabled: true, Tokens: []config.TokenConfig{{Token: "tok"}}}
	srv := httptest.NewServer(NewHandler(cfg, openStore(t), &stubServices{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+cfg.WebSocket.Path, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte("wrong"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection should be closed after failed auth")
	}
}
