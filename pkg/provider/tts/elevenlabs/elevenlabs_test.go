package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/leadvox/pkg/provider/tts"
)

// ---- WebSocket message construction ----

func TestTextMessage_FlushShape(t *testing.T) {
	data, err := json.Marshal(textMessage{Text: "Hello there ", Flush: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["flush"]) != "true" {
		t.Errorf("flush = %s, want true", raw["flush"])
	}
	if _, exists := raw["voice_settings"]; exists {
		t.Error("text message should not repeat voice_settings")
	}
}

func TestTextMessage_EndOfInput(t *testing.T) {
	// ElevenLabs end-of-input = {"text":""} with no other fields.
	data, _ := json.Marshal(textMessage{Text: ""})
	if string(data) != `{"text":""}` {
		t.Errorf("end-of-input = %s", data)
	}
}

// ---- URL construction ----

func TestBuildURL(t *testing.T) {
	p, _ := New("key")
	url := p.buildURL("voice-abc123")
	if !strings.Contains(url, "voice-abc123") {
		t.Errorf("URL should contain voice ID, got: %s", url)
	}
	if !strings.Contains(url, "model_id=eleven_flash_v2_5") {
		t.Errorf("URL should contain model ID, got: %s", url)
	}
	if !strings.Contains(url, "output_format=pcm_16000") {
		t.Errorf("URL should request 16 kHz PCM, got: %s", url)
	}
	if !strings.HasPrefix(url, "wss://") {
		t.Errorf("URL should be a WebSocket URL, got: %s", url)
	}
}

// ---- streaming round trip ----

// fakeElevenLabs streams two audio chunks after end-of-input, or an error
// message when the text asks for one.
func fakeElevenLabs(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/voices" {
			if r.Header.Get("xi-api-key") != "key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel"}]}`))
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var text string
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(msg, &m)
			if m.Text == "" {
				break
			}
			text += m.Text
		}
		if strings.Contains(text, "fail") {
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"error":"quota_exceeded","message":"out of credits"}`))
			return
		}
		for _, pcm := range [][]byte{{1, 0, 2, 0}, {3, 0}} {
			b, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(pcm)})
			_ = conn.Write(ctx, websocket.MessageText, b)
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
		conn.Close(websocket.StatusNormalClosure, "")
	}))
}

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	ws := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := New("key", WithEndpoints(ws+"/tts/%s?model=%s&fmt=%s", srv.URL+"/voices"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSynthesizeStream_RoundTrip(t *testing.T) {
	srv := fakeElevenLabs(t)
	defer srv.Close()
	p := newTestProvider(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := p.SynthesizeStream(ctx, "Great, what's your budget?", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var pcm []byte
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		pcm = append(pcm, c.PCM...)
	}
	if len(pcm) != 6 {
		t.Errorf("received %d bytes of audio, want 6", len(pcm))
	}
}

func TestSynthesizeStream_ProviderError(t *testing.T) {
	srv := fakeElevenLabs(t)
	defer srv.Close()
	p := newTestProvider(t, srv)

	ch, err := p.SynthesizeStream(context.Background(), "please fail", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var last tts.Chunk
	for c := range ch {
		last = c
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "quota_exceeded") {
		t.Errorf("last chunk err = %v, want quota_exceeded", last.Err)
	}
}

func TestSynthesizeStream_Validation(t *testing.T) {
	p, _ := New("key")
	if _, err := p.SynthesizeStream(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	if _, err := p.SynthesizeStream(context.Background(), "", tts.VoiceProfile{ID: "v"}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestListVoices(t *testing.T) {
	srv := fakeElevenLabs(t)
	defer srv.Close()
	voices, err := newTestProvider(t, srv).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].Name != "Rachel" {
		t.Errorf("voices = %+v", voices)
	}
}

// ---- Voice list response parsing ----

func TestParseVoicesResponse_Success(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{
				"voice_id": "abc123",
				"name": "Rachel",
				"category": "premade",
				"labels": {"gender": "female", "accent": "american"}
			},
			{
				"voice_id": "def456",
				"name": "Adam",
				"category": "premade",
				"labels": {"gender": "male"}
			}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	rachel := profiles[0]
	if rachel.ID != "abc123" {
		t.Errorf("expected ID 'abc123', got %q", rachel.ID)
	}
	if rachel.Name != "Rachel" {
		t.Errorf("expected Name 'Rachel', got %q", rachel.Name)
	}
	if rachel.Provider != "elevenlabs" {
		t.Errorf("expected Provider 'elevenlabs', got %q", rachel.Provider)
	}
	if rachel.Metadata["gender"] != "female" {
		t.Errorf("expected gender 'female', got %q", rachel.Metadata["gender"])
	}
	if rachel.Metadata["category"] != "premade" {
		t.Errorf("expected category 'premade', got %q", rachel.Metadata["category"])
	}

	adam := profiles[1]
	if adam.ID != "def456" {
		t.Errorf("expected ID 'def456', got %q", adam.ID)
	}
}

func TestParseVoicesResponse_Empty(t *testing.T) {
	raw := []byte(`{"voices":[]}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected 0 profiles, got %d", len(profiles))
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	_, err := parseVoicesResponse([]byte(`{invalid`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseVoicesResponse_NoLabels(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "x1", "name": "Ghost", "category": "", "labels": null}
		]
	}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	// category is empty, so it should not appear in metadata.
	if _, ok := profiles[0].Metadata["category"]; ok {
		t.Error("expected no 'category' key in metadata when category is empty")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.outputFormat != "pcm_24000" {
		t.Errorf("expected outputFormat 'pcm_24000', got %q", p.outputFormat)
	}
}
