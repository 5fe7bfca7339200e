package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/companion/pkg/remote"
	"github.com/MrWong99/companion/pkg/remote/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete reads the setup message and acknowledges it.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

func open(t *testing.T, srv *httptest.Server, cfg remote.Config) remote.Channel {
	t.Helper()
	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
	ch, err := p.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

// nextEvent returns the next event or fails after a timeout.
func nextEvent(t *testing.T, ch remote.Channel) remote.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return remote.Event{}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestProvider_Name(t *testing.T) {
	t.Parallel()
	if got := gemini.New("k").Name(); got != "gemini-live" {
		t.Errorf("Name() = %q; want %q", got, "gemini-live")
	}
}

func TestOpen_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-api-key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
	ch, err := p.Open(context.Background(), remote.Config{
		Voice:              "Puck",
		Instructions:       "Be brief.",
		Tools:              []remote.ToolDeclaration{{Name: "play_music", Description: "plays"}},
		InputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if got := <-keys; got != "test-api-key" {
		t.Errorf("key = %q; want %q", got, "test-api-key")
	}

	select {
	case msg := <-received:
		s := msg.Setup
		if s.Model != "models/custom-model" {
			t.Errorf("model = %q; want %q", s.Model, "models/custom-model")
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("modalities = %v; want [AUDIO]", s.GenerationConfig.ResponseModalities)
		}
		if s.GenerationConfig.SpeechConfig == nil || s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
			t.Errorf("voice not set: %+v", s.GenerationConfig.SpeechConfig)
		}
		if s.SystemInstruction == nil || s.SystemInstruction.Parts[0].Text != "Be brief." {
			t.Errorf("systemInstruction = %+v", s.SystemInstruction)
		}
		if len(s.Tools) != 1 || s.Tools[0].FunctionDeclarations[0].Name != "play_music" {
			t.Errorf("tools = %+v", s.Tools)
		}
		if s.InputAudioTranscription == nil {
			t.Error("inputAudioTranscription missing")
		}
		if s.OutputAudioTranscription != nil {
			t.Error("outputAudioTranscription present; want omitted")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	p := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1"))
	_, err := p.Open(context.Background(), remote.Config{Modality: "smell"})
	if err == nil {
		t.Fatal("Open succeeded with invalid modality")
	}
}

func TestOpen_DialError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	p := gemini.New("k", gemini.WithBaseURL(wsURL(srv)))
	if _, err := p.Open(context.Background(), remote.Config{}); err == nil {
		t.Fatal("Open succeeded against a non-websocket server")
	}
}

func TestEvents_OpenedThenMessages(t *testing.T) {
	t.Parallel()

	audio := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": audio}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "hi"},
				"outputTranscription": map[string]any{"text": "hello"},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []any{
					map[string]any{"id": "c1", "name": "play_music", "args": map[string]any{"query": "jazz"}},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := open(t, srv, remote.Config{})

	if ev := nextEvent(t, ch); ev.Type != remote.EventOpened {
		t.Fatalf("first event = %v; want opened", ev.Type)
	}

	ev := nextEvent(t, ch)
	if ev.Type != remote.EventMessage || len(ev.Message.Audio) != 1 {
		t.Fatalf("audio event = %+v", ev)
	}
	if got := ev.Message.Audio[0]; got.Data != audio || got.SampleRate(0) != 24000 {
		t.Errorf("audio chunk = %+v", got)
	}

	ev = nextEvent(t, ch)
	want := []remote.TranscriptDelta{{Role: remote.RoleLocal, Text: "hi"}, {Role: remote.RoleRemote, Text: "hello"}}
	if len(ev.Message.Transcripts) != 2 || ev.Message.Transcripts[0] != want[0] || ev.Message.Transcripts[1] != want[1] {
		t.Errorf("transcripts = %+v; want %+v", ev.Message.Transcripts, want)
	}

	if ev = nextEvent(t, ch); !ev.Message.TurnComplete {
		t.Errorf("want turnComplete, got %+v", ev.Message)
	}
	if ev = nextEvent(t, ch); !ev.Message.Interrupted {
		t.Errorf("want interrupted, got %+v", ev.Message)
	}

	ev = nextEvent(t, ch)
	if len(ev.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", ev.Message.ToolCalls)
	}
	call := ev.Message.ToolCalls[0]
	if call.ID != "c1" || call.Name != "play_music" || call.Args["query"] != "jazz" {
		t.Errorf("tool call = %+v", call)
	}
}

func TestEvents_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "boom"}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		conn.Close(websocket.StatusInternalError, "bye")
	})

	ch := open(t, srv, remote.Config{})
	nextEvent(t, ch) // opened

	ev := nextEvent(t, ch)
	if ev.Type != remote.EventError || !strings.Contains(ev.Err.Error(), "boom") {
		t.Fatalf("event = %+v; want server error", ev)
	}

	select {
	case ev, ok := <-ch.Events():
		if ok {
			t.Errorf("event %v after the server error; want the channel closed", ev.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestEvents_AbnormalCloseEmitsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusInternalError, "bye")
	})

	ch := open(t, srv, remote.Config{})
	nextEvent(t, ch) // opened
	if ev := nextEvent(t, ch); ev.Type != remote.EventError {
		t.Fatalf("event = %v; want error for abnormal close", ev.Type)
	}

	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Error("events channel still open after terminal event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestEvents_NormalCloseEmitsClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	ch := open(t, srv, remote.Config{})
	nextEvent(t, ch) // opened
	if ev := nextEvent(t, ch); ev.Type != remote.EventClosed {
		t.Fatalf("event = %v; want closed", ev.Type)
	}
}

func TestSendRealtimeInput(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan chunkMsg, 2)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		for range 2 {
			var m chunkMsg
			readJSON(t, conn, &m)
			got <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := open(t, srv, remote.Config{})
	nextEvent(t, ch)

	ctx := context.Background()
	if err := ch.SendRealtimeInput(ctx, remote.AudioInput([]byte{1, 2, 3, 4}, 16000)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := ch.SendRealtimeInput(ctx, remote.ImageInput("image/jpeg", []byte{0xff, 0xd8})); err != nil {
		t.Fatalf("send image: %v", err)
	}

	wants := []struct {
		mime string
		data []byte
	}{
		{"audio/pcm;rate=16000", []byte{1, 2, 3, 4}},
		{"image/jpeg", []byte{0xff, 0xd8}},
	}
	for _, w := range wants {
		select {
		case m := <-got:
			c := m.RealtimeInput.MediaChunks[0]
			if c.MIMEType != w.mime {
				t.Errorf("mimeType = %q; want %q", c.MIMEType, w.mime)
			}
			if c.Data != base64.StdEncoding.EncodeToString(w.data) {
				t.Errorf("data = %q", c.Data)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for media chunk")
		}
	}
}

func TestSendToolResponse(t *testing.T) {
	t.Parallel()

	type respMsg struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}
	got := make(chan respMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		var m respMsg
		readJSON(t, conn, &m)
		got <- m
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := open(t, srv, remote.Config{})
	nextEvent(t, ch)

	err := ch.SendToolResponse(context.Background(), []remote.FunctionResponse{
		{ID: "c1", Name: "play_music", Response: map[string]any{"ok": true}},
	})
	if err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}

	select {
	case m := <-got:
		fr := m.ToolResponse.FunctionResponses
		if len(fr) != 1 || fr[0].ID != "c1" || fr[0].Name != "play_music" || fr[0].Response["ok"] != true {
			t.Errorf("functionResponses = %+v", fr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool response")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := open(t, srv, remote.Config{})
	nextEvent(t, ch)

	for range 3 {
		if err := ch.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	err := ch.SendRealtimeInput(context.Background(), remote.AudioInput([]byte{0, 0}, 16000))
	if !errors.Is(err, remote.ErrClosed) {
		t.Errorf("send after close = %v; want ErrClosed", err)
	}
	if err := ch.SendToolResponse(context.Background(), []remote.FunctionResponse{{Name: "x"}}); !errors.Is(err, remote.ErrClosed) {
		t.Errorf("tool response after close = %v; want ErrClosed", err)
	}

	// The events channel is closed without a terminal event.
	select {
	case ev, ok := <-ch.Events():
		if ok {
			t.Errorf("unexpected event after Close: %v", ev.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after Close")
	}
}
