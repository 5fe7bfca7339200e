// Package gemini implements [remote.Provider] for Google's Gemini Live API.
//
// It opens a bidirectional WebSocket to the Live endpoint and exchanges JSON
// messages according to the BidiGenerateContent protocol. Audio and images
// are sent as base64 realtime media chunks; model audio, transcripts, tool
// calls, turn boundaries and interruptions are surfaced as channel events.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/companion/pkg/remote"
)

// Compile-time assertions.
var (
	_ remote.Provider = (*Provider)(nil)
	_ remote.Channel  = (*channel)(nil)
)

// Name is the registry name of this provider.
const Name = "gemini-live"

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit accommodates large inline audio chunks.
	readLimit = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithKeepalive overrides the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements remote.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements remote.Provider.
func (p *Provider) Name() string { return Name }

// Open dials the Live endpoint and sends the setup message. The returned
// channel emits [remote.EventOpened] once the server acknowledges the setup.
func (p *Provider) Open(ctx context.Context, cfg remote.Config) (remote.Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	chCtx, chCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ch := &channel{
		conn:   conn,
		events: remote.NewEmitter(remote.DefaultEventBuffer, done),
		done:   done,
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.writeJSON(ctx, buildSetup(p.model, cfg)); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go ch.receiveLoop()
	if p.keepalive > 0 {
		go ch.keepaliveLoop(p.keepalive)
	}

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool     `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	GoAway               *json.RawMessage `json:"goAway,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// buildSetup translates cfg into the BidiGenerateContent setup message.
func buildSetup(model string, cfg remote.Config) setupMessage {
	modality := "AUDIO"
	if cfg.Modality == remote.ModalityText {
		modality = "TEXT"
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{modality},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events *remote.Emitter

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. The write
// is bounded by both ctx and the channel lifetime.
func (c *channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(c.ctx, stop)
	defer unlink()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and emits events. It owns
// the events channel and closes it when it exits.
func (c *channel) receiveLoop() {
	defer c.events.Close()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// Closed by us: no terminal event.
			if c.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.events.Closed()
				return
			}
			c.events.Error(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage emits the events for msg. It returns false once the
// channel is shutting down or a terminal event was emitted.
func (c *channel) handleServerMessage(msg *serverMessage) bool {
	if msg.SetupComplete != nil {
		if !c.events.Opened() {
			return false
		}
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		// The error is terminal; whatever else the frame carries is dropped.
		c.events.Error(fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text))
		return false
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect")
	}

	out := &remote.Message{}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/") && p.InlineData.Data != "" {
					out.Audio = append(out.Audio, remote.AudioChunk{
						MIMEType: p.InlineData.MIMEType,
						Data:     p.InlineData.Data,
					})
				}
				if p.Text != "" {
					out.Transcripts = append(out.Transcripts, remote.TranscriptDelta{Role: remote.RoleRemote, Text: p.Text})
				}
			}
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out.Transcripts = append(out.Transcripts, remote.TranscriptDelta{Role: remote.RoleLocal, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out.Transcripts = append(out.Transcripts, remote.TranscriptDelta{Role: remote.RoleRemote, Text: sc.OutputTranscription.Text})
		}
		out.TurnComplete = sc.TurnComplete
		out.Interrupted = sc.Interrupted
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			out.ToolCalls = append(out.ToolCalls, remote.FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	return c.events.Message(out)
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.conn.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── Channel methods ────────────────────────────────────────────────────────────

// Events implements remote.Channel.
func (c *channel) Events() <-chan remote.Event { return c.events.Events() }

// SendRealtimeInput sends one audio or image frame as a media chunk.
func (c *channel) SendRealtimeInput(ctx context.Context, in remote.Input) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	blob := in.Audio
	if blob == nil {
		blob = in.Image
	}
	if blob == nil {
		return errors.New("gemini: realtime input without media")
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: blob.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(blob.Data),
			}},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		if c.isClosed() {
			return remote.ErrClosed
		}
		return fmt.Errorf("gemini: send input: %w", err)
	}
	return nil
}

// SendToolResponse answers function calls with a toolResponse message.
func (c *channel) SendToolResponse(ctx context.Context, responses []remote.FunctionResponse) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	if len(responses) == 0 {
		return nil
	}

	frs := make([]functionResponse, len(responses))
	for i, r := range responses {
		resp := r.Response
		if resp == nil {
			resp = map[string]any{}
		}
		frs[i] = functionResponse{ID: r.ID, Name: r.Name, Response: resp}
	}
	if err := c.writeJSON(ctx, toolResponseMessage{ToolResponse: toolResponse{FunctionResponses: frs}}); err != nil {
		if c.isClosed() {
			return remote.ErrClosed
		}
		return fmt.Errorf("gemini: send tool response: %w", err)
	}
	return nil
}

// Close terminates the channel and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()    // unblocks receiveLoop and pings
	close(c.done) // releases a blocked emitter and keepaliveLoop
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
