// Package genai implements [remote.Provider] on top of the official Google
// Gen AI SDK's Live API client.
//
// It is an alternative to the raw WebSocket adapter in the gemini package
// that also works against Vertex AI, and lets the SDK own the wire format.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/companion/pkg/remote"
)

// Compile-time assertions.
var (
	_ remote.Provider = (*Provider)(nil)
	_ remote.Channel  = (*channel)(nil)
)

// Name is the registry name of this provider.
const Name = "genai-live"

const defaultModel = "gemini-2.0-flash-live-001"

// liveSession is the subset of *genai.Session the channel uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// connectFunc opens a live session.
type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Live model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.clientConfig.HTTPOptions.BaseURL = u }
}

// WithVertexAI switches the backend to Vertex AI in the given project and
// location. The API key is ignored; application default credentials apply.
func WithVertexAI(project, location string) Option {
	return func(p *Provider) {
		p.clientConfig.Backend = genai.BackendVertexAI
		p.clientConfig.Project = project
		p.clientConfig.Location = location
		p.clientConfig.APIKey = ""
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements remote.Provider using google.golang.org/genai.
type Provider struct {
	model        string
	clientConfig genai.ClientConfig

	mu      sync.Mutex
	connect connectFunc
}

// New creates a provider authenticating with apiKey against the Gemini API.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		model: defaultModel,
		clientConfig: genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements remote.Provider.
func (p *Provider) Name() string { return Name }

// connector returns the session opener, creating the SDK client on first use.
func (p *Provider) connector(ctx context.Context) (connectFunc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connect != nil {
		return p.connect, nil
	}
	cc := p.clientConfig
	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	p.connect = func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		return client.Live.Connect(ctx, model, cfg)
	}
	return p.connect, nil
}

// Open connects a Live session. The SDK completes the setup handshake
// before returning, so the channel emits [remote.EventOpened] immediately.
func (p *Provider) Open(ctx context.Context, cfg remote.Config) (remote.Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("genai: %w", err)
	}
	connect, err := p.connector(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := connect(ctx, p.model, BuildConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}
	return newChannel(sess), nil
}

// BuildConnectConfig translates cfg into the SDK's connect config.
func BuildConnectConfig(cfg remote.Config) *genai.LiveConnectConfig {
	modality := genai.ModalityAudio
	if cfg.Modality == remote.ModalityText {
		modality = genai.ModalityText
	}
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{modality},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
			}
			if t.Parameters != nil {
				decls[i].ParametersJsonSchema = t.Parameters
			}
		}
		lc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// ConvertServerMessage maps an SDK server message onto a channel message.
// It returns nil when msg carries nothing the session consumes.
func ConvertServerMessage(msg *genai.LiveServerMessage) *remote.Message {
	if msg == nil {
		return nil
	}
	out := &remote.Message{}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if b := part.InlineData; b != nil && strings.HasPrefix(b.MIMEType, "audio/") && len(b.Data) > 0 {
					out.Audio = append(out.Audio, remote.AudioChunk{
						MIMEType: b.MIMEType,
						Data:     base64.StdEncoding.EncodeToString(b.Data),
					})
				}
				if part.Text != "" && !part.Thought {
					out.Transcripts = append(out.Transcripts, remote.TranscriptDelta{Role: remote.RoleRemote, Text: part.Text})
				}
			}
		}
		if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
			out.Transcripts = append(out.Transcripts, remote.TranscriptDelta{Role: remote.RoleLocal, Text: tr.Text})
		}
		if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
			out.Transcripts = append(out.Transcripts, remote.TranscriptDelta{Role: remote.RoleRemote, Text: tr.Text})
		}
		out.TurnComplete = sc.TurnComplete
		out.Interrupted = sc.Interrupted
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			out.ToolCalls = append(out.ToolCalls, remote.FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	if out.Empty() {
		return nil
	}
	return out
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	sess   liveSession
	events *remote.Emitter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newChannel(sess liveSession) *channel {
	done := make(chan struct{})
	c := &channel{
		sess:   sess,
		events: remote.NewEmitter(remote.DefaultEventBuffer, done),
		done:   done,
	}
	go c.receiveLoop()
	return c
}

func (c *channel) receiveLoop() {
	defer c.events.Close()

	if !c.events.Opened() {
		return
	}
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.events.Error(fmt.Errorf("genai: receive: %w", err))
			return
		}
		if msg.GoAway != nil {
			slog.Info("genai: server announced disconnect")
		}
		if m := ConvertServerMessage(msg); m != nil {
			if !c.events.Message(m) {
				return
			}
		}
	}
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events implements remote.Channel.
func (c *channel) Events() <-chan remote.Event { return c.events.Events() }

// SendRealtimeInput implements remote.Channel.
func (c *channel) SendRealtimeInput(ctx context.Context, in remote.Input) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var ri genai.LiveRealtimeInput
	switch {
	case in.Audio != nil:
		ri.Audio = &genai.Blob{MIMEType: in.Audio.MIMEType, Data: in.Audio.Data}
	case in.Image != nil:
		ri.Video = &genai.Blob{MIMEType: in.Image.MIMEType, Data: in.Image.Data}
	default:
		return errors.New("genai: realtime input without media")
	}
	if err := c.sess.SendRealtimeInput(ri); err != nil {
		if c.isClosed() {
			return remote.ErrClosed
		}
		return fmt.Errorf("genai: send input: %w", err)
	}
	return nil
}

// SendToolResponse implements remote.Channel.
func (c *channel) SendToolResponse(ctx context.Context, responses []remote.FunctionResponse) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(responses) == 0 {
		return nil
	}
	frs := make([]*genai.FunctionResponse, len(responses))
	for i, r := range responses {
		frs[i] = &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	if err := c.sess.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: frs}); err != nil {
		if c.isClosed() {
			return remote.ErrClosed
		}
		return fmt.Errorf("genai: send tool response: %w", err)
	}
	return nil
}

// Close implements remote.Channel. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	if err := c.sess.Close(); err != nil {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
