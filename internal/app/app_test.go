package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/companion/internal/app"
	"github.com/MrWong99/companion/internal/config"
	"github.com/MrWong99/companion/internal/observe"
	"github.com/MrWong99/companion/internal/permissions"
	"github.com/MrWong99/companion/internal/session"
	"github.com/MrWong99/companion/internal/toolcall/mcpbridge"
	audiomock "github.com/MrWong99/companion/pkg/audio/mock"
	"github.com/MrWong99/companion/pkg/remote"
	remotemock "github.com/MrWong99/companion/pkg/remote/mock"
	videomock "github.com/MrWong99/companion/pkg/video/mock"
)

// fakeTools is an in-memory ToolHost.
type fakeTools struct {
	mu     sync.Mutex
	decls  []remote.ToolDeclaration
	calls  []string
	closed int
}

func (f *fakeTools) ExecuteTool(_ context.Context, name string, _ map[string]any) (mcpbridge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return mcpbridge.Result{Content: "sunny"}, nil
}

func (f *fakeTools) Declarations() []remote.ToolDeclaration { return f.decls }

func (f *fakeTools) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func testConfig() *config.Config {
	retries := 0
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Remote: config.RemoteConfig{
			Provider:     config.ProviderEntry{Name: "mock", APIKey: "k"},
			Instructions: "be brief",
			OpenTimeout:  time.Second,
			OpenRetries:  &retries,
		},
		Audio: config.AudioConfig{CaptureBufferSize: 1024},
	}
}

type fixture struct {
	app   *app.App
	prov  *remotemock.Provider
	tools *fakeTools
}

func newFixture(t *testing.T, tools []remote.ToolDeclaration) *fixture {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := &fixture{
		prov:  &remotemock.Provider{AutoOpen: true},
		tools: &fakeTools{decls: tools},
	}
	a, err := app.New(t.Context(), testConfig(), nil,
		app.Devices{Input: &audiomock.Input{}, Output: &audiomock.Output{}, Video: &videomock.Device{}},
		app.WithProvider(f.prov),
		app.WithToolHost(f.tools),
		app.WithMetrics(met),
		app.WithPermissions(permissions.Static{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresAudioDevices(t *testing.T) {
	t.Parallel()
	_, err := app.New(t.Context(), testConfig(), nil, app.Devices{}, app.WithToolHost(&fakeTools{}))
	if err == nil {
		t.Fatal("New = nil error; want missing device error")
	}
}

func TestNew_UnregisteredProvider(t *testing.T) {
	t.Parallel()
	_, err := app.New(t.Context(), testConfig(), config.NewRegistry(),
		app.Devices{Input: &audiomock.Input{}, Output: &audiomock.Output{}},
		app.WithToolHost(&fakeTools{}),
	)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("New = %v; want ErrProviderNotRegistered", err)
	}
}

func TestNew_ConnectUsesConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []remote.ToolDeclaration{{Name: "weather", Description: "forecast"}})

	if err := f.app.Manager().Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cfg := f.prov.OpenCalls[0].Cfg
	if cfg.Instructions != "be brief" {
		t.Errorf("Instructions = %q; want be brief", cfg.Instructions)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "weather" {
		t.Errorf("Tools = %+v; want weather", cfg.Tools)
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("transcription should default to enabled")
	}
}

// ─── Tools ───────────────────────────────────────────────────────────────────

func TestApp_ToolCallsReachHost(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []remote.ToolDeclaration{{Name: "weather"}})
	if err := f.app.Manager().Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch := f.prov.Last()

	ch.Message(&remote.Message{ToolCalls: []remote.FunctionCall{{ID: "c1", Name: "weather"}}})

	deadline := time.Now().Add(2 * time.Second)
	for len(ch.ToolResponses()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no tool response sent")
		}
		time.Sleep(2 * time.Millisecond)
	}
	resp := ch.ToolResponses()[0][0]
	if resp.ID != "c1" || resp.Response["output"] != "sunny" {
		t.Errorf("response = %+v; want c1 -> sunny", resp)
	}
}

// ─── Config mapping ──────────────────────────────────────────────────────────

func TestSessionConfig(t *testing.T) {
	t.Parallel()
	off := false
	retries := 5
	cfg := testConfig()
	cfg.Remote.ResponseModality = config.ModalityText
	cfg.Remote.Voice = "Puck"
	cfg.Remote.OutputTranscription = &off
	cfg.Remote.OpenRetries = &retries
	cfg.Audio.QueueSize = 7
	cfg.Activity.Interval = 20 * time.Millisecond

	got := app.SessionConfig(cfg, nil)
	if got.Remote.Modality != remote.ModalityText || got.Remote.Voice != "Puck" {
		t.Errorf("Remote = %+v", got.Remote)
	}
	if !got.Remote.InputTranscription || got.Remote.OutputTranscription {
		t.Errorf("transcription = %v/%v; want true/false", got.Remote.InputTranscription, got.Remote.OutputTranscription)
	}
	if got.Retry.MaxRetries != 5 || got.Retry.Backoff != session.DefaultRetryPolicy().Backoff {
		t.Errorf("Retry = %+v", got.Retry)
	}
	if got.QueueSize != 7 || got.CaptureBufferSize != 1024 || got.ActivityInterval != 20*time.Millisecond {
		t.Errorf("session config = %+v", got)
	}

	cfg.Remote.OpenRetries = nil
	if got := app.SessionConfig(cfg, nil).Retry.MaxRetries; got != session.DefaultRetryPolicy().MaxRetries {
		t.Errorf("default MaxRetries = %d; want %d", got, session.DefaultRetryPolicy().MaxRetries)
	}
}

func TestVideoOptions(t *testing.T) {
	t.Parallel()
	if n := len(app.VideoOptions(config.VideoConfig{})); n != 0 {
		t.Errorf("options for zero config = %d; want 0", n)
	}
	vc := config.VideoConfig{Interval: time.Second, JPEGQuality: 0.5, CameraDevice: "/dev/video1", ScreenDevice: ":1"}
	if n := len(app.VideoOptions(vc)); n != 4 {
		t.Errorf("options = %d; want 4", n)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v; want %v", in, got, want)
		}
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestApp_ApplyConfigSwitchesProvider(t *testing.T) {
	t.Parallel()
	first := &remotemock.Provider{AutoOpen: true, ProviderName: "first"}
	second := &remotemock.Provider{AutoOpen: true, ProviderName: "second"}
	reg := config.NewRegistry()
	reg.Register("mock", func(config.ProviderEntry) (remote.Provider, error) { return first, nil })
	reg.Register("other", func(config.ProviderEntry) (remote.Provider, error) { return second, nil })

	var level slog.LevelVar
	a, err := app.New(t.Context(), testConfig(), reg,
		app.Devices{Input: &audiomock.Input{}, Output: &audiomock.Output{}},
		app.WithToolHost(&fakeTools{}),
		app.WithPermissions(permissions.Static{}),
		app.WithLogLevel(&level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Shutdown(context.Background()) }()

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Remote.Provider.Name = "other"
	next.Remote.Instructions = "be verbose"
	a.ApplyConfig(testConfig(), next, config.Diff(testConfig(), next))

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v; want debug", level.Level())
	}
	if err := a.Manager().Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if first.OpenCount() != 0 || second.OpenCount() != 1 {
		t.Errorf("opens first/second = %d/%d; want 0/1", first.OpenCount(), second.OpenCount())
	}
	if got := second.OpenCalls[0].Cfg.Instructions; got != "be verbose" {
		t.Errorf("Instructions = %q; want be verbose", got)
	}
}

// ─── Status server ───────────────────────────────────────────────────────────

func TestApp_Handler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/state":   http.StatusOK,
		"/metrics": http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d; want %d", path, resp.StatusCode, want)
		}
	}

	resp, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	defer resp.Body.Close()
	var st struct {
		Phase     string `json:"phase"`
		Connected bool   `json:"connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Phase != "idle" || st.Connected {
		t.Errorf("state = %+v; want idle", st)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.app.Config().Server.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v; want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestApp_ShutdownDisconnectsAndCloses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := f.app.Manager().Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	if !f.prov.Last().Closed() {
		t.Error("remote channel left open")
	}
	if f.app.Manager().Snapshot().Connected {
		t.Error("still connected after Shutdown")
	}
	if f.tools.closed != 1 {
		t.Errorf("tool host Close calls = %d; want 1", f.tools.closed)
	}
}

func TestNew_FallbackProviders(t *testing.T) {
	t.Parallel()
	primary := &remotemock.Provider{ProviderName: "primary", OpenErr: errors.New("connection refused")}
	backup := &remotemock.Provider{ProviderName: "backup", AutoOpen: true}
	reg := config.NewRegistry()
	reg.Register("mock", func(config.ProviderEntry) (remote.Provider, error) { return primary, nil })
	reg.Register("backup", func(config.ProviderEntry) (remote.Provider, error) { return backup, nil })

	cfg := testConfig()
	cfg.Remote.Fallbacks = []config.ProviderEntry{{Name: "backup"}}
	a, err := app.New(t.Context(), cfg, reg,
		app.Devices{Input: &audiomock.Input{}, Output: &audiomock.Output{}},
		app.WithToolHost(&fakeTools{}),
		app.WithPermissions(permissions.Static{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Shutdown(context.Background()) }()

	if err := a.Manager().Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if primary.OpenCount() != 1 || backup.OpenCount() != 1 {
		t.Errorf("opens primary/backup = %d/%d; want 1/1", primary.OpenCount(), backup.OpenCount())
	}
	if !a.Manager().Snapshot().Connected {
		t.Error("not connected through the fallback")
	}
}

func TestNew_NotesTools(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MCP.NotesDir = filepath.Join(t.TempDir(), "notes")
	prov := &remotemock.Provider{AutoOpen: true}

	a, err := app.New(t.Context(), cfg, nil,
		app.Devices{Input: &audiomock.Input{}, Output: &audiomock.Output{}},
		app.WithProvider(prov),
		app.WithPermissions(permissions.Static{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Shutdown(context.Background()) }()

	if err := a.Manager().Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var names []string
	for _, d := range prov.OpenCalls[0].Cfg.Tools {
		names = append(names, d.Name)
	}
	if got := strings.Join(names, ","); got != "list_notes,read_note,save_note" {
		t.Errorf("declared tools = %s; want the note tools", got)
	}
}
