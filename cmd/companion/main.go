// Command companion is the entry point for the realtime voice and vision
// companion. It connects the local microphone, speaker and camera to a live
// conversational model and drives the session from the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/companion/internal/app"
	"github.com/MrWong99/companion/internal/config"
	"github.com/MrWong99/companion/internal/observe"
	"github.com/MrWong99/companion/pkg/audio/oto"
	"github.com/MrWong99/companion/pkg/audio/portaudio"
	"github.com/MrWong99/companion/pkg/remote"
	"github.com/MrWong99/companion/pkg/remote/gemini"
	"github.com/MrWong99/companion/pkg/remote/genai"
	"github.com/MrWong99/companion/pkg/remote/openai"
	"github.com/MrWong99/companion/pkg/video/ffmpeg"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	autoConnect := flag.Bool("connect", true, "connect to the remote model on startup")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "companion: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "companion: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("companion starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Remote.Provider.Name,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg, buildDevices(cfg),
		app.WithTelemetry(tel),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	watcher.OnChange(application.ApplyConfig)

	printStartupSummary(cfg, reg)

	con := newConsole(application.Manager(), os.Stdin, os.Stdout)
	go con.printStates(ctx)
	go func() {
		con.readCommands(ctx)
		stop()
	}()
	if *autoConnect {
		go con.connect(ctx)
	}

	slog.Info("ready, type h for help or press Ctrl+C to quit")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the remote model factories that ship with
// companion into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("gemini-live", func(entry config.ProviderEntry) (remote.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if ka := entry.OptString("keepalive"); ka != "" {
			d, err := time.ParseDuration(ka)
			if err != nil {
				return nil, fmt.Errorf("keepalive: %w", err)
			}
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	// genai-live goes through the official SDK and is the only provider that
	// can target Vertex AI.
	reg.Register("genai-live", func(entry config.ProviderEntry) (remote.Provider, error) {
		var opts []genai.Option
		if entry.Model != "" {
			opts = append(opts, genai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(entry.BaseURL))
		}
		if project := entry.OptString("project"); project != "" {
			opts = append(opts, genai.WithVertexAI(project, entry.OptString("location")))
		}
		return genai.New(entry.APIKey, opts...), nil
	})

	reg.Register("openai-realtime", func(entry config.ProviderEntry) (remote.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if tm := entry.OptString("transcription_model"); tm != "" {
			opts = append(opts, openai.WithTranscriptionModel(tm))
		}
		return openai.New(entry.APIKey, opts...), nil
	})
}

// buildDevices constructs the local media backends. Nothing is opened
// before the first Connect.
func buildDevices(cfg *config.Config) app.Devices {
	var outOpts []oto.Option
	if cfg.Audio.OutputBuffer > 0 {
		outOpts = append(outOpts, oto.WithBufferSize(cfg.Audio.OutputBuffer))
	}
	d := app.Devices{
		Input:  portaudio.New(),
		Output: oto.New(outOpts...),
	}
	if !cfg.Video.Disabled {
		var vOpts []ffmpeg.Option
		if cfg.Video.FFmpegPath != "" {
			vOpts = append(vOpts, ffmpeg.WithBinary(cfg.Video.FFmpegPath))
		}
		d.Video = ffmpeg.New(vOpts...)
	}
	return d
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Companion, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", providerLabel(cfg.Remote.Provider))
	printRow("Modality", string(orDefault(cfg.Remote.ResponseModality, config.ModalityAudio)))
	if cfg.Video.Disabled {
		printRow("Video", "(disabled)")
	} else {
		printRow("Video", "camera / screen")
	}
	printRow("MCP servers", fmt.Sprint(len(cfg.MCP.Servers)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	printRow("Providers", fmt.Sprint(len(reg.Names())))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(p config.ProviderEntry) string {
	if p.Model == "" {
		return p.Name
	}
	return p.Name + " / " + p.Model
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
