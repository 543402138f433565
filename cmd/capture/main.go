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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/audio"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/capture"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/config"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/logging"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/metrics"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/protocol"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/transport"
)

const stdinInput = "-"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	input := flag.String("input", stdinInput, "WAV file to stream, or - for raw float32le mono samples on stdin")
	realtime := flag.Bool("realtime", false, "Pace blocks at the sample rate like a live capture device")
	serverURL := flag.String("url", "", "Subtitle server websocket URL override")
	linger := flag.Duration("linger", 2*time.Second, "Time to wait for trailing subtitles after the last packet")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Transport.URL = *serverURL
	}

	// Subtitles own stdout
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	if err := run(cfg, logger, *input, *realtime, *linger); err != nil {
		logger.Error("Capture failed", slog.String("error", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	cfg := config.Default()
	if err := config.LoadEnvFile(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSource returns the audio source for input. WAV files must already be
// at the capture sample rate.
func openSource(input string, sampleRate int) (capture.Source, error) {
	if input == stdinInput {
		return capture.NewFloat32Source(os.Stdin), nil
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", input, err)
	}

	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", input, err)
	}

	if clip.SampleRate != sampleRate {
		return nil, fmt.Errorf("%s is %d Hz, capture expects %d Hz", input, clip.SampleRate, sampleRate)
	}

	return capture.NewClipSource(clip), nil
}

func run(cfg *config.Config, logger *slog.Logger, input string, realtime bool, linger time.Duration) error {
	src, err := openSource(input, cfg.Capture.SampleRate)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(nil)

	client, err := transport.Dial(ctx, transport.ConfigFromTransport(cfg.Transport), logger, m)
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnSubtitle(func(msg protocol.Message) {
		if text := msg.Subtitle(); text != "" {
			fmt.Println(text)
		}
	})

	session := capture.NewSession(uuid.NewString(), capture.ConfigFromCapture(cfg.Capture), client, logger, m)

	err = streamAudio(ctx, client, session, src, streamOptions{
		Feed: capture.FeedOptions{
			BlockSize:  cfg.Capture.BlockSize,
			SampleRate: cfg.Capture.SampleRate,
			Realtime:   realtime,
		},
		StopTimeout: cfg.Capture.GetStopTimeoutDuration(),
		Linger:      linger,
	}, logger)

	sessionStats := session.Stats()
	clientStats := client.Stats()
	logger.Info("Capture statistics",
		slog.Uint64("blocks_processed", sessionStats.Packetizer.BlocksProcessed),
		slog.Uint64("packets_emitted", sessionStats.Packetizer.PacketsEmitted),
		slog.Uint64("packets_sent", sessionStats.PacketsSent),
		slog.Uint64("packets_dropped", sessionStats.PacketsDropped),
		slog.Uint64("subtitles_received", clientStats.SubtitlesReceived),
		slog.Duration("last_rtt", clientStats.LastRTT),
	)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// streamOptions controls one capture run
type streamOptions struct {
	Feed        capture.FeedOptions
	StopTimeout time.Duration
	Linger      time.Duration // wait for trailing subtitles after a complete input
}

// streamAudio feeds src into session until the source ends or ctx is done,
// stops the session and closes the client. The transport runs on its own
// context: an interrupt ends the feed, but the stop packet is still sent
// before the connection is closed.
func streamAudio(ctx context.Context, client *transport.Client, session *capture.Session, src capture.Source, opts streamOptions, logger *slog.Logger) error {
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return client.Run(gctx)
	})

	g.Go(func() error {
		// A lost connection ends the feed as well
		feedCtx, cancelFeed := context.WithCancel(ctx)
		defer cancelFeed()
		stopWatch := context.AfterFunc(gctx, cancelFeed)
		defer stopWatch()

		samples, feedErr := capture.Feed(feedCtx, session, src, opts.Feed)

		stopCtx, cancel := stopContext(opts.StopTimeout)
		stopErr := session.Stop(stopCtx)
		cancel()

		var audioLength time.Duration
		if opts.Feed.SampleRate > 0 {
			audioLength = time.Duration(samples) * time.Second / time.Duration(opts.Feed.SampleRate)
		}
		logger.Info("Input finished",
			slog.Int("samples", samples),
			slog.Duration("audio", audioLength),
		)

		if feedErr == nil && stopErr == nil && opts.Linger > 0 {
			select {
			case <-time.After(opts.Linger):
			case <-ctx.Done():
			case <-gctx.Done():
			}
		}

		client.Close()

		if feedErr != nil && !errors.Is(feedErr, context.Canceled) {
			return feedErr
		}
		return stopErr
	})

	return g.Wait()
}

// stopContext bounds the session drain; zero waits until it completes
func stopContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
