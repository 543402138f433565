// Command mock-transcriber is a stand-in transcription API for local runs of
// the subtitle server with the http backend. It accepts the multipart WAV
// upload of the transcription client and answers with a canned transcript.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/audio"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/config"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/logging"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/transcription"
)

const maxUploadBytes = 10 << 20

type mockTranscriber struct {
	logger    *slog.Logger
	text      string
	language  string
	delay     time.Duration
	failEvery uint64 // every Nth request answers 503, 0 disables

	requests atomic.Uint64
}

func (m *mockTranscriber) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := m.requests.Add(1)
	if m.failEvery > 0 && n%m.failEvery == 0 {
		m.logger.Warn("Injected failure", slog.Uint64("request", n))
		http.Error(w, "Injected failure", http.StatusServiceUnavailable)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	wav, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(wav)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid WAV file: %v", err), http.StatusBadRequest)
		return
	}

	m.logger.Info("Transcription request received",
		slog.String("request_id", r.FormValue("request_id")),
		slog.String("session_id", r.FormValue("session_id")),
		slog.String("window_id", r.FormValue("window_id")),
		slog.String("filename", header.Filename),
		slog.Int("audio_bytes", len(wav)),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
		slog.Float64("duration", info.Duration),
	)

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-r.Context().Done():
			return
		}
	}

	text := fmt.Sprintf("%s (%.2fs)", m.text, info.Duration)

	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, text)
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = m.language
	}

	response := transcription.Response{
		SessionID:   r.FormValue("session_id"),
		WindowID:    r.FormValue("window_id"),
		Text:        text,
		Confidence:  0.95,
		Language:    language,
		Duration:    info.Duration,
		ProcessedAt: time.Now(),
		Segments: []transcription.Segment{
			{Start: 0, End: info.Duration, Text: text, Confidence: 0.95},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		m.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

func (m *mockTranscriber) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", m.handleTranscribe)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"requests": m.requests.Load(),
		})
	})
	return mux
}

func main() {
	addr := flag.String("addr", ":8082", "Listen address")
	text := flag.String("text", "mock transcript", "Transcript returned for every window")
	language := flag.String("language", "en", "Language reported when the request names none")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	failEvery := flag.Uint64("fail-every", 0, "Answer every Nth request with 503 (0 disables)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.NewWithWriter(config.LoggingConfig{Level: *logLevel, Format: "text"}, os.Stdout)

	mock := &mockTranscriber{
		logger:    logger,
		text:      *text,
		language:  *language,
		delay:     *delay,
		failEvery: *failEvery,
	}

	srv := &http.Server{
		Addr:        *addr,
		Handler:     mock.handler(),
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("Mock transcriber listening",
			slog.String("address", *addr),
			slog.String("endpoint", "http://localhost"+portSuffix(*addr)+"/transcribe"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("Mock transcriber stopped", slog.Uint64("requests", mock.requests.Load()))
}

// portSuffix returns ":port" of a listen address
func portSuffix(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return ":" + port
}
