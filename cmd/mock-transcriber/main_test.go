package main

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/logging"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/transcription"
)

func newMockServer(t *testing.T, failEvery uint64) (*mockTranscriber, *httptest.Server) {
	t.Helper()
	mock := &mockTranscriber{
		logger:    logging.Discard(),
		text:      "hello",
		language:  "en",
		failEvery: failEvery,
	}
	srv := httptest.NewServer(mock.handler())
	t.Cleanup(srv.Close)
	return mock, srv
}

func newClient(t *testing.T, endpoint, format string) *transcription.Client {
	t.Helper()
	client, err := transcription.NewClient(transcription.Config{
		Endpoint:     endpoint,
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		OutputFormat: format,
		BackoffBase:  time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestMockAnswersTranscriptionClient(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"json", "hello (0.50s)"},
		{"text", "hello (0.50s)"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			_, srv := newMockServer(t, 0)
			client := newClient(t, srv.URL+"/transcribe", tt.format)

			resp, err := client.Transcribe(context.Background(), &transcription.Request{
				SessionID:  "s1",
				WindowID:   "s1-0",
				Samples:    make([]int16, 8000),
				SampleRate: 16000,
			})
			if err != nil {
				t.Fatalf("Transcribe failed: %v", err)
			}
			if resp.Text != tt.want {
				t.Errorf("Expected text %q, got %q", tt.want, resp.Text)
			}
			if resp.WindowID != "s1-0" {
				t.Errorf("Expected window s1-0, got %q", resp.WindowID)
			}
		})
	}
}

func TestMockInjectedFailureIsRetried(t *testing.T) {
	mock, srv := newMockServer(t, 1)
	client := newClient(t, srv.URL+"/transcribe", "json")

	_, err := client.Transcribe(context.Background(), &transcription.Request{
		WindowID:   "w",
		Samples:    make([]int16, 160),
		SampleRate: 16000,
	})
	if err == nil {
		t.Fatal("Expected error when every request fails")
	}
	if got := mock.requests.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if stats := client.GetStats(); stats.TotalRetries != 2 {
		t.Errorf("Expected 2 retries, got %d", stats.TotalRetries)
	}
}

func TestMockRejectsInvalidUploads(t *testing.T) {
	_, srv := newMockServer(t, 0)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreateFormFile("file", "bad.wav")
	part.Write([]byte("not a wav file"))
	writer.Close()

	tests := []struct {
		name   string
		method string
		body   *bytes.Buffer
		ctype  string
		status int
	}{
		{"wrong method", http.MethodGet, &bytes.Buffer{}, "", http.StatusMethodNotAllowed},
		{"not multipart", http.MethodPost, bytes.NewBufferString("x"), "text/plain", http.StatusBadRequest},
		{"invalid wav", http.MethodPost, &buf, writer.FormDataContentType(), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+"/transcribe", tt.body)
			if err != nil {
				t.Fatalf("Failed to build request: %v", err)
			}
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestPortSuffix(t *testing.T) {
	tests := map[string]string{
		":8082":          ":8082",
		"127.0.0.1:9000": ":9000",
		"bad":            "",
	}
	for addr, want := range tests {
		if got := portSuffix(addr); got != want {
			t.Errorf("portSuffix(%q) = %q, want %q", addr, got, want)
		}
	}
}
