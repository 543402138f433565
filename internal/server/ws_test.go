package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/audio"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/config"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/logging"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/metrics"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/protocol"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/stream"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/transcription"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/transport"
)

type testEnv struct {
	cfg     *config.Config
	mgr     *stream.Manager
	ws      *WSServer
	srv     *httptest.Server
	url     string
	metrics *metrics.Metrics
}

// newTestEnv starts a websocket server on an httptest listener
func newTestEnv(t *testing.T, mutate func(cfg *config.Config), tr transcription.Transcriber) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1"
	if mutate != nil {
		mutate(cfg)
	}

	m := metrics.NewMetrics(nil)
	mgr := stream.NewManager(logging.Discard(), m, stream.ConfigFromApp(cfg, tr))
	ws := NewWSServer(&cfg.Server, logging.Discard(), mgr, m)
	srv := httptest.NewServer(ws.Handler())

	t.Cleanup(func() {
		mgr.Stop()
		srv.Close()
	})

	return &testEnv{
		cfg:     cfg,
		mgr:     mgr,
		ws:      ws,
		srv:     srv,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Server.Path,
		metrics: m,
	}
}

func dialTest(t *testing.T, url string) *transport.Client {
	t.Helper()
	client, err := transport.Dial(context.Background(), transport.Config{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
	}, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// collector gathers subtitles delivered by a transport client
type collector struct {
	mu   sync.Mutex
	msgs []protocol.Message
	ch   chan struct{}
}

func newCollector(client *transport.Client) *collector {
	c := &collector{ch: make(chan struct{}, 64)}
	client.OnSubtitle(func(msg protocol.Message) {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
		c.ch <- struct{}{}
	})
	return c
}

func (c *collector) wait(t *testing.T, n int) []protocol.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("Timed out waiting for subtitle %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.msgs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPlaceholderBackendAnswersEveryFrame(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client := dialTest(t, env.url)
	subs := newCollector(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	for i := 0; i < 3; i++ {
		pkt := &audio.Packet{Samples: make([]int16, 4000), SampleRate: 16000}
		if err := client.SendPacket(ctx, pkt); err != nil {
			t.Fatalf("SendPacket failed: %v", err)
		}
	}

	msgs := subs.wait(t, 3)
	for _, msg := range msgs {
		if msg.Kind != protocol.KindText || msg.Subtitle() != env.cfg.Server.PlaceholderText {
			t.Errorf("Expected placeholder text, got %+v", msg)
		}
	}

	sessions := env.mgr.GetAllSessions()
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	// Counters are updated right after each write
	waitFor(t, "session counters", func() bool { return sessions[0].GetSessionInfo().ResultsSent == 3 })

	stats := env.ws.GetStatistics()
	if stats.FramesReceived != 3 || stats.BytesReceived != 3*8000 || stats.ResultsSent != 3 {
		t.Errorf("Unexpected statistics: %+v", stats)
	}
	if env.ws.TranscriptionStats().TotalRequests != 3 {
		t.Errorf("Expected 3 placeholder requests, got %+v", env.ws.TranscriptionStats())
	}

	if info := sessions[0].GetSessionInfo(); info.FramesReceived != 3 {
		t.Errorf("Unexpected session info: %+v", info)
	}
}

func TestPingIsEchoed(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client := dialTest(t, env.url)
	subs := newCollector(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	waitFor(t, "ping echo", func() bool { return client.Stats().PingsReceived == 1 })
	if client.RTT() <= 0 {
		t.Errorf("Expected positive RTT, got %v", client.RTT())
	}
	waitFor(t, "ping counter", func() bool { return env.ws.GetStatistics().PingsAnswered == 1 })

	subs.mu.Lock()
	defer subs.mu.Unlock()
	if len(subs.msgs) != 0 {
		t.Errorf("Ping echo must not be a subtitle, got %v", subs.msgs)
	}
}

func TestHTTPBackendSendsFinalResults(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transcription.Response{Text: "window " + r.FormValue("window_id")[len(r.FormValue("session_id"))+1:]})
	}))
	defer api.Close()

	client, err := transcription.NewClient(transcription.Config{
		Endpoint:    api.URL,
		Timeout:     2 * time.Second,
		BackoffBase: 5 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.Backend = config.BackendHTTP
		cfg.Server.WindowDuration = 0.1 // 1600 samples
	}, client)

	wsClient := dialTest(t, env.url)
	subs := newCollector(wsClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wsClient.Run(ctx)

	pkt := &audio.Packet{Samples: make([]int16, 4000), SampleRate: 16000}
	if err := wsClient.SendPacket(ctx, pkt); err != nil {
		t.Fatalf("SendPacket failed: %v", err)
	}

	msgs := subs.wait(t, 2)
	texts := map[string]bool{}
	for _, msg := range msgs {
		if msg.Kind != protocol.KindResult || msg.Result.Type != protocol.ResultFinal {
			t.Errorf("Expected final result, got %+v", msg)
		}
		texts[msg.Subtitle()] = true
	}
	if !texts["window 0"] || !texts["window 1"] {
		t.Errorf("Expected results for windows 0 and 1, got %v", texts)
	}

	if got := env.ws.TranscriptionStats().SuccessRequests; got != 2 {
		t.Errorf("Expected 2 successful transcriptions, got %d", got)
	}
}

func TestConnectionLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.MaxConnections = 1
	}, nil)

	dialTest(t, env.url)

	_, err := transport.Dial(context.Background(), transport.Config{
		URL:              env.url,
		HandshakeTimeout: 2 * time.Second,
	}, logging.Discard(), nil)
	if err == nil {
		t.Fatal("Expected second connection to be rejected")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("Expected 503 in error, got %v", err)
	}
	if env.ws.GetStatistics().ConnectionsRejected != 1 {
		t.Errorf("Expected 1 rejected connection, got %d", env.ws.GetStatistics().ConnectionsRejected)
	}
}

func TestInvalidFramesAreRejected(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.MaxFrameBytes = 1024
	}, nil)

	conn, _, err := websocket.DefaultDialer.Dial(env.url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	frames := [][]byte{
		{},
		{1, 2, 3},
		make([]byte, 2048),
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}

	waitFor(t, "rejected frames", func() bool { return env.ws.GetStatistics().FramesRejected == 3 })

	if env.ws.GetStatistics().FramesReceived != 0 {
		t.Errorf("Expected no accepted frames, got %d", env.ws.GetStatistics().FramesReceived)
	}

	// The connection stays usable after rejected frames
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 16)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(data) != env.cfg.Server.PlaceholderText {
		t.Errorf("Expected placeholder answer, got %q", data)
	}
}

func TestRootPathAcceptsConnections(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/"

	dialTest(t, url)
	waitFor(t, "session", func() bool { return env.mgr.GetActiveSessionCount() == 1 })
}

func TestClientDisconnectRemovesSession(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client := dialTest(t, env.url)

	waitFor(t, "session", func() bool { return env.mgr.GetActiveSessionCount() == 1 })
	client.Close()
	waitFor(t, "session removal", func() bool { return env.mgr.GetActiveSessionCount() == 0 })
}

func TestStopClosesClients(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = 0

	mgr := stream.NewManager(logging.Discard(), nil, stream.ConfigFromApp(cfg, nil))
	defer mgr.Stop()

	ws := NewWSServer(&cfg.Server, logging.Discard(), mgr, nil)
	if err := ws.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client := dialTest(t, "ws://"+ws.Addr()+cfg.Server.Path)
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	waitFor(t, "session", func() bool { return mgr.GetActiveSessionCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ws.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Expected clean close, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Client was not disconnected by Stop")
	}

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected no sessions after Stop, got %d", mgr.GetActiveSessionCount())
	}
}
