package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/dictum/internal/pipeline"
	"github.com/MrWong99/dictum/pkg/audio"
)

type wsMessage struct {
	Type     string           `json:"type"`
	Status   *pipeline.Status `json:"status"`
	Command  string           `json:"command"`
	Accepted *bool            `json:"accepted"`
	Error    string           `json:"error"`
}

func dialCapture(t *testing.T, ctx context.Context, url, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/v1/capture" + query
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) wsMessage {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func sendCommand(t *testing.T, ctx context.Context, conn *websocket.Conn, cmd string) {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageText, []byte(cmd)); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func TestCapture_CommandsAndStatusPush(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctl := newFakeController()
	srv := newTestServer(t, ctl, &fakeSink{})
	conn := dialCapture(t, ctx, srv.URL, "")

	if msg := readMessage(t, ctx, conn); msg.Type != "status" || msg.Status == nil || msg.Status.State != pipeline.StateIdle {
		t.Fatalf("first message = %+v, want idle status", msg)
	}

	sendCommand(t, ctx, conn, `{"type":"start","polish":true}`)
	msg := readMessage(t, ctx, conn)
	if msg.Type != "ack" || msg.Command != "start" || msg.Accepted == nil || !*msg.Accepted {
		t.Fatalf("start reply = %+v", msg)
	}

	ctl.publish(pipeline.Status{State: pipeline.StateRecording, RecordingID: "rec-1"})
	msg = readMessage(t, ctx, conn)
	if msg.Type != "status" || msg.Status.State != pipeline.StateRecording || msg.Status.RecordingID != "rec-1" {
		t.Fatalf("pushed status = %+v", msg)
	}

	sendCommand(t, ctx, conn, `{"type":"cancel"}`)
	if msg := readMessage(t, ctx, conn); msg.Type != "ack" || msg.Command != "cancel" {
		t.Fatalf("cancel reply = %+v", msg)
	}

	sendCommand(t, ctx, conn, `{"type":"rewind"}`)
	if msg := readMessage(t, ctx, conn); msg.Type != "error" || msg.Command != "rewind" {
		t.Fatalf("unknown command reply = %+v", msg)
	}

	sendCommand(t, ctx, conn, `not json`)
	if msg := readMessage(t, ctx, conn); msg.Type != "error" {
		t.Fatalf("garbage reply = %+v", msg)
	}

	if calls := ctl.Calls(); len(calls) != 2 || calls[0] != "start" || calls[1] != "cancel" {
		t.Errorf("calls = %v", calls)
	}
	ctl.mu.Lock()
	if len(ctl.startOpt) != 1 || ctl.startOpt[0] != 1 {
		t.Errorf("start options = %v, want polish override", ctl.startOpt)
	}
	ctl.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestCapture_RejectedCommand(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctl := newFakeController()
	ctl.accept = false
	srv := newTestServer(t, ctl, &fakeSink{})
	conn := dialCapture(t, ctx, srv.URL, "")
	readMessage(t, ctx, conn)

	sendCommand(t, ctx, conn, `{"type":"stop"}`)
	msg := readMessage(t, ctx, conn)
	if msg.Type != "ack" || msg.Accepted == nil || *msg.Accepted {
		t.Fatalf("stop reply = %+v, want accepted=false", msg)
	}
}

func TestCapture_AudioReachesSink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		query       string
		pcm         []byte
		wantSamples int
	}{
		{
			name:        "mono at server rate",
			pcm:         audio.Float32ToPCM16(make([]float32, 1600)),
			wantSamples: 1600,
		},
		{
			name:        "stereo 48 kHz is downmixed and resampled",
			query:       "?rate=48000&channels=2",
			pcm:         make([]byte, 4800*2*2),
			wantSamples: 1600,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			sink := &fakeSink{active: true}
			srv := newTestServer(t, newFakeController(), sink)
			conn := dialCapture(t, ctx, srv.URL, tt.query)
			readMessage(t, ctx, conn)

			if err := conn.Write(ctx, websocket.MessageBinary, tt.pcm); err != nil {
				t.Fatalf("write audio: %v", err)
			}
			// A command round trip orders the audio write before the check.
			sendCommand(t, ctx, conn, `{"type":"cancel"}`)
			readMessage(t, ctx, conn)

			if got := sink.Samples(); got != tt.wantSamples {
				t.Errorf("sink received %d samples, want %d", got, tt.wantSamples)
			}
		})
	}
}

func TestCapture_BadQuery(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeController(), &fakeSink{})
	for _, q := range []string{"?codec=flac", "?channels=6", "?rate=0", "?codec=opus&channels=3"} {
		resp, err := http.Get(srv.URL + "/v1/capture" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestCapture_SubscribesPerConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctl := newFakeController()
	srv := newTestServer(t, ctl, &fakeSink{})
	conn := dialCapture(t, ctx, srv.URL, "")
	readMessage(t, ctx, conn)
	if n := ctl.subscribers(); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestCapture_DisabledWithoutSink(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeController(), nil)
	resp, err := http.Get(srv.URL + "/v1/capture")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
