package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dictum/internal/observe"
	"github.com/MrWong99/dictum/internal/pipeline"
	"github.com/MrWong99/dictum/pkg/audio"
	"github.com/MrWong99/dictum/pkg/audio/opus"
)

// captureReadLimit bounds a single binary message: one second of 48 kHz
// stereo PCM16.
const captureReadLimit = 48000 * 2 * 2

// Capture message types.
const (
	msgStart  = "start"
	msgStop   = "stop"
	msgCancel = "cancel"
	msgStatus = "status"
	msgAck    = "ack"
	msgError  = "error"
)

// clientMessage is a JSON command sent by a capture client.
type clientMessage struct {
	Type   string `json:"type"`
	Polish *bool  `json:"polish,omitempty"`
}

// serverMessage is a JSON message pushed to a capture client.
type serverMessage struct {
	Type     string           `json:"type"`
	Status   *pipeline.Status `json:"status,omitempty"`
	Command  string           `json:"command,omitempty"`
	Accepted *bool            `json:"accepted,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// decodeFunc turns one binary message into mono samples at the server rate.
type decodeFunc func([]byte) ([]float32, error)

// newDecoder builds the per-connection decoder from the query parameters
// codec (pcm16 or opus), rate and channels.
func (s *Server) newDecoder(r *http.Request) (decodeFunc, error) {
	q := r.URL.Query()
	channels := 1
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 2 {
			return nil, errors.New("channels must be 1 or 2")
		}
		channels = n
	}

	switch codec := q.Get("codec"); codec {
	case "", "pcm16":
		rate := s.sampleRate
		if v := q.Get("rate"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, errors.New("rate must be a positive integer")
			}
			rate = n
		}
		conv := &audio.FormatConverter{TargetRate: s.sampleRate}
		return func(b []byte) ([]float32, error) {
			return conv.Convert(audio.Frame{Data: b, SampleRate: rate, Channels: channels}), nil
		}, nil
	case "opus":
		dec, err := opus.NewDecoder(channels, s.sampleRate)
		if err != nil {
			return nil, err
		}
		return dec.Decode, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

// handleCapture handles GET /v1/capture. Binary messages carry audio, text
// messages carry JSON commands, and every pipeline status change is pushed
// back as a status message. Closing the socket does not end a recording.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	decode, err := s.newDecoder(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context(), s.log).Warn("capture: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(captureReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := observe.Logger(ctx, s.log)

	s.metrics.CaptureClients.Add(ctx, 1)
	defer s.metrics.CaptureClients.Add(context.WithoutCancel(ctx), -1)
	log.Info("capture client connected", "remote", r.RemoteAddr, "codec", r.URL.Query().Get("codec"))

	updates, unsubscribe := s.ctl.Subscribe()
	defer unsubscribe()

	st := s.ctl.Status()
	if err := writeMessage(ctx, conn, serverMessage{Type: msgStatus, Status: &st}); err != nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case st := <-updates:
				if err := writeMessage(gctx, conn, serverMessage{Type: msgStatus, Status: &st}); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		var dropped int
		for {
			typ, data, err := conn.Read(gctx)
			if err != nil {
				if dropped > 0 {
					log.Debug("capture: audio received while idle was dropped", "messages", dropped)
				}
				return err
			}
			if typ == websocket.MessageBinary {
				samples, err := decode(data)
				if err != nil {
					log.Warn("capture: decode failed", "err", err)
					continue
				}
				if len(samples) > 0 && !s.sink.Write(samples) {
					dropped++
				}
				continue
			}
			reply := s.handleCommand(gctx, data)
			if err := writeMessage(gctx, conn, reply); err != nil {
				return err
			}
		}
	})

	err = g.Wait()
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("capture client disconnected")
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("capture connection ended", "err", err)
		}
	}
}

// handleCommand executes one JSON command and builds its reply.
func (s *Server) handleCommand(ctx context.Context, data []byte) serverMessage {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverMessage{Type: msgError, Error: "invalid command: " + err.Error()}
	}

	var (
		accepted bool
		err      error
	)
	switch msg.Type {
	case msgStart:
		var opts []pipeline.StartOption
		if msg.Polish != nil {
			opts = append(opts, pipeline.WithPolish(*msg.Polish))
		}
		accepted, err = s.ctl.StartRecording(ctx, opts...)
	case msgStop:
		accepted, err = s.ctl.StopAndTranscribe(ctx)
	case msgCancel:
		accepted, err = s.ctl.CancelRecording(ctx)
	default:
		return serverMessage{Type: msgError, Command: msg.Type, Error: "unknown command"}
	}
	if err != nil {
		return serverMessage{Type: msgError, Command: msg.Type, Error: err.Error()}
	}
	return serverMessage{Type: msgAck, Command: msg.Type, Accepted: &accepted}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("capture: marshal message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
