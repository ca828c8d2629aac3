package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/kestrelvoice/kestrel/pkg/adapters/tts"
	"github.com/kestrelvoice/kestrel/pkg/resilience"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string // pcm_8000 for the telephony path
	SampleRate   int
	StreamID     string
	CallSID      string
}

// ElevenLabsTTS synthesizes speech over the stream-input websocket. Each
// Synthesize call opens its own connection so that cancelling the
// context tears down exactly that synthesis and nothing else.
type ElevenLabsTTS struct {
	cfg Config
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_8000"
	}
	return &ElevenLabsTTS{cfg: cfg}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Synthesize(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return nil, errors.New("missing elevenlabs config")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		out := make(chan tts.Chunk)
		close(out)
		return out, nil
	}

	u := s.buildURL()
	slog.Debug("connecting to ElevenLabs",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("output_format", s.cfg.OutputFormat))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			slog.Error("ElevenLabs rate limit exceeded",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("status", resp.Status))
			return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		slog.Error("failed to connect to ElevenLabs",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return nil, err
	}

	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	init := map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}
	for _, payload := range []map[string]any{
		init,
		{"text": text},
		{"text": ""}, // end of input, flush generation
	} {
		b, err := json.Marshal(payload)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			conn.Close()
			return nil, err
		}
	}

	out := make(chan tts.Chunk, 8)
	go s.readLoop(ctx, conn, out)
	return out, nil
}

func (s *ElevenLabsTTS) Close() error { return nil }

func (s *ElevenLabsTTS) buildURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

func (s *ElevenLabsTTS) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- tts.Chunk) {
	defer close(out)
	defer conn.Close()

	// Unblock ReadMessage when the consumer cancels mid-stream.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("tts synthesis cancelled",
					slog.String("stream_id", s.cfg.StreamID))
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			slog.Error("tts read error",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("error", err.Error()))
			select {
			case out <- tts.Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("tts websocket raw data", "data", string(data))
			continue
		}
		if final, _ := msg["isFinal"].(bool); final {
			return
		}
		audio, ok := msg["audio"].(string)
		if !ok || audio == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(audio)
		if err != nil {
			slog.Error("tts audio decode error", "error", err)
			continue
		}
		slog.Debug("tts audio chunk received",
			slog.String("stream_id", s.cfg.StreamID),
			slog.Int("size_bytes", len(raw)))
		select {
		case out <- tts.Chunk{PCM: raw}:
		case <-ctx.Done():
			return
		}
	}
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
