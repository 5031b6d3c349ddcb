// Package openai implements the OpenAI Realtime API as a services.Provider.
// Audio travels as G.711 μ-law in both directions, so no resampling is needed.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/services"
)

// ErrMissingAPIKey is returned by NewProvider without an API key
var ErrMissingAPIKey = errors.New("openai: API key is required")

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultVoice              = "alloy"
	defaultTranscriptionModel = "whisper-1"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
)

// Config holds configuration for the OpenAI Realtime provider
type Config struct {
	APIKey             string
	Model              string // e.g., "gpt-4o-realtime-preview"
	Voice              string // e.g., "alloy", "verse"
	Instructions       string
	TranscriptionModel string // Caller transcription, default "whisper-1"
	URL                string // Overrides the realtime endpoint
}

// Provider dials the OpenAI Realtime API
type Provider struct {
	config Config
	dialer *websocket.Dialer
}

// NewProvider creates a new OpenAI Realtime provider
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Voice == "" {
		config.Voice = defaultVoice
	}
	if config.TranscriptionModel == "" {
		config.TranscriptionModel = defaultTranscriptionModel
	}
	if config.URL == "" {
		config.URL = defaultBaseURL + "?" + url.Values{"model": {config.Model}}.Encode()
	}
	return &Provider{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "openai"
}

// Dial opens a websocket to the realtime endpoint
func (p *Provider) Dial(ctx context.Context) (services.Conn, error) {
	header := http.Header{
		"Authorization": {"Bearer " + p.config.APIKey},
		"OpenAI-Beta":   {"realtime=v1"},
	}
	ws, _, err := p.dialer.DialContext(ctx, p.config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to OpenAI Realtime: %w", err)
	}
	return &conn{
		ws:     ws,
		config: p.config,
		log:    logger.WithPrefix("OpenAIRealtime"),
	}, nil
}

type conn struct {
	ws      *websocket.Conn
	config  Config
	writeMu sync.Mutex // Protects concurrent WebSocket writes
	log     *logger.Logger
}

func (c *conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Configure sends session.update. The server answers with session.updated.
func (c *conn) Configure(ctx context.Context) error {
	update := map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"modalities":          []string{"audio", "text"},
			"instructions":        c.config.Instructions,
			"voice":               c.config.Voice,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]string{
				"model": c.config.TranscriptionModel,
			},
			"turn_detection": map[string]string{
				"type": "server_vad",
			},
		},
	}
	if err := c.writeJSON(update); err != nil {
		return fmt.Errorf("failed to send session.update: %w", err)
	}
	return nil
}

func (c *conn) SendAudio(mulaw []byte) error {
	return c.writeJSON(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(mulaw),
	})
}

// EndTurn commits the buffered caller audio and asks for a response
func (c *conn) EndTurn() error {
	if err := c.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{"type": "response.create"})
}

// serverEvent covers the fields of the server events the bridge uses
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *conn) Receive() ([]services.Event, error) {
	_, message, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", services.ErrRemoteClosed, err)
		}
		return nil, err
	}

	var ev serverEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		c.log.Warn("Error parsing server event: %v", err)
		return nil, nil
	}
	return c.translate(ev), nil
}

func (c *conn) translate(ev serverEvent) []services.Event {
	switch ev.Type {
	case "session.updated":
		return []services.Event{{Kind: services.EventReady}}

	case "response.audio.delta", "response.output_audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.log.Warn("Error decoding audio delta: %v", err)
			return nil
		}
		return []services.Event{{Kind: services.EventAudio, Audio: audio}}

	case "input_audio_buffer.speech_started":
		return []services.Event{{Kind: services.EventInterrupted}}

	case "response.done":
		return []services.Event{{Kind: services.EventTurnComplete}}

	case "conversation.item.input_audio_transcription.completed":
		return []services.Event{{Kind: services.EventTranscript, Role: services.RoleUser, Text: ev.Transcript}}

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return []services.Event{{Kind: services.EventTranscript, Role: services.RoleAssistant, Text: ev.Transcript}}

	case "error":
		msg := "unknown error"
		if ev.Error != nil {
			msg = fmt.Sprintf("%s (%s)", ev.Error.Message, ev.Error.Code)
		}
		return []services.Event{{Kind: services.EventError, Err: errors.New(msg)}}
	}
	return nil
}

func (c *conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
