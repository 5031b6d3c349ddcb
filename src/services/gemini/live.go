// Package gemini implements the Gemini Live API as a services.Provider.
//
// Gemini speaks 16-bit PCM: caller audio goes up at 16kHz and model audio
// comes back at 24kHz, so both directions are transcoded to and from 8kHz
// μ-law here.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/square-key-labs/strawgo-bridge/src/audio"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/services"
)

var (
	// ErrMissingAPIKey is returned by NewProvider without an API key or Vertex project
	ErrMissingAPIKey = errors.New("gemini: API key or Vertex AI project is required")

	errNotConnected = errors.New("gemini: session not configured")
)

const (
	defaultModel        = "gemini-2.0-flash-live-001"
	defaultVoice        = "Puck"
	defaultLocation     = "us-central1"
	cloudPlatformScope  = "https://www.googleapis.com/auth/cloud-platform"
	inputMIMEType       = "audio/pcm;rate=16000"
	defaultOutputRateHz = audio.SampleRate24k
)

// Config holds configuration for the Gemini Live provider
type Config struct {
	APIKey       string
	Model        string // e.g., "gemini-2.0-flash-live-001"
	Voice        string // Prebuilt voice name, e.g., "Puck", "Kore"
	Instructions string

	// Vertex AI backend, authenticated with application default credentials
	UseVertex bool
	Project   string
	Location  string

	BaseURL string // Overrides the API endpoint
}

// Provider dials the Gemini Live API
type Provider struct {
	config Config
	client *genai.Client
}

// NewProvider creates a genai client for the configured backend
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Voice == "" {
		config.Voice = defaultVoice
	}

	clientConfig := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{BaseURL: config.BaseURL},
	}
	if config.UseVertex {
		if config.Project == "" {
			return nil, ErrMissingAPIKey
		}
		if config.Location == "" {
			config.Location = defaultLocation
		}
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{cloudPlatformScope},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to find Google Cloud credentials: %w", err)
		}
		clientConfig.Backend = genai.BackendVertexAI
		clientConfig.Project = config.Project
		clientConfig.Location = config.Location
		clientConfig.Credentials = creds
	} else {
		if config.APIKey == "" {
			return nil, ErrMissingAPIKey
		}
		clientConfig.Backend = genai.BackendGeminiAPI
		clientConfig.APIKey = config.APIKey
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{config: config, client: client}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "gemini"
}

// Dial returns an unconfigured connection. The websocket is opened by
// Configure, which sends the Live setup message.
func (p *Provider) Dial(ctx context.Context) (services.Conn, error) {
	return &conn{
		client: p.client,
		config: p.config,
		log:    logger.WithPrefix("GeminiLive"),
	}, nil
}

type conn struct {
	client *genai.Client
	config Config
	log    *logger.Logger

	mu      sync.Mutex // Protects session and serializes writes
	session *genai.Session

	// Transcription fragments, flushed at the end of each turn
	userText  strings.Builder
	modelText strings.Builder
}

func (c *conn) Configure(ctx context.Context) error {
	session, err := c.client.Live.Connect(ctx, c.config.Model, c.connectConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to Gemini Live: %w", err)
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return nil
}

func (c *conn) connectConfig() *genai.LiveConnectConfig {
	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.config.Voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if c.config.Instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: c.config.Instructions}},
		}
	}
	return config
}

func (c *conn) SendAudio(mulaw []byte) error {
	pcm, err := toProviderAudio(mulaw)
	if err != nil {
		return err
	}
	return c.send(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: inputMIMEType},
	})
}

// EndTurn tells the server VAD that the caller's audio stream has paused
func (c *conn) EndTurn() error {
	return c.send(genai.LiveRealtimeInput{AudioStreamEnd: true})
}

func (c *conn) send(input genai.LiveRealtimeInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return errNotConnected
	}
	return c.session.SendRealtimeInput(input)
}

func (c *conn) Receive() ([]services.Event, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil, errNotConnected
	}

	msg, err := session.Receive()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", services.ErrRemoteClosed, err)
		}
		return nil, err
	}
	return c.translate(msg), nil
}

func (c *conn) translate(msg *genai.LiveServerMessage) []services.Event {
	var events []services.Event

	if msg.SetupComplete != nil {
		events = append(events, services.Event{Kind: services.EventReady})
	}
	if msg.GoAway != nil {
		c.log.Warn("Server will close the session in %v", msg.GoAway.TimeLeft)
	}

	content := msg.ServerContent
	if content == nil {
		return events
	}

	if content.Interrupted {
		events = append(events, services.Event{Kind: services.EventInterrupted})
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mulaw, err := fromProviderAudio(part.InlineData.Data, part.InlineData.MIMEType)
			if err != nil {
				c.log.Warn("Dropping model audio: %v", err)
				continue
			}
			events = append(events, services.Event{Kind: services.EventAudio, Audio: mulaw})
		}
	}
	if t := content.InputTranscription; t != nil {
		c.userText.WriteString(t.Text)
	}
	if t := content.OutputTranscription; t != nil {
		c.modelText.WriteString(t.Text)
	}
	if content.TurnComplete {
		events = append(events, c.flushTranscripts()...)
		events = append(events, services.Event{Kind: services.EventTurnComplete})
	}
	return events
}

func (c *conn) flushTranscripts() []services.Event {
	var events []services.Event
	if text := strings.TrimSpace(c.userText.String()); text != "" {
		events = append(events, services.Event{Kind: services.EventTranscript, Role: services.RoleUser, Text: text})
	}
	if text := strings.TrimSpace(c.modelText.String()); text != "" {
		events = append(events, services.Event{Kind: services.EventTranscript, Role: services.RoleAssistant, Text: text})
	}
	c.userText.Reset()
	c.modelText.Reset()
	return events
}

func (c *conn) Close() error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// toProviderAudio converts 8kHz μ-law to 16kHz little-endian PCM16
func toProviderAudio(mulaw []byte) ([]byte, error) {
	return audio.Resample(audio.MulawToPCM16(mulaw), audio.SampleRate8k, audio.SampleRate16k)
}

// fromProviderAudio converts PCM16 at the rate named in mimeType to 8kHz μ-law
func fromProviderAudio(pcm []byte, mimeType string) ([]byte, error) {
	down, err := audio.Resample(pcm, sampleRate(mimeType), audio.SampleRate8k)
	if err != nil {
		return nil, err
	}
	return audio.PCM16ToMulaw(down), nil
}

// sampleRate reads the rate parameter of an "audio/pcm;rate=N" MIME type
func sampleRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || key != "rate" {
			continue
		}
		if rate, err := strconv.Atoi(value); err == nil {
			return rate
		}
	}
	return defaultOutputRateHz
}
