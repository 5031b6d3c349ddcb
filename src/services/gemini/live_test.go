package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/square-key-labs/strawgo-bridge/src/audio"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/services"
)

func testConn() *conn {
	return &conn{config: Config{Voice: "Kore", Instructions: "be brief"}, log: logger.WithPrefix("GeminiLiveTest")}
}

func TestSampleRateFromMIMEType(t *testing.T) {
	assert.Equal(t, 24000, sampleRate("audio/pcm;rate=24000"))
	assert.Equal(t, 16000, sampleRate("audio/pcm; rate=16000"))
	assert.Equal(t, 24000, sampleRate("audio/pcm"))
}

func TestToProviderAudioUpsamples(t *testing.T) {
	pcm, err := toProviderAudio(make([]byte, 160))
	require.NoError(t, err)
	assert.Len(t, pcm, 640, "160 μ-law samples become 320 PCM16 samples at 16kHz")
}

func TestFromProviderAudioDecimates(t *testing.T) {
	samples := make([]int16, 480) // 20ms at 24kHz
	for i := range samples {
		samples[i] = int16(i * 50)
	}
	mulaw, err := fromProviderAudio(audio.PCMToBytes(samples), "audio/pcm;rate=24000")
	require.NoError(t, err)
	require.Len(t, mulaw, 160)
	assert.Equal(t, audio.EncodeMulaw(samples[3]), mulaw[1])
}

func TestFromProviderAudioRejectsOddLength(t *testing.T) {
	_, err := fromProviderAudio([]byte{1, 2, 3}, "audio/pcm;rate=24000")
	assert.Error(t, err)
}

func TestConnectConfig(t *testing.T) {
	cfg := testConn().connectConfig()
	assert.Equal(t, []genai.Modality{genai.ModalityAudio}, cfg.ResponseModalities)
	assert.Equal(t, "Kore", cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "be brief", cfg.SystemInstruction.Parts[0].Text)
	assert.NotNil(t, cfg.InputAudioTranscription)
}

func TestTranslateServerMessages(t *testing.T) {
	c := testConn()

	events := c.translate(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}})
	require.Len(t, events, 1)
	assert.Equal(t, services.EventReady, events[0].Kind)

	pcm := audio.PCMToBytes(make([]int16, 480))
	events = c.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: pcm, MIMEType: "audio/pcm;rate=24000"}},
		}},
		InputTranscription:  &genai.Transcription{Text: "what time "},
		OutputTranscription: &genai.Transcription{Text: "It is "},
	}})
	require.Len(t, events, 1)
	assert.Equal(t, services.EventAudio, events[0].Kind)
	assert.Len(t, events[0].Audio, 160)

	events = c.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription:  &genai.Transcription{Text: "is it"},
		OutputTranscription: &genai.Transcription{Text: "noon."},
		TurnComplete:        true,
	}})
	require.Len(t, events, 3)
	assert.Equal(t, services.Event{Kind: services.EventTranscript, Role: services.RoleUser, Text: "what time is it"}, events[0])
	assert.Equal(t, services.Event{Kind: services.EventTranscript, Role: services.RoleAssistant, Text: "It is noon."}, events[1])
	assert.Equal(t, services.EventTurnComplete, events[2].Kind)

	events = c.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}})
	require.Len(t, events, 1)
	assert.Equal(t, services.EventInterrupted, events[0].Kind)
}

func TestSendBeforeConfigure(t *testing.T) {
	c := testConn()
	assert.ErrorIs(t, c.SendAudio([]byte{1}), errNotConnected)
	_, err := c.Receive()
	assert.ErrorIs(t, err, errNotConnected)
	assert.NoError(t, c.Close())
}

func TestNewProviderRequiresCredentials(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewProvider(context.Background(), Config{UseVertex: true})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

// The Live endpoint is served locally: the setup message is acknowledged
// and one chunk of model audio is returned.
func TestLiveSessionRoundTrip(t *testing.T) {
	setup := make(chan map[string]interface{}, 1)
	realtime := make(chan map[string]interface{}, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "BidiGenerateContent")
		ws, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer ws.Close()

		var msg map[string]interface{}
		if !assert.NoError(t, ws.ReadJSON(&msg)) {
			return
		}
		setup <- msg
		ws.WriteJSON(map[string]interface{}{"setupComplete": map[string]interface{}{}})

		if !assert.NoError(t, ws.ReadJSON(&msg)) {
			return
		}
		realtime <- msg

		pcm := base64.StdEncoding.EncodeToString(audio.PCMToBytes(make([]int16, 480)))
		ws.WriteJSON(map[string]interface{}{
			"serverContent": map[string]interface{}{
				"modelTurn": map[string]interface{}{
					"parts": []interface{}{
						map[string]interface{}{"inlineData": map[string]string{"mimeType": "audio/pcm;rate=24000", "data": pcm}},
					},
				},
			},
		})
		ws.ReadMessage()
	}))
	defer srv.Close()

	p, err := NewProvider(context.Background(), Config{
		APIKey:  "test-key",
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/",
	})
	require.NoError(t, err)

	c, err := p.Dial(context.Background())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Configure(context.Background()))

	msg := <-setup
	raw, _ := json.Marshal(msg)
	assert.Contains(t, string(raw), defaultModel)

	events, err := c.Receive()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, services.EventReady, events[0].Kind)

	require.NoError(t, c.SendAudio(make([]byte, 160)))
	msg = <-realtime
	raw, _ = json.Marshal(msg)
	assert.Contains(t, string(raw), "realtimeInput")
	assert.Contains(t, string(raw), inputMIMEType)

	events, err = c.Receive()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, services.EventAudio, events[0].Kind)
	assert.Len(t, events[0].Audio, 160)
}
