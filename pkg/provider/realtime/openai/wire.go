package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/voicelink/pkg/provider/realtime"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities       []string       `json:"modalities,omitempty"`
	Instructions     string         `json:"instructions,omitempty"`
	InputAudioFormat string         `json:"input_audio_format"`
	TurnDetection    *turnDetection `json:"turn_detection"`
}

// turnDetection always sends create_response=false: responses are requested
// by the client after each commit, never by the server.
type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities []string `json:"modalities,omitempty"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// encodeClientEvent renders ev as a Realtime API JSON message.
func encodeClientEvent(ev realtime.ClientEvent) ([]byte, error) {
	var msg any
	switch ev.Type {
	case realtime.ClientSessionConfigure:
		if ev.Session == nil {
			return nil, fmt.Errorf("openai: %s without session params", ev.Type)
		}
		msg = sessionUpdateMessage{Type: "session.update", Session: toSessionParams(*ev.Session)}
	case realtime.ClientAudioAppend:
		msg = appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(ev.Audio),
		}
	case realtime.ClientAudioCommit:
		msg = typeOnlyMessage{Type: "input_audio_buffer.commit"}
	case realtime.ClientResponseCreate:
		msg = responseCreateMessage{
			Type:     "response.create",
			Response: responseParams{Modalities: ev.Modalities},
		}
	case realtime.ClientTextInput:
		msg = createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:    "message",
				Role:    "user",
				Content: []conversationPart{{Type: "input_text", Text: ev.Text}},
			},
		}
	default:
		return nil, fmt.Errorf("openai: unsupported client event %s", ev.Type)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal: %w", err)
	}
	return data, nil
}

func toSessionParams(p realtime.SessionParams) sessionParams {
	out := sessionParams{
		Modalities:       p.Modalities,
		Instructions:     p.Instructions,
		InputAudioFormat: "pcm16",
	}
	if p.TurnDetection == realtime.TurnDetectionServerVAD || p.TurnDetection == "" {
		out.TurnDetection = &turnDetection{
			Type:              string(realtime.TurnDetectionServerVAD),
			Threshold:         p.VAD.Threshold,
			PrefixPaddingMs:   p.VAD.PrefixPaddingMs,
			SilenceDurationMs: p.VAD.SilenceDurationMs,
		}
	}
	return out
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// *.delta events
	Delta string `json:"delta,omitempty"`

	// response.text.done / response.output_text.done
	Text string `json:"text,omitempty"`

	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *responseBody `json:"response,omitempty"`

	// error events
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseBody struct {
	Status        string `json:"status"`
	StatusDetails *struct {
		Type  string             `json:"type"`
		Error *serverErrorDetail `json:"error,omitempty"`
	} `json:"status_details,omitempty"`
}

// inboundTypes maps Realtime wire names onto neutral event types. Several wire
// names collapse onto one neutral type: text and audio-transcript deltas are
// both caller-visible text.
var inboundTypes = map[string]realtime.ServerEventType{
	"session.created":                        realtime.ServerSessionCreated,
	"session.updated":                        realtime.ServerSessionUpdated,
	"input_audio_buffer.speech_started":      realtime.ServerSpeechStarted,
	"input_audio_buffer.speech_stopped":      realtime.ServerSpeechStopped,
	"input_audio_buffer.committed":           realtime.ServerAudioCommitted,
	"input_audio_buffer.commit_failed":       realtime.ServerCommitFailed,
	"input_audio_buffer.commit_no_audio":     realtime.ServerCommitNoAudio,
	"input_audio_buffer.commit_empty":        realtime.ServerCommitEmpty,
	"response.created":                       realtime.ServerResponseCreated,
	"response.text.delta":                    realtime.ServerResponseTextDelta,
	"response.output_text.delta":             realtime.ServerResponseTextDelta,
	"response.audio_transcript.delta":        realtime.ServerResponseTextDelta,
	"response.output_audio_transcript.delta": realtime.ServerResponseTextDelta,
	"response.text.done":                     realtime.ServerResponseTextDone,
	"response.output_text.done":              realtime.ServerResponseTextDone,
	"response.audio_transcript.done":         realtime.ServerResponseTextDone,
	"response.output_audio_transcript.done":  realtime.ServerResponseTextDone,
	"response.done":                          realtime.ServerResponseDone,
	"response.error":                         realtime.ServerResponseError,
	"error":                                  realtime.ServerError,
}

// decodeServerEvent parses one inbound message. Undecodable payloads become
// ServerMalformed; well-formed messages of no interest become ServerUnknown.
func decodeServerEvent(data []byte) realtime.ServerEvent {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return realtime.ServerEvent{Type: realtime.ServerMalformed, Message: err.Error()}
	}
	if raw.Type == "" {
		return realtime.ServerEvent{Type: realtime.ServerMalformed, Message: "missing event type"}
	}

	typ, ok := inboundTypes[raw.Type]
	if !ok {
		return realtime.ServerEvent{Type: realtime.ServerUnknown, Raw: raw.Type}
	}

	ev := realtime.ServerEvent{Type: typ, Raw: raw.Type, Delta: raw.Delta}
	switch typ {
	case realtime.ServerResponseTextDone:
		ev.Text = raw.Text
		if ev.Text == "" {
			ev.Text = raw.Transcript
		}
	case realtime.ServerResponseDone:
		if raw.Response != nil && raw.Response.Status == "failed" {
			ev.Type = realtime.ServerResponseError
			ev.Code = "response_failed"
			if d := raw.Response.StatusDetails; d != nil && d.Error != nil {
				ev.Code = firstNonEmpty(d.Error.Code, d.Error.Type, ev.Code)
				ev.Message = d.Error.Message
			}
		}
	}
	if raw.Error != nil {
		ev.Code = firstNonEmpty(raw.Error.Code, raw.Error.Type)
		ev.Message = raw.Error.Message
	}
	return ev
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
