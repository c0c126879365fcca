package realtime

import "fmt"

// ClientEventType enumerates outbound events.
type ClientEventType int

const (
	// ClientSessionConfigure carries [SessionParams].
	ClientSessionConfigure ClientEventType = iota + 1

	// ClientAudioAppend carries a chunk of PCM16 audio in Audio.
	ClientAudioAppend

	// ClientAudioCommit finalises the server-side input buffer as a turn.
	ClientAudioCommit

	// ClientResponseCreate asks the model to respond with Modalities.
	ClientResponseCreate

	// ClientTextInput adds a user text item to the conversation.
	ClientTextInput
)

var clientEventNames = map[ClientEventType]string{
	ClientSessionConfigure: "session.configure",
	ClientAudioAppend:      "input_audio.append",
	ClientAudioCommit:      "input_audio.commit",
	ClientResponseCreate:   "response.create",
	ClientTextInput:        "conversation.text",
}

// String returns the neutral event name.
func (t ClientEventType) String() string {
	if s, ok := clientEventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("client_event(%d)", int(t))
}

// ClientEvent is an outbound event. Only the fields relevant to Type are set.
type ClientEvent struct {
	Type ClientEventType

	// Session is set for ClientSessionConfigure.
	Session *SessionParams

	// Audio is set for ClientAudioAppend.
	Audio []byte

	// Modalities is set for ClientResponseCreate.
	Modalities []string

	// Text is set for ClientTextInput.
	Text string
}

// ServerEventType enumerates inbound events.
type ServerEventType int

const (
	ServerUnknown ServerEventType = iota
	ServerSessionCreated
	ServerSessionUpdated
	ServerSpeechStarted
	ServerSpeechStopped
	ServerAudioCommitted
	ServerCommitFailed
	ServerCommitNoAudio
	ServerCommitEmpty
	ServerResponseCreated
	ServerResponseTextDelta
	ServerResponseTextDone
	ServerResponseDone
	ServerResponseError
	ServerError

	// ServerMalformed is synthesised by the transport for messages it could
	// not decode. Message holds the decode error.
	ServerMalformed

	// ServerClosed is synthesised by the transport when the connection ends.
	// Err is nil for a normal closure.
	ServerClosed
)

var serverEventNames = map[ServerEventType]string{
	ServerUnknown:           "unknown",
	ServerSessionCreated:    "session.created",
	ServerSessionUpdated:    "session.updated",
	ServerSpeechStarted:     "input_audio.speech_started",
	ServerSpeechStopped:     "input_audio.speech_stopped",
	ServerAudioCommitted:    "input_audio.committed",
	ServerCommitFailed:      "input_audio.commit_failed",
	ServerCommitNoAudio:     "input_audio.commit_no_audio",
	ServerCommitEmpty:       "input_audio.commit_empty",
	ServerResponseCreated:   "response.created",
	ServerResponseTextDelta: "response.text.delta",
	ServerResponseTextDone:  "response.text.done",
	ServerResponseDone:      "response.done",
	ServerResponseError:     "response.error",
	ServerError:             "error",
	ServerMalformed:         "malformed",
	ServerClosed:            "closed",
}

// String returns the neutral event name.
func (t ServerEventType) String() string {
	if s, ok := serverEventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("server_event(%d)", int(t))
}

// Error codes with special handling in the engine.
const (
	// CodeActiveResponse: a response.create arrived while the server still
	// had a response in flight.
	CodeActiveResponse = "conversation_already_has_active_response"

	// CodeCommitEmpty: the server rejected a commit because its input buffer
	// held no (or too little) audio.
	CodeCommitEmpty = "input_audio_buffer_commit_empty"
)

// ServerEvent is an inbound event. Only the fields relevant to Type are set.
type ServerEvent struct {
	Type ServerEventType

	// Raw is the provider's wire name, kept for logging.
	Raw string

	// Delta holds the text fragment for ServerResponseTextDelta.
	Delta string

	// Text holds the final text for ServerResponseTextDone, when the provider
	// supplies it.
	Text string

	// Code and Message describe ServerError, ServerResponseError and the
	// commit rejection events.
	Code    string
	Message string

	// Err is set on ServerClosed when the connection ended abnormally.
	Err error
}
