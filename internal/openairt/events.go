package openairt

// Wire types for the realtime WebSocket protocol. Only the subset the
// bridge consumes is modeled; unknown server event types are ignored.

// Client to server event types.
const (
	typeSessionUpdate    = "session.update"
	typeItemCreate       = "conversation.item.create"
	typeResponseCreate   = "response.create"
	typeInputAudioAppend = "input_audio_buffer.append"
)

// Server to client event types.
const (
	typeSessionCreated       = "session.created"
	typeSessionUpdated       = "session.updated"
	typeItemCreated          = "conversation.item.created"
	typeResponseCreated      = "response.created"
	typeAudioDelta           = "response.audio.delta"
	typeAudioDone            = "response.audio.done"
	typeTranscriptDelta      = "response.audio_transcript.delta"
	typeTranscriptDone       = "response.audio_transcript.done"
	typeInputTranscriptDelta = "conversation.item.input_audio_transcription.delta"
	typeInputTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	typeServerError          = "error"
)

// sessionUpdate configures the realtime session: audio formats, voice,
// system prompt, transcription and turn detection.
type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice"`
	Instructions            string               `json:"instructions"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           map[string]any       `json:"turn_detection"`
}

type transcriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// itemCreate posts a conversation item (the initial user message).
type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// responseCreate asks the model to start responding.
type responseCreate struct {
	Type string `json:"type"`
}

// inputAudioAppend carries base64 ulaw caller audio toward the model.
type inputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// serverEvent is the demux envelope for incoming events. Fields are a
// union across the event types we handle.
type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Item       *serverItem  `json:"item,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverItem struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Type string `json:"type"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
