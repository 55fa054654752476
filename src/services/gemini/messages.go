package gemini

// Wire types for the BidiGenerateContent WebSocket protocol. Field names
// follow the service's JSON schema; everything optional carries omitempty so
// the setup message stays minimal.

const (
	startSensitivity = "START_SENSITIVITY_HIGH"
	endSensitivity   = "END_SENSITIVITY_HIGH"
	silenceDuration  = 800 // ms of silence before the service closes a user turn
)

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *contentPayload      `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *activityDetection `json:"automaticActivityDetection,omitempty"`
}

type activityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type contentPayload struct {
	Parts []partPayload `json:"parts"`
}

type partPayload struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineBlob `json:"inlineData,omitempty"`
}

type inlineBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineBlob `json:"mediaChunks"`
}

// serverMessage is the union of everything the service sends back; exactly
// one of the top-level fields is set per message.
type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
}

type serverContent struct {
	ModelTurn           *contentPayload `json:"modelTurn,omitempty"`
	TurnComplete        bool            `json:"turnComplete,omitempty"`
	Interrupted         bool            `json:"interrupted,omitempty"`
	InputTranscription  *transcription  `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription  `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

func newSetupMessage(cfg LiveConfig) setupMessage {
	var msg setupMessage
	msg.Setup.Model = cfg.Model
	msg.Setup.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
		VoiceConfig: voiceConfig{
			PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
		},
	}
	if cfg.SystemPrompt != "" {
		msg.Setup.SystemInstruction = &contentPayload{
			Parts: []partPayload{{Text: cfg.SystemPrompt}},
		}
	}
	msg.Setup.RealtimeInputConfig = &realtimeInputConfig{
		AutomaticActivityDetection: &activityDetection{
			StartOfSpeechSensitivity: startSensitivity,
			EndOfSpeechSensitivity:   endSensitivity,
			SilenceDurationMs:        silenceDuration,
		},
	}
	msg.Setup.InputAudioTranscription = &struct{}{}
	msg.Setup.OutputAudioTranscription = &struct{}{}
	return msg
}
