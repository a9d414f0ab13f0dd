package api

// SpeechRequest represents the request payload for speech synthesis
type SpeechRequest struct {
	Text       []string `json:"text"`
	Markdown   bool     `json:"markdown"`
	Format     string   `json:"format"`
	Voice      string   `json:"voice"`
	SampleRate *int     `json:"sample_rate"`
	Volume     *int     `json:"volume"`
	SpeechRate *int     `json:"speech_rate"`
	PitchRate  *int     `json:"pitch_rate"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
