package transcriber

// RecognitionRequest represents request to start recognition
type RecognitionRequest struct {
	Config RecognitionConfig `json:"config"`
	Audio  AudioSource       `json:"audio"`
}

// RecognitionConfig holds recognition parameters
type RecognitionConfig struct {
	LanguageCode      string `json:"languageCode"`
	Model             string `json:"model"`
	AudioEncoding     string `json:"audioEncoding"`
	SampleRateHertz   int    `json:"sampleRateHertz"`
	AudioChannelCount int    `json:"audioChannelCount"`
}

// AudioSource specifies location of the audio file
type AudioSource struct {
	URI string `json:"uri"`
}

// OperationResponse represents the async operation wrapper returned by
// the transcription provider
type OperationResponse struct {
	ID       string                 `json:"id"`
	Done     bool                   `json:"done"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Response interface{}            `json:"response,omitempty"`
	Error    *OperationError        `json:"error,omitempty"`
}

// OperationError represents error in operation
type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RecognitionResult represents final recognition result
type RecognitionResult struct {
	Chunks []Chunk `json:"chunks"`
}

// Chunk represents one chunk of recognized text
type Chunk struct {
	Alternatives []Alternative `json:"alternatives"`
	ChannelTag   string        `json:"channelTag,omitempty"`
	StartTimeMs  int64         `json:"startTimeMs,omitempty"`
	EndTimeMs    int64         `json:"endTimeMs,omitempty"`
}

// Alternative represents one recognition variant
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// GetFullText extracts the complete text from a recognition result
func (r *RecognitionResult) GetFullText() string {
	var text string
	for _, chunk := range r.Chunks {
		for _, alt := range chunk.Alternatives {
			text += alt.Text + " "
		}
	}
	return text
}
