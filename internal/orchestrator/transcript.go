package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TranscriptExtractionError reports input that does not carry a usable
// transcript at results.channels[0].alternatives[0].transcript.
type TranscriptExtractionError struct {
	Reason string
	Err    error
}

func (e *TranscriptExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract transcript: %s: %v", e.Reason, e.Err)
	}
	return "extract transcript: " + e.Reason
}

func (e *TranscriptExtractionError) Unwrap() error { return e.Err }

type transcriptDocument struct {
	Results *struct {
		Channels []struct {
			Alternatives []struct {
				Transcript *string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// ExtractTranscript pulls the first alternative of the first channel out of a
// speech-to-text result document. A blank transcript is an error.
func ExtractTranscript(data []byte) (string, error) {
	var doc transcriptDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", &TranscriptExtractionError{Reason: "invalid JSON", Err: err}
	}

	switch {
	case doc.Results == nil:
		return "", &TranscriptExtractionError{Reason: "missing results"}
	case len(doc.Results.Channels) == 0:
		return "", &TranscriptExtractionError{Reason: "no channels"}
	case len(doc.Results.Channels[0].Alternatives) == 0:
		return "", &TranscriptExtractionError{Reason: "no alternatives"}
	}

	transcript := doc.Results.Channels[0].Alternatives[0].Transcript
	if transcript == nil {
		return "", &TranscriptExtractionError{Reason: "missing transcript"}
	}
	if strings.TrimSpace(*transcript) == "" {
		return "", &TranscriptExtractionError{Reason: "transcript is empty"}
	}
	return *transcript, nil
}
