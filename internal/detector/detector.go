// Package detector identifies the natural language of a piece of text.
package detector

import (
	lingua "github.com/pemistahl/lingua-go"
)

// Detector wraps a lingua detector. Building one loads language models and is
// slow; reuse the instance.
type Detector struct {
	detector lingua.LanguageDetector
}

// New builds a detector over languages, or over every supported language when
// none are given.
func New(languages ...lingua.Language) *Detector {
	var builder lingua.LanguageDetectorBuilder
	if len(languages) >= 2 {
		builder = lingua.NewLanguageDetectorBuilder().FromLanguages(languages...)
	} else {
		builder = lingua.NewLanguageDetectorBuilder().FromAllLanguages()
	}
	return &Detector{detector: builder.WithMinimumRelativeDistance(0.1).Build()}
}

func (d *Detector) Detect(text string) (lingua.Language, bool) {
	if text == "" {
		return lingua.Unknown, false
	}
	return d.detector.DetectLanguageOf(text)
}

// DetectISO returns the ISO 639-1 code of text, e.g. "EN".
func (d *Detector) DetectISO(text string) (string, bool) {
	lang, ok := d.Detect(text)
	if !ok {
		return "", false
	}
	return lang.IsoCode639_1().String(), true
}
