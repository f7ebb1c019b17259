// Package validator checks that a refined pitch stayed in the language of the
// transcript it replaces.
package validator

import (
	"fmt"
	"strings"

	"github.com/valpere/pitchrefine/internal/detector"
)

// minValidationLength is the minimum rune count required to attempt language
// detection. Shorter texts are accepted without validation.
const minValidationLength = 20

// DriftError reports a refinement whose language differs from its source.
type DriftError struct {
	Source  string
	Refined string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("language drift: source is %s but refinement is %s", e.Source, e.Refined)
}

// Validator compares the detected languages of a source and its refinement.
type Validator struct {
	det *detector.Detector
}

// New creates a Validator backed by the lingua-go language detector.
func New() *Validator {
	return &Validator{det: detector.New()}
}

// NewWithDetector reuses an existing detector.
func NewWithDetector(det *detector.Detector) *Validator {
	return &Validator{det: det}
}

// SameLanguage returns nil when refined appears to be in the same language as
// source, and a *DriftError when the two differ.
//
// An empty refinement is an error. Short texts, and texts whose language cannot
// be determined, pass.
func (v *Validator) SameLanguage(source, refined string) error {
	refined = strings.TrimSpace(refined)
	if refined == "" {
		return fmt.Errorf("refinement is empty")
	}

	source = strings.TrimSpace(source)
	if len([]rune(source)) < minValidationLength || len([]rune(refined)) < minValidationLength {
		return nil
	}

	want, ok := v.det.DetectISO(source)
	if !ok {
		return nil
	}
	got, ok := v.det.DetectISO(refined)
	if !ok {
		return nil
	}

	if !strings.EqualFold(want, got) {
		return &DriftError{Source: want, Refined: got}
	}
	return nil
}
