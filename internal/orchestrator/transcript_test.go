package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestExtractTranscript(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "first alternative",
			input: `{"results":{"channels":[{"alternatives":[{"transcript":"We sell shoes.","confidence":0.98},{"transcript":"We sell shows."}]}]}}`,
			want:  "We sell shoes.",
		},
		{name: "invalid json", input: `{"results":`, wantErr: true},
		{name: "missing results", input: `{"metadata":{"duration":3.2}}`, wantErr: true},
		{name: "no channels", input: `{"results":{"channels":[]}}`, wantErr: true},
		{name: "no alternatives", input: `{"results":{"channels":[{"alternatives":[]}]}}`, wantErr: true},
		{name: "missing transcript", input: `{"results":{"channels":[{"alternatives":[{"confidence":0.5}]}]}}`, wantErr: true},
		{name: "blank transcript", input: `{"results":{"channels":[{"alternatives":[{"transcript":"  "}]}]}}`, wantErr: true},
		{name: "wrong type", input: `{"results":{"channels":[{"alternatives":[{"transcript":42}]}]}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractTranscript([]byte(tt.input))
			if tt.wantErr {
				var extractErr *TranscriptExtractionError
				if !errors.As(err, &extractErr) {
					t.Fatalf("expected TranscriptExtractionError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractTranscript = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPreset(t *testing.T) {
	for i, want := range BuiltinInstructions {
		got, err := Preset(i + 1)
		if err != nil || got != want {
			t.Errorf("Preset(%d) = %q, %v", i+1, got, err)
		}
	}
	for _, n := range []int{0, -1, len(BuiltinInstructions) + 1} {
		if _, err := Preset(n); err == nil {
			t.Errorf("Preset(%d) expected error", n)
		}
	}
}

func TestWithLengthSuffix(t *testing.T) {
	got := WithLengthSuffix("Shorten it")
	if got != "Shorten it. keep the speech length same." {
		t.Errorf("unexpected instruction %q", got)
	}
}

func TestMenuSelector(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "builtin", input: "2\n", want: BuiltinInstructions[1]},
		{name: "exit", input: "0\n", wantErr: ErrAborted},
		{name: "custom", input: "4\nMake it rhyme\n", want: "Make it rhyme"},
		{name: "reprompt on garbage", input: "abc\n9\n-1\n1\n", want: BuiltinInstructions[0]},
		{name: "reprompt on empty custom", input: "4\n\n3\n", want: BuiltinInstructions[2]},
		{name: "no trailing newline", input: "3", want: BuiltinInstructions[2]},
		{name: "eof", input: "", wantErr: ErrAborted},
		{name: "eof after garbage", input: "x\n", wantErr: ErrAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			got, err := NewMenuSelector(strings.NewReader(tt.input), &out).Select(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v (%q)", tt.wantErr, err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Select = %q, want %q", got, tt.want)
			}
			if !strings.Contains(out.String(), "0. Exit") {
				t.Errorf("menu not printed: %q", out.String())
			}
		})
	}
}

func TestMenuSelector_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMenuSelector(strings.NewReader("1\n"), &strings.Builder{}).Select(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
