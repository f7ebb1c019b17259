package postprocess

import "testing"

func TestRemoveThinkingBlocks(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "no blocks", input: "Our app saves you an hour a day.", expected: "Our app saves you an hour a day."},
		{name: "think block", input: "<think>make it punchy</think>Save an hour a day.", expected: "Save an hour a day."},
		{name: "reasoning block", input: "Start<reasoning>tone check</reasoning>End", expected: "StartEnd"},
		{name: "multiline block", input: "<thinking>line one\nline two</thinking>\nPitch", expected: "Pitch"},
		{name: "mixed case tags", input: "<THINK>x</THINK>Pitch", expected: "Pitch"},
		{name: "truncated block", input: "<thinking>Rewriting the pitch so", expected: ""},
		{name: "truncated after content", input: "Pitch<reflection>Incomplete", expected: "Pitch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := removeThinkingBlocks(tt.input)
			if result != tt.expected {
				t.Errorf("removeThinkingBlocks(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRemovePromptEchoes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "no echo", input: "Meet the fastest checkout on the web.", expected: "Meet the fastest checkout on the web."},
		{name: "prompt label", input: "Modified Text: Meet Acme.", expected: "Meet Acme."},
		{name: "refined pitch label", input: "Refined pitch: Meet Acme.", expected: "Meet Acme."},
		{name: "here is", input: "Here is the modified text: Meet Acme.", expected: "Meet Acme."},
		{name: "here's your", input: "Here's your refined pitch: Meet Acme.", expected: "Meet Acme."},
		{name: "sure", input: "Sure, here's the improved version: Meet Acme.", expected: "Meet Acme."},
		{name: "certainly", input: "Certainly! Here is a revised pitch: Meet Acme.", expected: "Meet Acme."},
		{name: "echo not at start", input: "Meet Acme. Modified Text: again", expected: "Meet Acme. Modified Text: again"},
		{name: "no colon", input: "Here is the pitch we promised", expected: "Here is the pitch we promised"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := removePromptEchoes(tt.input)
			if result != tt.expected {
				t.Errorf("removePromptEchoes(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRemoveQuoteWrapping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "single char", input: "a", expected: "a"},
		{name: "no quotes", input: "Hello world", expected: "Hello world"},
		{name: "double quotes", input: "\"Hello world\"", expected: "Hello world"},
		{name: "single quotes", input: "'Hello world'", expected: "Hello world"},
		{name: "guillemets", input: "«Hello world»", expected: "Hello world"},
		{name: "curly double", input: "“Hello world”", expected: "Hello world"},
		{name: "curly single", input: "‘Hello world’", expected: "Hello world"},
		{name: "unmatched", input: "\"Hello world'", expected: "\"Hello world'"},
		{name: "inner whitespace", input: "\"  Hello  \"", expected: "Hello"},
		{name: "two quoted phrases", input: "\"Fast\" and \"cheap\"", expected: "\"Fast\" and \"cheap\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := removeQuoteWrapping(tt.input)
			if result != tt.expected {
				t.Errorf("removeQuoteWrapping(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "clean text", input: "Great pitch!", expected: "Great pitch!"},
		{name: "all phases", input: "<think>hmm</think>Modified Text: \"Great pitch!\"", expected: "Great pitch!"},
		{name: "only artifacts", input: "<thinking>no answer", expected: ""},
		{name: "only label", input: "Modified Text:", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Clean(tt.input)
			if result != tt.expected {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
