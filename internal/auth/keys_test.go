package auth

import (
	"testing"
)

func TestHashKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:     "whitespace only",
			input:    "   ",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashKey(tt.input); got != tt.expected {
				t.Errorf("HashKey() = %v, want %v", got, tt.expected)
			}
		})
	}

	if len(HashKey("test-api-key")) != 64 {
		t.Error("expected a 64-char hex digest")
	}
	if HashKey("  test-api-key  ") != HashKey("test-api-key") {
		t.Error("expected surrounding whitespace to be ignored")
	}
}

func TestVerifier(t *testing.T) {
	v := NewVerifier("s3cret")

	tests := []struct {
		presented string
		want      bool
	}{
		{"s3cret", true},
		{"wrong", false},
		{"", false},
		{"s3cret-longer", false},
	}
	for _, tt := range tests {
		if got := v.Verify(tt.presented); got != tt.want {
			t.Errorf("Verify(%q) = %v, want %v", tt.presented, got, tt.want)
		}
	}
}

func TestVerifier_Disabled(t *testing.T) {
	v := NewVerifier("")
	if v != nil {
		t.Fatal("expected nil verifier for an empty token")
	}
	if !v.Verify("anything") {
		t.Error("a nil verifier accepts every request")
	}
}
