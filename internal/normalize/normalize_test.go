package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCasePolicy_Apply(t *testing.T) {
	tests := []struct {
		name     string
		policy   CasePolicy
		input    string
		expected string
	}{
		{"default keeps case", CasePolicy{}, "Rock", "Rock"},
		{"uppercase", CasePolicy{ForceUppercase: true}, "Rock", "ROCK"},
		{"lowercase", CasePolicy{ForceLowercase: true}, "Rock", "rock"},
		{"ignore case lowers", CasePolicy{IgnoreCase: true}, "Rock", "rock"},
		{"uppercase wins over lowercase", CasePolicy{ForceUppercase: true, ForceLowercase: true}, "Rock", "ROCK"},
		{"lowercase wins over ignore case", CasePolicy{ForceLowercase: true, IgnoreCase: true}, "Rock", "rock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.policy.Apply(tt.input))
		})
	}
}

func TestTruncateName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"short name untouched", "Moe", "Moe"},
		{"exactly thirty", strings.Repeat("a", 30), strings.Repeat("a", 30)},
		{"ascii clipped", strings.Repeat("a", 40), strings.Repeat("a", 30)},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TruncateName(tt.input))
		})
	}
}

func TestTruncateName_MultiByte(t *testing.T) {
	// 31 two-byte characters must clip to 30 whole characters, never to a
	// partial encoding.
	input := strings.Repeat("å", 31)
	got := TruncateName(input)

	assert.Equal(t, strings.Repeat("å", 30), got)
	assert.Equal(t, 30, len([]rune(got)))
}

func TestStripDomain(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain username", "moe", "moe"},
		{"strips domain", "moe@example.com", "moe"},
		{"strips only the last at", "m@e@example.com", "m@e"},
		{"leading at kept", "@moe", "@moe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripDomain(tt.input))
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "moe", false},
		{"multi-byte", "lårry", false},
		{"at limit", strings.Repeat("a", 150), false},
		{"over limit", strings.Repeat("a", 151), true},
		{"empty", "", true},
		{"colon", "mo:e", true},
		{"space", "mo e", true},
		{"tab", "mo\te", true},
		{"leading dash", "-moe", true},
		{"interior dash fine", "m-oe", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
