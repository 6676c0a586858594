// Package cloudcode implements the Google Cloud Code v1internal protocol
// used by the Antigravity editor, including request translation from and
// response conversion to the Anthropic Messages API shape.
package cloudcode

import (
	"regexp"
	"strconv"
	"strings"
)

// Family identifies which provider family a model name belongs to.
type Family string

const (
	// FamilyClaude covers Anthropic models served through Cloud Code.
	FamilyClaude Family = "claude"
	// FamilyGemini covers Google Gemini models.
	FamilyGemini Family = "gemini"
	// FamilyUnknown is any model name not matching a known family.
	FamilyUnknown Family = "unknown"
)

var geminiMajorRe = regexp.MustCompile(`gemini-(\d+)`)

// FamilyOf returns the provider family for a model name.
func FamilyOf(model string) Family {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyClaude
	case strings.Contains(lower, "gemini"):
		return FamilyGemini
	default:
		return FamilyUnknown
	}
}

// IsThinkingModel reports whether a model emits thinking output. Claude and
// Gemini models with an explicit "thinking" marker qualify, as do Gemini
// models from major version 3 onward where thinking is always on.
func IsThinkingModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "thinking") {
		return FamilyOf(lower) != FamilyUnknown
	}
	if FamilyOf(lower) == FamilyGemini {
		if m := geminiMajorRe.FindStringSubmatch(lower); m != nil {
			if major, err := strconv.Atoi(m[1]); err == nil && major >= 3 {
				return true
			}
		}
	}
	return false
}
