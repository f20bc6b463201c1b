package models

import "strings"

// DetectProvider determines the provider from a model name by pattern
// matching on common naming conventions. Used for usage attribution when
// the invocation service does not report a provider itself.
func DetectProvider(model string) string {
	if model == "" {
		return "unknown"
	}
	ml := strings.ToLower(model)
	switch {
	case strings.Contains(ml, "claude") || strings.HasPrefix(ml, "anthropic."):
		return "anthropic"
	case strings.HasPrefix(ml, "gpt") || strings.HasPrefix(ml, "o1") || strings.HasPrefix(ml, "o3"):
		return "openai"
	case strings.Contains(ml, "gemini"):
		return "google"
	case strings.Contains(ml, "llama") || strings.Contains(ml, "mistral") || strings.Contains(ml, "qwen"):
		return "ollama"
	case strings.Contains(ml, "deepseek"):
		return "deepseek"
	default:
		return "unknown"
	}
}
