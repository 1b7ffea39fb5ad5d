// Package llm implements the unified multi-provider LLM client: model to
// provider resolution, the three wire shapes (Anthropic Messages, Google
// Gemini, OpenAI-compatible chat completions), the resilience policy, and
// JSON-mode extraction. Failures are returned as error records rather
// than Go errors; callers branch on Response.Err.
package llm

import (
	"os"
	"strings"
)

// API shapes.
const (
	ShapeAnthropic = "anthropic"
	ShapeGoogle    = "google"
	ShapeOpenAI    = "openai"
)

// Provider describes one upstream LLM service.
type Provider struct {
	Name           string
	Shape          string
	BaseURL        string
	EnvKey         string
	FallbackEnvKey string
}

// providers is the registry of known upstreams.
var providers = map[string]Provider{
	"anthropic": {
		Name:    "anthropic",
		Shape:   ShapeAnthropic,
		BaseURL: "https://api.anthropic.com/v1",
		EnvKey:  "ANTHROPIC_API_KEY",
	},
	"deepseek": {
		Name:    "deepseek",
		Shape:   ShapeOpenAI,
		BaseURL: "https://api.deepseek.com/v1",
		EnvKey:  "DEEPSEEK_API_KEY",
	},
	"qwen": {
		Name:           "qwen",
		Shape:          ShapeOpenAI,
		BaseURL:        "https://dashscope.aliyuncs.com/compatible-mode/v1",
		EnvKey:         "QWEN_API_KEY",
		FallbackEnvKey: "DASHSCOPE_API_KEY",
	},
	"google": {
		Name:    "google",
		Shape:   ShapeGoogle,
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		EnvKey:  "GOOGLE_API_KEY",
	},
	"kimi": {
		Name:           "kimi",
		Shape:          ShapeOpenAI,
		BaseURL:        "https://api.moonshot.cn/v1",
		EnvKey:         "KIMI_API_KEY",
		FallbackEnvKey: "MOONSHOT_API_KEY",
	},
	"mistral": {
		Name:    "mistral",
		Shape:   ShapeOpenAI,
		BaseURL: "https://api.mistral.ai/v1",
		EnvKey:  "MISTRAL_API_KEY",
	},
	"minimax": {
		Name:    "minimax",
		Shape:   ShapeOpenAI,
		BaseURL: "https://api.minimax.chat/v1",
		EnvKey:  "MINIMAX_API_KEY",
	},
}

// modelToProvider maps exact model names to providers. Substring
// heuristics in ResolveProvider cover everything else.
var modelToProvider = map[string]string{
	"claude-sonnet-4-20250514": "anthropic",
	"claude-opus-4-20250514":   "anthropic",
	"claude-3-5-haiku-latest":  "anthropic",
	"deepseek-chat":            "deepseek",
	"deepseek-reasoner":        "deepseek",
	"qwen-max":                 "qwen",
	"qwen-plus":                "qwen",
	"qwen-turbo":               "qwen",
	"gemini-2.0-flash":         "google",
	"gemini-2.5-pro":           "google",
	"moonshot-v1-32k":          "kimi",
	"kimi-k2":                  "kimi",
	"mistral-large-latest":     "mistral",
	"codestral-latest":         "mistral",
	"abab6.5-chat":             "minimax",
}

// ResolveProvider maps a model name to its provider: exact match first,
// then substring heuristics. Unknown models resolve to the empty provider.
func ResolveProvider(model string) (Provider, bool) {
	if name, ok := modelToProvider[model]; ok {
		return providers[name], true
	}

	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return providers["anthropic"], true
	case strings.Contains(lower, "deepseek"):
		return providers["deepseek"], true
	case strings.Contains(lower, "qwen"):
		return providers["qwen"], true
	case strings.Contains(lower, "gemini"):
		return providers["google"], true
	case strings.Contains(lower, "kimi"), strings.Contains(lower, "moonshot"):
		return providers["kimi"], true
	case strings.Contains(lower, "mistral"), strings.Contains(lower, "mixtral"), strings.Contains(lower, "codestral"):
		return providers["mistral"], true
	case strings.Contains(lower, "minimax"), strings.Contains(lower, "abab"):
		return providers["minimax"], true
	}
	return Provider{}, false
}

// APIKey resolves the provider's API key from its env var, falling back
// to the secondary env var when present.
func (p Provider) APIKey() string {
	if key := os.Getenv(p.EnvKey); key != "" {
		return key
	}
	if p.FallbackEnvKey != "" {
		return os.Getenv(p.FallbackEnvKey)
	}
	return ""
}
