package profile

import (
	"log/slog"
	"os"
	"strconv"
)

// Profile is configuration to start main server.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol)
	// All providers (zai, deepseek, openai, siliconflow, ollama) use the same config
	ALLMProvider   string // Provider identifier: zai, deepseek, openai, siliconflow, dashscope, openrouter, ollama
	ALLMAPIKey     string // Unified LLM API key
	ALLMBaseURL    string // Unified LLM base URL (optional, has default per provider)
	ALLMModel      string // Model name: glm-4.7, deepseek-chat, gpt-4o, etc.
	ALLMTimeout    int    // LLM request timeout in seconds (default: 120)
	ALLMMaxRetries int    // Attempts per request on retryable failures (default: 3)
	ALLMRetryBase  int    // Base retry backoff in milliseconds (default: 800)

	// Natal chart API for astrology profile context
	NatalAPIURL string
	NatalAPIKey string

	// JWTSecret verifies optional connection tokens. Empty disables
	// verification; connections are then anonymous.
	JWTSecret string

	// Per-connection message rate limiting
	RateLimitPerSecond float64 // messages per second (default: 2)
	RateLimitBurst     int     // burst allowance (default: 5)

	// Other configurations
	Mode        string
	Addr        string
	Port        int
	Version     string
	InstanceURL string
	AIEnabled   bool
}

// Provider default configurations for LLM.
// Used when LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"zai": {
		BaseURL: "https://open.bigmodel.cn/api/paas/v4",
		Model:   "glm-4.7",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-5.2",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"dashscope": {
		BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:   "qwen-max-latest",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if AI is enabled and LLM API key is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.ALLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	// Unified LLM configuration
	p.ALLMProvider = getEnvOrDefault("ETHERIALSOUL_AI_LLM_PROVIDER", "zai")
	p.ALLMAPIKey = getEnvOrDefault("ETHERIALSOUL_AI_LLM_API_KEY", "")
	p.ALLMBaseURL = getEnvOrDefault("ETHERIALSOUL_AI_LLM_BASE_URL", "")
	p.ALLMModel = getEnvOrDefault("ETHERIALSOUL_AI_LLM_MODEL", "")
	p.ALLMTimeout = getEnvOrDefaultInt("ETHERIALSOUL_AI_LLM_TIMEOUT_SECONDS", 120)
	p.ALLMMaxRetries = getEnvOrDefaultInt("ETHERIALSOUL_AI_LLM_MAX_RETRIES", 3)
	p.ALLMRetryBase = getEnvOrDefaultInt("ETHERIALSOUL_AI_LLM_RETRY_BASE_MS", 800)

	// AI is enabled if API key is configured
	p.AIEnabled = p.ALLMAPIKey != ""

	// Validate and apply provider defaults if not explicitly set
	if p.ALLMProvider != "" {
		if _, ok := llmProviderDefaults[p.ALLMProvider]; !ok {
			slog.Warn("Unknown LLM provider, using default: zai", "provider", p.ALLMProvider)
			p.ALLMProvider = "zai"
		}
	}
	if p.ALLMBaseURL == "" || p.ALLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.ALLMProvider]; ok {
			if p.ALLMBaseURL == "" {
				p.ALLMBaseURL = defaults.BaseURL
			}
			if p.ALLMModel == "" {
				p.ALLMModel = defaults.Model
			}
		}
	}

	// Natal chart API
	p.NatalAPIURL = getEnvOrDefault("ETHERIALSOUL_NATAL_API_URL", "")
	p.NatalAPIKey = getEnvOrDefault("ETHERIALSOUL_NATAL_API_KEY", "")

	// Connection auth
	p.JWTSecret = getEnvOrDefault("ETHERIALSOUL_JWT_SECRET", "")

	// Rate limiting
	p.RateLimitPerSecond = getEnvOrDefaultFloat("ETHERIALSOUL_RATE_LIMIT_PER_SECOND", 2)
	p.RateLimitBurst = getEnvOrDefaultInt("ETHERIALSOUL_RATE_LIMIT_BURST", 5)
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Port <= 0 || p.Port > 65535 {
		p.Port = 3000
	}
	if p.RateLimitPerSecond <= 0 {
		p.RateLimitPerSecond = 2
	}
	if p.RateLimitBurst <= 0 {
		p.RateLimitBurst = 5
	}
	return nil
}
