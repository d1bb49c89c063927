package providers

import (
	"fmt"
	"os"
)

// NewChatClientFromEnv builds a ChatClient from environment variables
// under the given prefix, e.g. prefix "PLANNER" reads PLANNER_PROVIDER,
// PLANNER_API_KEY, PLANNER_MODEL and PLANNER_BASE_URL. An empty provider
// means the surface is disabled and (nil, "", nil) is returned.
func NewChatClientFromEnv(prefix string) (ChatClient, string, error) {
	provider := os.Getenv(prefix + "_PROVIDER")
	if provider == "" {
		return nil, "", nil
	}

	apiKey := os.Getenv(prefix + "_API_KEY")
	modelName := os.Getenv(prefix + "_MODEL")
	baseURL := os.Getenv(prefix + "_BASE_URL")

	switch provider {
	case "openai":
		if apiKey == "" {
			return nil, "", fmt.Errorf("%s_API_KEY not set", prefix)
		}
		if modelName == "" {
			modelName = "gpt-4o-mini"
		}
		return NewOpenAIClient(apiKey, modelName, baseURL), modelName, nil

	case "anthropic":
		if apiKey == "" {
			return nil, "", fmt.Errorf("%s_API_KEY not set", prefix)
		}
		if modelName == "" {
			modelName = "claude-3-5-haiku-20241022"
		}
		return NewAnthropicClient(apiKey, modelName), modelName, nil

	case "openrouter":
		if apiKey == "" {
			return nil, "", fmt.Errorf("%s_API_KEY not set", prefix)
		}
		if modelName == "" {
			modelName = "openai/gpt-4o-mini"
		}
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		return NewOpenAIClient(apiKey, modelName, baseURL), modelName, nil

	case "groq":
		if apiKey == "" {
			return nil, "", fmt.Errorf("%s_API_KEY not set", prefix)
		}
		if modelName == "" {
			modelName = "llama-3.1-70b-versatile"
		}
		if baseURL == "" {
			baseURL = "https://api.groq.com/openai/v1"
		}
		return NewOpenAIClient(apiKey, modelName, baseURL), modelName, nil

	case "deepseek":
		if apiKey == "" {
			return nil, "", fmt.Errorf("%s_API_KEY not set", prefix)
		}
		if modelName == "" {
			modelName = "deepseek-chat"
		}
		if baseURL == "" {
			baseURL = "https://api.deepseek.com/v1"
		}
		return NewOpenAIClient(apiKey, modelName, baseURL), modelName, nil

	case "ollama":
		// Local server, any key accepted.
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		if modelName == "" {
			modelName = "llama3.1"
		}
		if apiKey == "" {
			apiKey = "ollama"
		}
		return NewOpenAIClient(apiKey, modelName, baseURL), modelName, nil

	case "lmstudio":
		if baseURL == "" {
			baseURL = "http://localhost:1234/v1"
		}
		if modelName == "" {
			modelName = "local-model"
		}
		if apiKey == "" {
			apiKey = "lm-studio"
		}
		return NewOpenAIClient(apiKey, modelName, baseURL), modelName, nil

	default:
		return nil, "", fmt.Errorf("unknown %s_PROVIDER: %s (supported: openai, anthropic, openrouter, groq, deepseek, ollama, lmstudio)", prefix, provider)
	}
}
