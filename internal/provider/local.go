package provider

import "time"

// NewLocalProvider returns an HTTP provider pointed at a local
// OpenAI-compatible server (llama.cpp, Ollama, LM Studio). No API key; token
// usage falls back to estimation when the server omits it.
func NewLocalProvider(baseURL, model string) *HTTPProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	return NewHTTPProvider(HTTPConfig{
		Name:    "local",
		BaseURL: baseURL,
		Model:   model,
		Timeout: 60 * time.Second,
	})
}
