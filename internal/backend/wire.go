package backend

// Turn is one history entry as the inference server expects it.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents the request body for the chat endpoints
type ChatRequest struct {
	Message             string  `json:"message"`
	CharacterID         string  `json:"character_id"`
	SystemPrompt        string  `json:"system_prompt"`
	Memory              string  `json:"memory"`
	ConversationHistory []Turn  `json:"conversation_history"`
	Model               string  `json:"model"`
	Temperature         float64 `json:"temperature"`
	MaxTokens           int     `json:"max_tokens"`
}

// ChatResponse represents the response from the blocking chat endpoint
type ChatResponse struct {
	Response  string `json:"response"`
	ModelUsed string `json:"model_used"`
	Timestamp string `json:"timestamp"`
}

// HealthResponse represents the response from the health endpoint
type HealthResponse struct {
	Status          string   `json:"status"`
	OllamaStatus    string   `json:"ollama_status"`
	AvailableModels []string `json:"available_models"`
	DefaultModel    string   `json:"default_model"`
	Message         string   `json:"message"`
	Error           string   `json:"error"`
}

// ModelsResponse represents the response from the models endpoint
type ModelsResponse struct {
	Models []string `json:"models"`
}

// StreamPayload is one decoded event from the streaming chat endpoint.
// At most one field is set per event.
type StreamPayload struct {
	Token string `json:"token"`
	Error string `json:"error"`
	Done  bool   `json:"done"`
}
