package model

// ChatRequest 聊天请求
type ChatRequest struct {
	Message       string `json:"message" binding:"required,min=1,max=4000"`
	SessionID     string `json:"session_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	MessageID     string `json:"-"`
	Authenticated bool   `json:"-"`
}

// ChatResponse 聊天响应，Message 永不为空
type ChatResponse struct {
	Message           string   `json:"message"`
	SessionID         string   `json:"session_id"`
	MessageID         string   `json:"message_id"`
	ResponseTimeMs    int64    `json:"response_time_ms"`
	DetectedIntent    Intent   `json:"detected_intent"`
	IntentConfidence  float64  `json:"intent_confidence"`
	FunctionCallsMade []string `json:"function_calls_made"`
	SuggestedActions  []string `json:"suggested_actions"`
}

// Classification 意图分类结果
type Classification struct {
	Intent     Intent         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// UnclearClassification 分类失败时的兜底结果
func UnclearClassification() Classification {
	return Classification{Intent: IntentUnclear, Confidence: 0, Entities: map[string]any{}}
}
