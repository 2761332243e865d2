package chat

// Request is one turn submitted by the web widget. The widget owns the
// conversation and resubmits the full history every turn.
type Request struct {
	ChatID          string    `json:"chatId,omitempty"`
	ClientSubmitted bool      `json:"clientDetailsSubmitStatus"`
	Language        string    `json:"language"`
	Messages        []Message `json:"messages"`
}

// Response carries the generated answer and the updated history back to the widget.
type Response struct {
	Answer      string    `json:"answer"`
	ChatHistory []Message `json:"chatHistory"`
	ChatID      string    `json:"chatId"`
}
