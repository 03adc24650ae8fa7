package model

// AgentRequest is the prompt context handed to the conversational agent for
// one scheduled run.
type AgentRequest struct {
	UserID         string `json:"user_id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	DeliveryFormat string `json:"delivery_format,omitempty"`
	Source         string `json:"source"`
}
