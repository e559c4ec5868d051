package models

import "github.com/shopspring/decimal"

// Role values accepted in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryTurn is one prior message of the conversation.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AttachmentKind classifies an admitted attachment.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindDocument AttachmentKind = "document"
)

// Attachment is a file or image admitted by the normalizer.
// Images carry raw bytes in Data; documents carry decoded, truncated Text.
type Attachment struct {
	Name     string
	MimeType string
	Kind     AttachmentKind
	Data     []byte
	Text     string
}

// Drop reasons reported for rejected attachments.
const (
	DropTooLarge        = "too_large"
	DropInvalidEncoding = "invalid_encoding"
	DropEmpty           = "empty"
	DropUnsupportedType = "unsupported_type"
)

// DroppedAttachment records an attachment that was not forwarded and why.
type DroppedAttachment struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ChatRequest is the normalized form of an inbound chat payload.
type ChatRequest struct {
	Message       string
	History       []HistoryTurn
	Attachments   []Attachment
	Dropped       []DroppedAttachment
	ModelSelector string

	// SessionCost and Balance are the client-held figures. Balance is nil
	// when the client did not send one.
	SessionCost decimal.Decimal
	Balance     *decimal.Decimal
}

// IsEmpty reports whether the request carries neither text nor any
// submitted attachment (admitted or dropped).
func (r *ChatRequest) IsEmpty() bool {
	return r.Message == "" && len(r.Attachments) == 0 && len(r.Dropped) == 0
}

// Costs are the monetary figures echoed back to the caller.
type Costs struct {
	Last    float64 `json:"last"`
	Session float64 `json:"session"`
	Balance float64 `json:"balance"`
}

// ChatResponse is the body returned by POST /api/chat.
// Usage and Costs are null when the request failed under the always-200 policy.
type ChatResponse struct {
	Reply     string              `json:"reply"`
	Usage     *UsageReport        `json:"usage"`
	Costs     *Costs              `json:"costs"`
	Truncated bool                `json:"truncated"`
	ModelUsed string              `json:"modelUsed,omitempty"`
	Fallback  bool                `json:"fallback,omitempty"`
	Dropped   []DroppedAttachment `json:"dropped,omitempty"`
}
