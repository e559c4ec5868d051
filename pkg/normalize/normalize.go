// Package normalize turns loosely typed chat payloads into a ChatRequest.
//
// Each field accepts an explicit, ordered list of names. The first
// non-empty value wins and anything else in the payload is ignored.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/config"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

var (
	// ErrMalformed is returned when the body cannot be parsed at all.
	ErrMalformed = errors.New("malformed request body")
	// ErrPayloadTooLarge is returned when the body exceeds the size ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrEmptyRequest means neither a message nor any attachment was sent.
	ErrEmptyRequest = errors.New("message or file required")
)

// Accepted field names, in priority order.
var (
	messageKeys  = []string{"message", "prompt", "input", "text", "content"}
	selectorKeys = []string{"model", "thinkingMode", "mode"}
	historyKeys  = []string{"history", "messages"}
	fileSetKeys  = []string{"attachments", "files"}
)

// Limits bound what the normalizer admits.
type Limits struct {
	MaxAttachmentBytes int64
	DocumentChars      int
	MaxHistory         int
}

// LimitsFrom extracts normalizer limits from config.
func LimitsFrom(c config.LimitsConfig) Limits {
	return Limits{
		MaxAttachmentBytes: c.MaxAttachmentBytes,
		DocumentChars:      c.DocumentChars,
		MaxHistory:         c.MaxHistory,
	}
}

// FromHTTP parses an inbound request body, JSON or multipart.
func FromHTTP(r *http.Request, lim Limits) (*models.ChatRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return nil, bodyError(err)
		}
		defer r.MultipartForm.RemoveAll()
		return FromMultipart(r.MultipartForm, lim)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, bodyError(err)
	}
	return FromJSON(body, lim)
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit %d bytes", ErrPayloadTooLarge, maxErr.Limit)
	}
	// Some multipart paths flatten the error to its text.
	if strings.Contains(err.Error(), "request body too large") {
		return fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// FromJSON normalizes a JSON object body. A blank body is an empty object.
func FromJSON(body []byte, lim Limits) (*models.ChatRequest, error) {
	fields := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	req := &models.ChatRequest{
		Message:       Message(fields),
		History:       History(first(fields, historyKeys), lim.MaxHistory),
		ModelSelector: Selector(fields),
		SessionCost:   amountOrZero(fields["sessionCost"]),
		Balance:       amount(fields["balance"]),
	}

	var raws []RawAttachment
	for _, k := range fileSetKeys {
		raws = append(raws, rawAttachments(fields[k])...)
	}
	req.Attachments, req.Dropped = Attachments(raws, lim)
	return req, nil
}

// Message returns the first non-blank string among the message aliases.
func Message(fields map[string]any) string {
	return firstString(fields, messageKeys)
}

// Selector returns the requested model or thinking mode, if any.
func Selector(fields map[string]any) string {
	return firstString(fields, selectorKeys)
}

func first(fields map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(fields map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// amount parses a monetary figure sent as a number or numeric string.
// Negative values clamp to zero; anything unparsable is treated as absent.
func amount(v any) *decimal.Decimal {
	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(x.String())
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(x))
	case float64:
		d = decimal.NewFromFloat(x)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	if d.IsNegative() {
		d = decimal.Zero
	}
	return &d
}

func amountOrZero(v any) decimal.Decimal {
	if d := amount(v); d != nil {
		return *d
	}
	return decimal.Zero
}
