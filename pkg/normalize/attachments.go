package normalize

import (
	"encoding/base64"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

// Attachment field aliases, in priority order.
var (
	nameKeys    = []string{"name", "filename", "fileName"}
	typeKeys    = []string{"type", "mimeType", "mime_type", "mediaType", "media_type"}
	payloadKeys = []string{"base64", "data"}
)

// Image types the upstream accepts as inline image blocks.
var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// RawAttachment is an attachment as submitted, before admission.
// Exactly one of Base64, Content, Data or Text carries the payload.
type RawAttachment struct {
	Name     string
	MimeType string
	// Size is the declared size in bytes, or 0 when unknown.
	Size   int64
	Base64 string
	// Content is either base64 or plain text; see contentIsBase64.
	Content string
	Data    []byte
	Text    string
	// Open lazily supplies Data, so size can be checked before reading.
	Open func() ([]byte, error)
}

// Attachments admits or drops each raw attachment, preserving input order.
// Every input ends up in exactly one of the two returned slices.
func Attachments(raws []RawAttachment, lim Limits) ([]models.Attachment, []models.DroppedAttachment) {
	var (
		admitted []models.Attachment
		dropped  []models.DroppedAttachment
	)
	for i, raw := range raws {
		att, reason := admit(raw, lim)
		if reason != "" {
			name := raw.Name
			if name == "" {
				name = defaultName(i)
			}
			dropped = append(dropped, models.DroppedAttachment{Name: name, Reason: reason})
			continue
		}
		if att.Name == "" {
			att.Name = defaultName(i)
		}
		admitted = append(admitted, att)
	}
	return admitted, dropped
}

func defaultName(i int) string {
	return "attachment-" + strconv.Itoa(i+1)
}

func admit(raw RawAttachment, lim Limits) (models.Attachment, string) {
	payload := raw.Base64
	text := raw.Text
	if payload == "" && raw.Content != "" {
		if contentIsBase64(raw.Content, normalizeType(raw.MimeType, raw.Name), lim.MaxAttachmentBytes) {
			payload = raw.Content
		} else {
			text = raw.Content
		}
	}
	mimeType := raw.MimeType

	if strings.HasPrefix(payload, "data:") {
		mt, data, ok := splitDataURL(payload)
		if !ok {
			return models.Attachment{}, models.DropInvalidEncoding
		}
		if mimeType == "" {
			mimeType = mt
		}
		payload = data
	}
	mimeType = normalizeType(mimeType, raw.Name)

	ceiling := lim.MaxAttachmentBytes
	if ceiling > 0 && raw.Size > ceiling {
		return models.Attachment{}, models.DropTooLarge
	}

	var data []byte
	switch {
	case payload != "":
		payload = stripSpace(payload)
		if ceiling > 0 && decodedLen(payload) > ceiling {
			return models.Attachment{}, models.DropTooLarge
		}
		b, err := decodeBase64(payload)
		if err != nil {
			return models.Attachment{}, models.DropInvalidEncoding
		}
		data = b
	case raw.Open != nil:
		b, err := raw.Open()
		if err != nil {
			return models.Attachment{}, models.DropInvalidEncoding
		}
		data = b
	case raw.Data != nil:
		data = raw.Data
	case text != "":
		data = []byte(text)
	}

	if ceiling > 0 && int64(len(data)) > ceiling {
		return models.Attachment{}, models.DropTooLarge
	}
	if len(data) == 0 {
		return models.Attachment{}, models.DropEmpty
	}

	att := models.Attachment{Name: raw.Name, MimeType: mimeType}
	if strings.HasPrefix(mimeType, "image/") {
		if !imageTypes[mimeType] {
			return models.Attachment{}, models.DropUnsupportedType
		}
		att.Kind = models.KindImage
		att.Data = data
		return att, ""
	}

	text = DecodeText(data, lim.DocumentChars)
	if strings.TrimSpace(text) == "" {
		return models.Attachment{}, models.DropEmpty
	}
	att.Kind = models.KindDocument
	att.Text = text
	return att, ""
}

// DecodeText decodes bytes as UTF-8, replacing invalid sequences with
// U+FFFD, and keeps at most limit characters when limit > 0.
func DecodeText(b []byte, limit int) string {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, b)
	if err != nil {
		out = []byte(strings.ToValidUTF8(string(b), string(utf8.RuneError)))
	}
	return truncateRunes(string(out), limit)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

func normalizeType(mimeType, name string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "image/jpg" {
		mt = "image/jpeg"
	}
	if mt == "" || mt == "application/octet-stream" {
		if guessed := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); guessed != "" {
			return normalizeType(guessed, "")
		}
	}
	if mt == "" {
		mt = "application/octet-stream"
	}
	return mt
}

// splitDataURL parses "data:<type>;base64,<payload>".
func splitDataURL(s string) (mimeType, payload string, ok bool) {
	header, payload, found := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !found || !strings.HasSuffix(header, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(header, ";base64"), payload, true
}

// contentIsBase64 decides how to read an ambiguous content field. Images
// and data URLs are always base64. Anything else is base64 only if it
// decodes, and for text types only if it decodes to valid UTF-8.
// Oversize payloads count as base64 so they are dropped before decoding.
func contentIsBase64(content, mimeType string, ceiling int64) bool {
	if strings.HasPrefix(content, "data:") || strings.HasPrefix(mimeType, "image/") {
		return true
	}
	s := stripSpace(content)
	if ceiling > 0 && decodedLen(s) > ceiling {
		return true
	}
	b, err := decodeBase64(s)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mimeType, "text/") || mimeType == "application/octet-stream" {
		return utf8.Valid(b)
	}
	return true
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
}

// decodedLen is the exact decoded size of a padded or unpadded payload.
func decodedLen(s string) int64 {
	trimmed := strings.TrimRight(s, "=")
	return int64(base64.RawStdEncoding.DecodedLen(len(trimmed)))
}

func decodeBase64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") || len(s)%4 == 0 {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b, nil
		}
	}
	if b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// rawAttachments reads inline attachment objects from a JSON array, or a
// JSON-encoded array string as sent by multipart clients.
func rawAttachments(v any) []RawAttachment {
	if s, ok := v.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil
		}
		v = decoded
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]RawAttachment, 0, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			// Keep the slot so it is reported instead of vanishing.
			out = append(out, RawAttachment{})
			continue
		}
		raw := RawAttachment{
			Name:     firstString(obj, nameKeys),
			MimeType: firstString(obj, typeKeys),
			Base64:   firstString(obj, payloadKeys),
		}
		if raw.Base64 == "" {
			raw.Content, _ = obj["content"].(string)
		}
		if raw.Base64 == "" && raw.Content == "" {
			raw.Text, _ = obj["text"].(string)
		}
		if d := amount(obj["size"]); d != nil {
			raw.Size = d.IntPart()
		}
		out = append(out, raw)
	}
	return out
}
