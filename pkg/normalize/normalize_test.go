package normalize

import (
	"bytes"
	"encoding/base64"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

var testLimits = Limits{MaxAttachmentBytes: 64, DocumentChars: 10, MaxHistory: 4}

var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

func TestMessageAliases(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"message":"hi"}`, "hi"},
		{`{"prompt":"  from prompt  "}`, "from prompt"},
		{`{"message":"   ","input":"from input"}`, "from input"},
		{`{"text":"t","content":"c"}`, "t"},
		{`{"content":"c"}`, "c"},
		{`{"message":42,"content":"c"}`, "c"},
		{`{}`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		req, err := FromJSON([]byte(tt.body), testLimits)
		require.NoError(t, err, tt.body)
		assert.Equal(t, tt.want, req.Message, tt.body)
	}
}

func TestFromJSONMalformed(t *testing.T) {
	for _, body := range []string{`{`, `[1,2]`, `"hello"`} {
		_, err := FromJSON([]byte(body), testLimits)
		assert.ErrorIs(t, err, ErrMalformed, body)
	}
}

func TestSelectorAndAmounts(t *testing.T) {
	req, err := FromJSON([]byte(`{"message":"x","thinkingMode":"deep","sessionCost":"0.25","balance":9.5}`), testLimits)
	require.NoError(t, err)
	assert.Equal(t, "deep", req.ModelSelector)
	assert.Equal(t, "0.25", req.SessionCost.String())
	require.NotNil(t, req.Balance)
	assert.Equal(t, "9.5", req.Balance.String())

	req, err = FromJSON([]byte(`{"message":"x","model":"sonnet","mode":"quick","balance":-3,"sessionCost":"abc"}`), testLimits)
	require.NoError(t, err)
	assert.Equal(t, "sonnet", req.ModelSelector)
	require.NotNil(t, req.Balance)
	assert.True(t, req.Balance.IsZero(), "negative balance clamps to zero")
	assert.True(t, req.SessionCost.IsZero())

	req, err = FromJSON([]byte(`{"message":"x"}`), testLimits)
	require.NoError(t, err)
	assert.Nil(t, req.Balance)
}

func TestHistory(t *testing.T) {
	raw := []any{
		map[string]any{"role": "user", "content": "  one  "},
		map[string]any{"role": "system", "content": "ignored"},
		map[string]any{"role": "assistant", "content": []any{"not", "text"}},
		map[string]any{"role": "assistant", "content": "two"},
		map[string]any{"content": "no role"},
		"not an object",
		map[string]any{"role": "user", "content": "   "},
		map[string]any{"role": "USER", "content": "three"},
	}
	got := History(raw, 0)
	assert.Equal(t, []models.HistoryTurn{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
	}, got)

	assert.Len(t, History(raw, 2), 2)
	assert.Equal(t, "three", History(raw, 2)[1].Content)
}

func TestHistoryAcceptsJSONString(t *testing.T) {
	got := History(`[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]`, 0)
	assert.Len(t, got, 2)

	assert.Empty(t, History(`not json`, 0))
	assert.Empty(t, History(map[string]any{"role": "user"}, 0))
	assert.Empty(t, History(nil, 0))
}

func TestSanitizeTurnsIdempotent(t *testing.T) {
	inputs := [][]models.HistoryTurn{
		nil,
		{{Role: "user", Content: " a "}, {Role: "bot", Content: "b"}, {Role: "assistant", Content: ""}},
		{{Role: "Assistant", Content: "x"}, {Role: "user", Content: "y"}, {Role: "user", Content: "z"},
			{Role: "assistant", Content: "w"}, {Role: "user", Content: "v"}, {Role: "assistant", Content: "u"}},
	}
	for _, in := range inputs {
		once := SanitizeTurns(in, testLimits.MaxHistory)
		twice := SanitizeTurns(once, testLimits.MaxHistory)
		assert.Equal(t, once, twice)
		assert.LessOrEqual(t, len(once), testLimits.MaxHistory)
	}
}

func TestAttachmentsClassification(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString
	raws := []RawAttachment{
		{Name: "a.png", MimeType: "image/png", Base64: b64(pngBytes)},
		{Name: "notes.txt", MimeType: "text/plain", Base64: b64([]byte("hello world, this is long"))},
		{Name: "huge.bin", MimeType: "application/pdf", Size: 1 << 20, Base64: b64([]byte("x"))},
		{Name: "bad.png", MimeType: "image/png", Base64: "!!!not base64!!!"},
		{Name: "blank.txt", MimeType: "text/plain", Base64: b64([]byte("   "))},
		{Name: "pic.bmp", MimeType: "image/bmp", Base64: b64([]byte("BM"))},
		{Name: "data.png", Base64: "data:image/png;base64," + b64(pngBytes)},
		{Name: "readme.md", Text: "# title"},
	}

	admitted, dropped := Attachments(raws, testLimits)

	// Every input lands in exactly one bucket.
	assert.Equal(t, len(raws), len(admitted)+len(dropped))

	require.Len(t, admitted, 4)
	assert.Equal(t, models.KindImage, admitted[0].Kind)
	assert.Equal(t, pngBytes, admitted[0].Data)

	assert.Equal(t, models.KindDocument, admitted[1].Kind)
	assert.Equal(t, "hello worl", admitted[1].Text, "documents truncate to the character budget")

	assert.Equal(t, models.KindImage, admitted[2].Kind)
	assert.Equal(t, "image/png", admitted[2].MimeType)

	assert.Equal(t, models.KindDocument, admitted[3].Kind)
	assert.Equal(t, "# title", admitted[3].Text)

	assert.Equal(t, []models.DroppedAttachment{
		{Name: "huge.bin", Reason: models.DropTooLarge},
		{Name: "bad.png", Reason: models.DropInvalidEncoding},
		{Name: "blank.txt", Reason: models.DropEmpty},
		{Name: "pic.bmp", Reason: models.DropUnsupportedType},
	}, dropped)
}

func TestAttachmentSizeCheckedBeforeDecode(t *testing.T) {
	// 100 bytes of valid-looking base64 chars decode to 75 bytes, over the
	// 64 byte ceiling; the invalid tail proves it is never decoded.
	payload := strings.Repeat("A", 96) + "!!!!"
	_, dropped := Attachments([]RawAttachment{{Name: "big", MimeType: "text/plain", Base64: payload}}, testLimits)
	require.Len(t, dropped, 1)
	assert.Equal(t, models.DropTooLarge, dropped[0].Reason)
}

func TestDecodeTextInvalidUTF8(t *testing.T) {
	got := DecodeText([]byte{'o', 'k', 0xff, 0xfe, '!'}, 0)
	assert.True(t, strings.HasPrefix(got, "ok"))
	assert.Contains(t, got, "�")
	assert.True(t, strings.HasSuffix(got, "!"))

	assert.Equal(t, "héll", DecodeText([]byte("héllo"), 4))
	assert.Equal(t, "bom", DecodeText([]byte("\xef\xbb\xbfbom"), 0))
}

func TestFromJSONAttachments(t *testing.T) {
	body := `{"message":"","files":[{"filename":"a.png","mimeType":"image/png","data":"` +
		base64.StdEncoding.EncodeToString(pngBytes) + `"}]}`
	req, err := FromJSON([]byte(body), testLimits)
	require.NoError(t, err)
	assert.Empty(t, req.Message)
	require.Len(t, req.Attachments, 1)
	assert.Equal(t, "a.png", req.Attachments[0].Name)
	assert.False(t, req.IsEmpty())
}

func TestAttachmentContentPlainOrBase64(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString
	lim := Limits{MaxAttachmentBytes: 1024, DocumentChars: 100}
	body := `{"message":"see files","attachments":[
		{"name":"plan.txt","type":"text/plain","content":"Ship it Friday."},
		{"name":"hi.txt","type":"text/plain","content":"hello"},
		{"name":"word.txt","type":"text/plain","content":"Test"},
		{"name":"enc.txt","type":"text/plain","content":"` + b64([]byte("encoded text")) + `"},
		{"name":"a.png","type":"image/png","content":"` + b64(pngBytes) + `"},
		{"name":"bad.png","type":"image/png","content":"not base64!"}
	]}`

	req, err := FromJSON([]byte(body), lim)
	require.NoError(t, err)

	require.Len(t, req.Attachments, 5)
	texts := make([]string, 0, 4)
	for _, a := range req.Attachments[:4] {
		assert.Equal(t, models.KindDocument, a.Kind, a.Name)
		texts = append(texts, a.Text)
	}
	assert.Equal(t, []string{"Ship it Friday.", "hello", "Test", "encoded text"}, texts)
	assert.Equal(t, models.KindImage, req.Attachments[4].Kind)
	assert.Equal(t, pngBytes, req.Attachments[4].Data)

	assert.Equal(t, []models.DroppedAttachment{{Name: "bad.png", Reason: models.DropInvalidEncoding}}, req.Dropped)
}

func TestEmptyRequest(t *testing.T) {
	req, err := FromJSON([]byte(`{"message":"  ","attachments":[]}`), testLimits)
	require.NoError(t, err)
	assert.True(t, req.IsEmpty())
}

func multipartRequest(t *testing.T, fields map[string]string, files map[string][]byte, limit int64) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, data := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+name+`"`)
		if strings.HasSuffix(name, ".png") {
			h.Set("Content-Type", "image/png")
		} else {
			h.Set("Content-Type", "text/plain")
		}
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/chat", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())
	if limit > 0 {
		r.Body = http.MaxBytesReader(httptest.NewRecorder(), r.Body, limit)
	}
	return r
}

func TestFromHTTPMultipart(t *testing.T) {
	r := multipartRequest(t,
		map[string]string{
			"prompt":       "describe",
			"history":      `[{"role":"user","content":"earlier"}]`,
			"thinkingMode": "quick",
			"balance":      "4.20",
		},
		map[string][]byte{
			"a.png":     pngBytes,
			"notes.txt": []byte("plain text"),
			"big.txt":   bytes.Repeat([]byte("x"), 100),
		},
		0,
	)

	req, err := FromHTTP(r, testLimits)
	require.NoError(t, err)
	assert.Equal(t, "describe", req.Message)
	assert.Equal(t, "quick", req.ModelSelector)
	assert.Len(t, req.History, 1)
	require.NotNil(t, req.Balance)
	assert.Equal(t, "4.2", req.Balance.String())

	require.Len(t, req.Attachments, 2)
	names := []string{req.Attachments[0].Name, req.Attachments[1].Name}
	assert.ElementsMatch(t, []string{"a.png", "notes.txt"}, names)
	assert.Equal(t, []models.DroppedAttachment{{Name: "big.txt", Reason: models.DropTooLarge}}, req.Dropped)
}

func TestFromHTTPBodyTooLarge(t *testing.T) {
	r := multipartRequest(t, map[string]string{"message": strings.Repeat("x", 4096)}, nil, 512)
	_, err := FromHTTP(r, testLimits)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	r = httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"`+strings.Repeat("x", 4096)+`"}`))
	r.Body = http.MaxBytesReader(httptest.NewRecorder(), r.Body, 512)
	_, err = FromHTTP(r, testLimits)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
