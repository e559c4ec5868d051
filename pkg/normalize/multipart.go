package normalize

import (
	"fmt"
	"io"
	"mime/multipart"
	"sort"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

// FromMultipart normalizes a parsed multipart form. File parts under any
// field name become attachments; text fields follow the JSON aliases, with
// structured fields (history, attachments) sent as JSON-encoded strings.
func FromMultipart(form *multipart.Form, lim Limits) (*models.ChatRequest, error) {
	if form == nil {
		return nil, fmt.Errorf("%w: empty multipart form", ErrMalformed)
	}

	fields := make(map[string]any, len(form.Value))
	for k, vs := range form.Value {
		if len(vs) > 0 {
			fields[k] = vs[0]
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

	// Field iteration order is random; sort for a stable attachment order.
	keys := make([]string, 0, len(form.File))
	for k := range form.File {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, fh := range form.File[k] {
			raws = append(raws, fileAttachment(fh))
		}
	}

	req.Attachments, req.Dropped = Attachments(raws, lim)
	return req, nil
}

func fileAttachment(fh *multipart.FileHeader) RawAttachment {
	return RawAttachment{
		Name:     fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Size:     fh.Size,
		Open: func() ([]byte, error) {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			defer f.Close()
			return io.ReadAll(f)
		},
	}
}
