// Package webhook turns arbitrary inbound webhook bodies into notification
// fields.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/lalithlochan/hookbox/internal/db"
)

const (
	defaultJSONTitle = "Notification"
	defaultFormTitle = "Form Notification"
	defaultRawTitle  = "Webhook Notification"

	maxMultipartMemory = 1 << 20
)

var (
	ErrInvalidJSON = errors.New("invalid JSON format")
	ErrInvalidForm = errors.New("invalid form body")
)

// Payload holds the notification fields extracted from a webhook.
type Payload struct {
	Title    string
	Message  string
	Type     string
	Priority string
	Metadata json.RawMessage
}

// Notification builds an unsaved notification for channelID.
func (p *Payload) Notification(channelID uuid.UUID) *db.Notification {
	return &db.Notification{
		ChannelID: channelID,
		Title:     p.Title,
		Message:   p.Message,
		Type:      p.Type,
		Priority:  p.Priority,
		Metadata:  p.Metadata,
	}
}

// Parse interprets body according to contentType. An empty content type is
// treated as JSON.
func Parse(contentType string, body []byte) (*Payload, error) {
	if contentType == "" {
		contentType = "application/json"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}

	switch {
	case strings.Contains(mediaType, "application/json") || strings.HasSuffix(mediaType, "+json"):
		return parseJSON(body)
	case mediaType == "text/plain":
		return &Payload{
			Title:    defaultRawTitle,
			Message:  string(body),
			Type:     db.TypeInfo,
			Priority: db.PriorityMedium,
			Metadata: json.RawMessage(`{}`),
		}, nil
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidForm, err)
		}
		return fromForm(values)
	case mediaType == "multipart/form-data":
		form, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(maxMultipartMemory)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidForm, err)
		}
		defer form.RemoveAll()
		return fromForm(form.Value)
	default:
		metadata, err := json.Marshal(map[string]string{"rawBody": string(body)})
		if err != nil {
			return nil, fmt.Errorf("failed to encode raw body: %w", err)
		}
		return &Payload{
			Title:    defaultRawTitle,
			Message:  string(body),
			Type:     db.TypeInfo,
			Priority: db.PriorityMedium,
			Metadata: metadata,
		}, nil
	}
}

func parseJSON(body []byte) (*Payload, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	// Compact form doubles as the fallback message and metadata.
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	p := &Payload{
		Title:    defaultJSONTitle,
		Message:  compact.String(),
		Type:     db.TypeInfo,
		Priority: db.PriorityMedium,
		Metadata: json.RawMessage(compact.Bytes()),
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return p, nil
	}
	if title := stringField(obj, "title"); title != "" {
		p.Title = title
	}
	if message := stringField(obj, "message"); message != "" {
		p.Message = message
	}
	p.Type = db.ParseType(stringField(obj, "type"))
	p.Priority = db.ParsePriority(stringField(obj, "priority"))

	if meta, ok := obj["metadata"]; ok && truthy(meta) {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		p.Metadata = raw
	}
	return p, nil
}

func fromForm(values map[string][]string) (*Payload, error) {
	flat := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			flat[k] = v
		}
	}
	encoded, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode form: %w", err)
	}

	p := &Payload{
		Title:    defaultFormTitle,
		Message:  string(encoded),
		Type:     db.ParseType(first(values, "type")),
		Priority: db.ParsePriority(first(values, "priority")),
		Metadata: encoded,
	}
	if title := first(values, "title"); title != "" {
		p.Title = title
	}
	if message := first(values, "message"); message != "" {
		p.Message = message
	}
	return p, nil
}

// stringField renders obj[key] as text. Non-string values are JSON encoded.
func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if !v {
			return ""
		}
	case float64:
		if v == 0 {
			return ""
		}
	}
	raw, err := json.Marshal(obj[key])
	if err != nil {
		return ""
	}
	return string(raw)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	}
	return true
}

func first(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
