package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
)

// flexID accepts ids sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	*f = flexID(b)
	return nil
}

type notificationBody struct {
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	ID       flexID `json:"id"`
	Resource string `json:"resource"`
	Data     struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

// parseNotification reads topic and resource id from the query string first
// and the body second. The processor has used both shapes over time. The
// second return value is the id the processor signs, which is the query
// data.id when present.
func parseNotification(r *http.Request) (domain.Notification, string) {
	q := r.URL.Query()

	var body notificationBody
	if raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes)); err == nil && len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &body)
	}

	topic := firstNonEmpty(q.Get("topic"), q.Get("type"), body.Type, body.Topic)
	id := firstNonEmpty(q.Get("data.id"), q.Get("id"), string(body.Data.ID), resourceTail(body.Resource), string(body.ID))
	signedID := firstNonEmpty(q.Get("data.id"), string(body.Data.ID), id)

	return domain.Notification{
		Topic: domain.Topic(strings.ToLower(strings.TrimSpace(topic))),
		ID:    strings.TrimSpace(id),
	}, signedID
}

func resourceTail(resource string) string {
	resource = strings.TrimRight(strings.TrimSpace(resource), "/")
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[i+1:]
	}
	return resource
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
