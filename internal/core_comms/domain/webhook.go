package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType is the canonical delivery event taxonomy.
type EventType string

const (
	EventDelivery  EventType = "delivery"
	EventBounce    EventType = "bounce"
	EventComplaint EventType = "complaint"
	EventOpen      EventType = "open"
	EventClick     EventType = "click"
	EventFailed    EventType = "failed"
)

// WebhookPayload is the provider-agnostic inbound shape. Every field is optional;
// translators fill it from provider-specific bodies.
type WebhookPayload struct {
	MessageID       string                 `json:"messageId,omitempty"`
	CommunicationID string                 `json:"communicationId,omitempty"`
	Recipient       *RecipientEntry        `json:"recipient,omitempty"`
	Status          string                 `json:"status,omitempty"`
	EventType       string                 `json:"event_type,omitempty"`
	Type            string                 `json:"type,omitempty"`
	Error           *CommError             `json:"error,omitempty"`
	Cost            *FlexNumber            `json:"cost,omitempty"`
	Timestamp       *FlexTime              `json:"timestamp,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// RawEvent returns the provider's event word, preferring event_type, then status, then type.
func (p WebhookPayload) RawEvent() string {
	for _, v := range []string{p.EventType, p.Status, p.Type} {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// CanonicalEvent is a delivery outcome after vocabulary normalization.
type CanonicalEvent struct {
	Provider          string
	CommunicationID   string
	ProviderMessageID string
	Event             EventType
	RawEvent          string
	Error             *CommError
	Cost              *float64
	OccurredAt        *time.Time
}

// RawWebhook is an inbound provider callback as received over HTTP, before
// translation. It travels from the API edge to the reconciler over the broker.
type RawWebhook struct {
	Provider    string    `json:"provider"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body"`
	ReceivedAt  time.Time `json:"receivedAt"`
	RequestID   string    `json:"requestId,omitempty"`
}

// FlexNumber accepts a JSON number or a numeric string.
type FlexNumber float64

func (n *FlexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = FlexNumber(f)
	return nil
}

func (n *FlexNumber) Float() *float64 {
	if n == nil {
		return nil
	}
	f := float64(*n)
	return &f
}

// FlexTime accepts RFC3339 strings or unix timestamps in seconds or milliseconds,
// as a JSON number or a numeric string.
type FlexTime struct {
	time.Time
}

// unix timestamps above this are taken to be milliseconds.
const millisThreshold = 1e11

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	parsed, err := ParseFlexTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// ParseFlexTime parses the timestamp formats providers send.
func ParseFlexTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f > millisThreshold {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", time.RFC1123Z, time.RFC1123} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *FlexTime) TimePtr() *time.Time {
	if t == nil || t.Time.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
