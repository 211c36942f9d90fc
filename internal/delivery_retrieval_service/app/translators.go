package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

// Translator turns one raw provider callback body into canonical payloads.
type Translator interface {
	Translate(body []byte, contentType string) ([]domain.WebhookPayload, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(body []byte, contentType string) ([]domain.WebhookPayload, error)

func (f TranslatorFunc) Translate(body []byte, contentType string) ([]domain.WebhookPayload, error) {
	return f(body, contentType)
}

// Translators picks a translator by provider name, falling back to the generic one.
type Translators struct {
	byProvider map[string]Translator
	fallback   Translator
}

// NewTranslators returns the built-in set: generic, sendgrid and twilio.
func NewTranslators() *Translators {
	return &Translators{
		byProvider: map[string]Translator{
			"generic":  TranslatorFunc(translateGeneric),
			"sendgrid": TranslatorFunc(translateSendGrid),
			"twilio":   TranslatorFunc(translateTwilio),
		},
		fallback: TranslatorFunc(translateGeneric),
	}
}

func (t *Translators) Register(provider string, tr Translator) {
	t.byProvider[strings.ToLower(provider)] = tr
}

func (t *Translators) For(provider string) Translator {
	if tr, ok := t.byProvider[strings.ToLower(provider)]; ok {
		return tr
	}
	return t.fallback
}

// translateGeneric accepts one canonical payload object or an array of them.
func translateGeneric(body []byte, _ string) ([]domain.WebhookPayload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty webhook body")
	}
	if body[0] == '[' {
		var out []domain.WebhookPayload
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode webhook array: %w", err)
		}
		return out, nil
	}
	var p domain.WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return []domain.WebhookPayload{p}, nil
}

// sendGridEvent is one element of a SendGrid event webhook batch.
type sendGridEvent struct {
	Email           string             `json:"email"`
	Event           string             `json:"event"`
	SGMessageID     string             `json:"sg_message_id"`
	SGEventID       string             `json:"sg_event_id"`
	Timestamp       *domain.FlexTime   `json:"timestamp"`
	Reason          string             `json:"reason"`
	Status          string             `json:"status"`
	Type            string             `json:"type"`
	URL             string             `json:"url"`
	CommunicationID string             `json:"communication_id"`
	CommIDCamel     string             `json:"communicationId"`
	Cost            *domain.FlexNumber `json:"cost"`
}

func translateSendGrid(body []byte, _ string) ([]domain.WebhookPayload, error) {
	var events []sendGridEvent
	if err := json.Unmarshal(bytes.TrimSpace(body), &events); err != nil {
		return nil, fmt.Errorf("decode sendgrid events: %w", err)
	}
	out := make([]domain.WebhookPayload, 0, len(events))
	for _, e := range events {
		p := domain.WebhookPayload{
			MessageID:       sendGridMessageID(e.SGMessageID),
			CommunicationID: firstNonEmpty(e.CommunicationID, e.CommIDCamel),
			EventType:       e.Event,
			Timestamp:       e.Timestamp,
			Cost:            e.Cost,
		}
		if e.Email != "" {
			p.Recipient = &domain.RecipientEntry{Raw: e.Email}
		}
		if e.Reason != "" || (e.Status != "" && e.Event != "delivered") {
			p.Error = &domain.CommError{Code: e.Status, Message: e.Reason}
		}
		if e.URL != "" || e.SGEventID != "" {
			p.Metadata = map[string]interface{}{}
			if e.URL != "" {
				p.Metadata["url"] = e.URL
			}
			if e.SGEventID != "" {
				p.Metadata["sg_event_id"] = e.SGEventID
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// sendGridMessageID strips the filter suffix SendGrid appends to the
// X-Message-Id it returned at send time.
func sendGridMessageID(id string) string {
	if i := strings.Index(id, ".filter"); i > 0 {
		return id[:i]
	}
	return id
}

// twilioCallback holds the status callback fields this system reads.
type twilioCallback struct {
	MessageSid      string `json:"MessageSid"`
	SmsSid          string `json:"SmsSid"`
	MessageStatus   string `json:"MessageStatus"`
	SmsStatus       string `json:"SmsStatus"`
	ErrorCode       string `json:"ErrorCode"`
	ErrorMessage    string `json:"ErrorMessage"`
	To              string `json:"To"`
	Price           string `json:"Price"`
	CommunicationID string `json:"CommunicationId"`
}

func translateTwilio(body []byte, contentType string) ([]domain.WebhookPayload, error) {
	var cb twilioCallback
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)
	if mediaType == "application/json" || (mediaType == "" && len(trimmed) > 0 && trimmed[0] == '{') {
		if err := json.Unmarshal(trimmed, &cb); err != nil {
			return nil, fmt.Errorf("decode twilio callback: %w", err)
		}
	} else {
		form, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("decode twilio form callback: %w", err)
		}
		cb = twilioCallback{
			MessageSid:      form.Get("MessageSid"),
			SmsSid:          form.Get("SmsSid"),
			MessageStatus:   form.Get("MessageStatus"),
			SmsStatus:       form.Get("SmsStatus"),
			ErrorCode:       form.Get("ErrorCode"),
			ErrorMessage:    form.Get("ErrorMessage"),
			To:              form.Get("To"),
			Price:           form.Get("Price"),
			CommunicationID: form.Get("CommunicationId"),
		}
	}

	p := domain.WebhookPayload{
		MessageID:       firstNonEmpty(cb.MessageSid, cb.SmsSid),
		CommunicationID: cb.CommunicationID,
		Status:          firstNonEmpty(cb.MessageStatus, cb.SmsStatus),
	}
	if p.MessageID == "" && p.CommunicationID == "" {
		return nil, fmt.Errorf("twilio callback without MessageSid")
	}
	if cb.To != "" {
		p.Recipient = &domain.RecipientEntry{Raw: cb.To}
	}
	if cb.ErrorCode != "" || cb.ErrorMessage != "" {
		p.Error = &domain.CommError{Code: cb.ErrorCode, Message: cb.ErrorMessage}
	}
	if cb.Price != "" {
		var n domain.FlexNumber
		if err := n.UnmarshalJSON([]byte(`"` + strings.TrimPrefix(cb.Price, "-") + `"`)); err == nil {
			p.Cost = &n
		}
	}
	return []domain.WebhookPayload{p}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
