package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Recipient is one canonical, validated destination. Address is the value the
// provider adapter sends to; the remaining fields echo the structured record
// the caller supplied, when there was one.
type Recipient struct {
	Address  string                 `json:"address"`
	Name     string                 `json:"name,omitempty"`
	Email    string                 `json:"email,omitempty"`
	Phone    string                 `json:"phone,omitempty"`
	Token    string                 `json:"token,omitempty"`
	URL      string                 `json:"url,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RecipientRecord is a structured recipient as callers send it.
type RecipientRecord struct {
	Email    string                 `json:"email,omitempty"`
	Phone    string                 `json:"phone,omitempty"`
	Token    string                 `json:"token,omitempty"`
	URL      string                 `json:"url,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AddressFor picks the field matching the channel.
func (r RecipientRecord) AddressFor(channel CommunicationType) string {
	switch channel {
	case TypeEmail:
		return r.Email
	case TypeSMS:
		return r.Phone
	case TypePush:
		return r.Token
	case TypeWebhook:
		return r.URL
	}
	return ""
}

// RecipientEntry is either a raw address or a structured record.
type RecipientEntry struct {
	Raw    string
	Record *RecipientRecord
}

func (e RecipientEntry) MarshalJSON() ([]byte, error) {
	if e.Record != nil {
		return json.Marshal(e.Record)
	}
	return json.Marshal(e.Raw)
}

func (e *RecipientEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty recipient")
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &e.Raw)
	case '{':
		var rec RecipientRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		e.Record = &rec
		return nil
	default:
		return fmt.Errorf("recipient must be a string or an object, got %s", string(data[:1]))
	}
}

// RecipientInput is the heterogeneous `to` field of a send request: a single
// address, an array of addresses, an array of recipient objects, or a mix.
type RecipientInput []RecipientEntry

func SingleRecipient(address string) RecipientInput {
	return RecipientInput{{Raw: address}}
}

func RecipientAddresses(addresses ...string) RecipientInput {
	out := make(RecipientInput, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, RecipientEntry{Raw: a})
	}
	return out
}

func (in *RecipientInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*in = nil
		return nil
	}
	if data[0] == '[' {
		var entries []RecipientEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
		*in = entries
		return nil
	}
	var single RecipientEntry
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*in = RecipientInput{single}
	return nil
}
