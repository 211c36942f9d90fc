package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

func TestTranslateGeneric(t *testing.T) {
	tr := NewTranslators().For("generic")

	one, err := tr.Translate([]byte(`{"messageId":"m-1","event_type":"delivery","timestamp":1746349200}`), "application/json")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "m-1", one[0].MessageID)
	assert.Equal(t, "delivery", one[0].RawEvent())
	require.NotNil(t, one[0].Timestamp)
	assert.True(t, time.Unix(1746349200, 0).Equal(one[0].Timestamp.Time))

	many, err := tr.Translate([]byte(`[{"messageId":"a","status":"delivered"},{"messageId":"b","type":"bounce"}]`), "")
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.Equal(t, "bounce", many[1].RawEvent())

	_, err = tr.Translate([]byte("  "), "")
	assert.Error(t, err)
	_, err = tr.Translate([]byte("{not json"), "")
	assert.Error(t, err)
}

func TestTranslators_UnknownProviderFallsBackToGeneric(t *testing.T) {
	out, err := NewTranslators().For("acme-mail").Translate([]byte(`{"messageId":"x","event_type":"opened"}`), "")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "x", out[0].MessageID)
}

func TestTranslateSendGrid(t *testing.T) {
	body := `[
		{"email":"tenant@example.com","event":"processed","sg_message_id":"abc.filter0001","timestamp":1746349200},
		{"email":"tenant@example.com","event":"bounce","sg_message_id":"abc.filter0001","reason":"550 no such user","status":"5.1.1","communication_id":"c1"},
		{"email":"tenant@example.com","event":"click","sg_message_id":"abc","url":"https://example.com/pay","sg_event_id":"ev-9"}
	]`
	out, err := NewTranslators().For("SendGrid").Translate([]byte(body), "application/json")
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "abc", out[0].MessageID)
	assert.Equal(t, "processed", out[0].EventType)
	assert.Nil(t, out[0].Error)
	require.NotNil(t, out[0].Recipient)
	assert.Equal(t, "tenant@example.com", out[0].Recipient.Raw)

	assert.Equal(t, "c1", out[1].CommunicationID)
	require.NotNil(t, out[1].Error)
	assert.Equal(t, "5.1.1", out[1].Error.Code)
	assert.Equal(t, "550 no such user", out[1].Error.Message)

	assert.Equal(t, "https://example.com/pay", out[2].Metadata["url"])
	assert.Equal(t, "ev-9", out[2].Metadata["sg_event_id"])

	_, err = NewTranslators().For("sendgrid").Translate([]byte(`{"event":"delivered"}`), "application/json")
	assert.Error(t, err)
}

func TestTranslateTwilio_Form(t *testing.T) {
	body := "MessageSid=SM123&MessageStatus=undelivered&ErrorCode=30003&To=%2B447700900123&Price=-0.0075"
	out, err := NewTranslators().For("twilio").Translate([]byte(body), "application/x-www-form-urlencoded; charset=utf-8")
	require.NoError(t, err)
	require.Len(t, out, 1)
	p := out[0]
	assert.Equal(t, "SM123", p.MessageID)
	assert.Equal(t, "undelivered", p.Status)
	require.NotNil(t, p.Error)
	assert.Equal(t, "30003", p.Error.Code)
	require.NotNil(t, p.Recipient)
	assert.Equal(t, "+447700900123", p.Recipient.Raw)
	require.NotNil(t, p.Cost)
	assert.InDelta(t, 0.0075, *p.Cost.Float(), 1e-9)

	ev, class := normalizeEvent(p.RawEvent())
	assert.Equal(t, eventCanonical, class)
	assert.Equal(t, domain.EventBounce, ev)
}

func TestTranslateTwilio_JSON(t *testing.T) {
	out, err := NewTranslators().For("twilio").Translate([]byte(`{"SmsSid":"SM9","SmsStatus":"delivered","CommunicationId":"c7"}`), "application/json")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "SM9", out[0].MessageID)
	assert.Equal(t, "c7", out[0].CommunicationID)
	assert.Equal(t, "delivered", out[0].RawEvent())
	assert.Nil(t, out[0].Error)
	assert.Nil(t, out[0].Cost)
}

func TestTranslateTwilio_MissingIdentifiers(t *testing.T) {
	_, err := NewTranslators().For("twilio").Translate([]byte("MessageStatus=sent"), "application/x-www-form-urlencoded")
	assert.Error(t, err)
}
