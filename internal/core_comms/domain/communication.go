package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// CommunicationType is the delivery channel of a communication.
type CommunicationType string

const (
	TypeEmail   CommunicationType = "email"
	TypeSMS     CommunicationType = "sms"
	TypePush    CommunicationType = "push"
	TypeWebhook CommunicationType = "webhook"
)

// AllTypes lists the supported channels in a stable order.
var AllTypes = []CommunicationType{TypeEmail, TypeSMS, TypePush, TypeWebhook}

func (t CommunicationType) Valid() bool {
	switch t {
	case TypeEmail, TypeSMS, TypePush, TypeWebhook:
		return true
	}
	return false
}

// Value implements the driver.Valuer interface for CommunicationType.
func (t CommunicationType) Value() (driver.Value, error) {
	return string(t), nil
}

// Scan implements the sql.Scanner interface for CommunicationType.
func (t *CommunicationType) Scan(value interface{}) error {
	s, err := scanString(value, "CommunicationType")
	if err != nil {
		return err
	}
	*t = CommunicationType(s)
	if !t.Valid() {
		return fmt.Errorf("unknown CommunicationType value: %s", s)
	}
	return nil
}

// Priority is an advisory ordering hint for the dispatch queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Elevated reports whether the priority belongs in the fast lane.
func (p Priority) Elevated() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

func (p Priority) Value() (driver.Value, error) {
	return string(p), nil
}

func (p *Priority) Scan(value interface{}) error {
	s, err := scanString(value, "Priority")
	if err != nil {
		return err
	}
	*p = Priority(s)
	return nil
}

// Content is the channel-appropriate payload of a communication.
type Content struct {
	// Email
	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`

	// SMS body, push body, or plain email body.
	Body     string `json:"body,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Segments int    `json:"segments,omitempty"`

	// Push
	Title string `json:"title,omitempty"`

	// Push custom data, webhook JSON body, template variables.
	Data map[string]interface{} `json:"data,omitempty"`
}

// IsEmpty reports whether no renderable field is set.
func (c Content) IsEmpty() bool {
	return c.Subject == "" && c.HTML == "" && c.Text == "" && c.Body == "" && c.Title == "" && len(c.Data) == 0
}

// TemplateRef points at a stored template or carries an inline one. Inline wins.
type TemplateRef struct {
	ID     string          `json:"id,omitempty"`
	Inline *InlineTemplate `json:"inline,omitempty"`
}

// NeedsResolution reports whether the template has to be loaded from the store.
func (t *TemplateRef) NeedsResolution() bool {
	return t != nil && t.Inline == nil && t.ID != ""
}

// InlineTemplate is a template supplied together with the send request.
type InlineTemplate struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
	HTML    string `json:"html,omitempty"`
	Title   string `json:"title,omitempty"`
}

// Settings are per-message overrides of the dispatch defaults.
type Settings struct {
	EnableDeliveryReports *bool  `json:"enableDeliveryReports,omitempty"`
	MaxRetries            *int   `json:"maxRetries,omitempty"`
	RetryInterval         *int   `json:"retryInterval,omitempty"`
	Timeout               *int   `json:"timeout,omitempty"`
	Provider              string `json:"provider,omitempty"`
	WebhookURL            string `json:"webhookUrl,omitempty"`
}

const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 5
	DefaultTimeout       = 30
)

// Resolved returns a copy with every unset knob filled with its default.
func (s Settings) Resolved() Settings {
	out := s
	if out.EnableDeliveryReports == nil {
		v := true
		out.EnableDeliveryReports = &v
	}
	if out.MaxRetries == nil || *out.MaxRetries < 0 {
		v := DefaultMaxRetries
		out.MaxRetries = &v
	}
	if out.RetryInterval == nil || *out.RetryInterval <= 0 {
		v := DefaultRetryInterval
		out.RetryInterval = &v
	}
	if out.Timeout == nil || *out.Timeout <= 0 {
		v := DefaultTimeout
		out.Timeout = &v
	}
	return out
}

func (s Settings) MaxRetriesOrDefault() int {
	return *s.Resolved().MaxRetries
}

func (s Settings) RetryIntervalOrDefault() int {
	return *s.Resolved().RetryInterval
}

func (s Settings) TimeoutOrDefault() int {
	return *s.Resolved().Timeout
}

func (s Settings) DeliveryReportsEnabled() bool {
	return *s.Resolved().EnableDeliveryReports
}

// Context is tracing and business metadata carried through for observability.
type Context struct {
	UserID     string   `json:"userId,omitempty"`
	OrgID      string   `json:"orgId,omitempty"`
	CampaignID string   `json:"campaignId,omitempty"`
	RequestID  string   `json:"requestId,omitempty"`
	IPAddress  string   `json:"ipAddress,omitempty"`
	UserAgent  string   `json:"userAgent,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// LogAttrs flattens the context into slog key/value pairs.
func (c Context) LogAttrs() []any {
	attrs := make([]any, 0, 8)
	if c.UserID != "" {
		attrs = append(attrs, "user_id", c.UserID)
	}
	if c.OrgID != "" {
		attrs = append(attrs, "org_id", c.OrgID)
	}
	if c.CampaignID != "" {
		attrs = append(attrs, "campaign_id", c.CampaignID)
	}
	if c.RequestID != "" {
		attrs = append(attrs, "request_id", c.RequestID)
	}
	return attrs
}

// CommError is the outcome error recorded on failed or bounced communications.
type CommError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e CommError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// DeliveryState summarizes what is known about delivery at the provider.
type DeliveryState string

const (
	DeliveryUnknown     DeliveryState = "unknown"
	DeliveryPending     DeliveryState = "pending"
	DeliveryAccepted    DeliveryState = "accepted"
	DeliveryDelivered   DeliveryState = "delivered"
	DeliveryBounced     DeliveryState = "bounced"
	DeliveryFailed      DeliveryState = "failed"
	DeliveryUnconfirmed DeliveryState = "unconfirmed"
)

// DeliveryStatus holds provider-reported delivery and engagement details.
type DeliveryStatus struct {
	State          DeliveryState `json:"state,omitempty"`
	ProviderStatus string        `json:"providerStatus,omitempty"`
	OpenedAt       *time.Time    `json:"openedAt,omitempty"`
	ClickedAt      *time.Time    `json:"clickedAt,omitempty"`
	ComplainedAt   *time.Time    `json:"complainedAt,omitempty"`
	UpdatedAt      *time.Time    `json:"updatedAt,omitempty"`
	// CheckedAt is when the provider was last asked for this message's state.
	CheckedAt      *time.Time    `json:"checkedAt,omitempty"`
}

// Communication is one outbound message and its lifecycle.
type Communication struct {
	ID                string            `json:"id"`
	BulkID            *string           `json:"bulkId,omitempty"`
	Type              CommunicationType `json:"type"`
	Status            Status            `json:"status"`
	Priority          Priority          `json:"priority"`
	To                []Recipient       `json:"to"`
	Content           Content           `json:"content"`
	Template          *TemplateRef      `json:"template,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	ScheduledAt       *time.Time        `json:"scheduledAt,omitempty"`
	SentAt            *time.Time        `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
	Cost              *float64          `json:"cost,omitempty"`
	DeliveryStatus    DeliveryStatus    `json:"deliveryStatus"`
	Error             *CommError        `json:"error,omitempty"`
	Settings          Settings          `json:"settings"`
	Context           Context           `json:"context"`
	RetryCount        int               `json:"retryCount"`
	NextRetryAt       *time.Time        `json:"nextRetryAt,omitempty"`
	IdempotencyKey    string            `json:"idempotencyKey,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// RetryPending reports whether a failed communication still has a retry armed.
func (c *Communication) RetryPending() bool {
	return c.Status == StatusFailed && c.NextRetryAt != nil
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (c *Communication) Clone() *Communication {
	if c == nil {
		return nil
	}
	out := *c
	if c.BulkID != nil {
		v := *c.BulkID
		out.BulkID = &v
	}
	out.To = append([]Recipient(nil), c.To...)
	if c.Template != nil {
		t := *c.Template
		if c.Template.Inline != nil {
			in := *c.Template.Inline
			t.Inline = &in
		}
		out.Template = &t
	}
	out.Content.Data = cloneMap(c.Content.Data)
	out.ScheduledAt = cloneTime(c.ScheduledAt)
	out.SentAt = cloneTime(c.SentAt)
	out.DeliveredAt = cloneTime(c.DeliveredAt)
	out.NextRetryAt = cloneTime(c.NextRetryAt)
	out.DeliveryStatus.OpenedAt = cloneTime(c.DeliveryStatus.OpenedAt)
	out.DeliveryStatus.ClickedAt = cloneTime(c.DeliveryStatus.ClickedAt)
	out.DeliveryStatus.ComplainedAt = cloneTime(c.DeliveryStatus.ComplainedAt)
	out.DeliveryStatus.UpdatedAt = cloneTime(c.DeliveryStatus.UpdatedAt)
	out.DeliveryStatus.CheckedAt = cloneTime(c.DeliveryStatus.CheckedAt)
	if c.Cost != nil {
		v := *c.Cost
		out.Cost = &v
	}
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	out.Context.Tags = append([]string(nil), c.Context.Tags...)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func scanString(value interface{}, typeName string) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("failed to scan %s: value is not string or []byte, it is %T", typeName, value)
	}
}
