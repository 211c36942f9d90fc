package domain

import (
	"fmt"
	"time"
)

// Job is the unit the dispatch queue carries: everything a worker needs to
// (re)compute one send attempt of a Communication.
type Job struct {
	JobName         string            `json:"jobName"`
	CommunicationID string            `json:"communicationId"`
	BulkID          string            `json:"bulkId,omitempty"`
	Type            CommunicationType `json:"type"`
	To              []Recipient       `json:"to"`
	Content         Content           `json:"content"`
	Template        *TemplateRef      `json:"template,omitempty"`
	Priority        Priority          `json:"priority,omitempty"`
	Settings        Settings          `json:"settings"`
	Context         Context           `json:"context"`
	Attempt         int               `json:"attempt"`
}

// JobHandle identifies an enqueued job.
type JobHandle struct {
	ID         string    `json:"id"`
	JobName    string    `json:"jobName"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// JobID is stable for a given communication and attempt.
func JobID(communicationID string, attempt int) string {
	return fmt.Sprintf("%s:%d", communicationID, attempt)
}

var channelJobNames = map[CommunicationType]string{
	TypeEmail:   "Email",
	TypeSMS:     "Sms",
	TypePush:    "Push",
	TypeWebhook: "Webhook",
}

// JobNameFor returns the worker routing key, e.g. sendEmail or sendBulkSmsWithTemplate.
func JobNameFor(channel CommunicationType, bulk, withTemplate bool) string {
	name := "send"
	if bulk {
		name += "Bulk"
	}
	name += channelJobNames[channel]
	if withTemplate {
		name += "WithTemplate"
	}
	return name
}

// NewJob builds the job for the given attempt of a communication.
func NewJob(c *Communication, attempt int) Job {
	bulkID := ""
	if c.BulkID != nil {
		bulkID = *c.BulkID
	}
	return Job{
		JobName:         JobNameFor(c.Type, bulkID != "", c.Template != nil),
		CommunicationID: c.ID,
		BulkID:          bulkID,
		Type:            c.Type,
		To:              c.To,
		Content:         c.Content,
		Template:        c.Template,
		Priority:        c.Priority,
		Settings:        c.Settings,
		Context:         c.Context,
		Attempt:         attempt,
	}
}

// Next returns the job for the following attempt.
func (j Job) Next() Job {
	j.Attempt++
	return j
}

func (j Job) ID() string {
	return JobID(j.CommunicationID, j.Attempt)
}
