package domain

import (
	"fmt"
	"strings"
	"time"
)

// Template is a stored message template, addressed by ID.
type Template struct {
	ID        string            `json:"id"`
	Type      CommunicationType `json:"type"`
	Name      string            `json:"name"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body,omitempty"`
	HTML      string            `json:"html,omitempty"`
	Title     string            `json:"title,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Inline converts a stored template to its inline form.
func (t *Template) Inline() *InlineTemplate {
	return &InlineTemplate{Subject: t.Subject, Body: t.Body, HTML: t.HTML, Title: t.Title}
}

// Apply fills content from the template, substituting {{key}} placeholders from
// content.Data. Fields the caller already set are kept.
func (t *InlineTemplate) Apply(content Content) Content {
	r := placeholderReplacer(content.Data)
	out := content
	if out.Subject == "" {
		out.Subject = r.Replace(t.Subject)
	}
	if out.Body == "" {
		out.Body = r.Replace(t.Body)
	}
	if out.HTML == "" {
		out.HTML = r.Replace(t.HTML)
	}
	if out.Title == "" {
		out.Title = r.Replace(t.Title)
	}
	return out
}

func placeholderReplacer(data map[string]interface{}) *strings.Replacer {
	pairs := make([]string, 0, len(data)*4)
	for k, v := range data {
		val := fmt.Sprint(v)
		pairs = append(pairs, "{{"+k+"}}", val, "{{ "+k+" }}", val)
	}
	return strings.NewReplacer(pairs...)
}
