// Package domain holds the records served by the API: staff users, service
// providers, GED documents, key handovers and the landlord/tenant approach
// workflows.
package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Model is implemented by every stored record.
type Model interface {
	ResourceID() string
	SetResourceID(id string)
	Touch(now time.Time)
	Validate() error
	// Matches reports whether the record satisfies a free-text list filter.
	Matches(q string) bool
}

// Attachable records keep the ids of the GED documents attached to them.
type Attachable interface {
	Model
	AttachDocument(documentID string) bool
	DetachDocument(documentID string) bool
	AttachedDocuments() []string
}

// Meta is embedded in every record.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m *Meta) ResourceID() string { return m.ID }

func (m *Meta) SetResourceID(id string) { m.ID = id }

// Touch stamps the update time, and the creation time on first save.
func (m *Meta) Touch(now time.Time) {
	now = now.UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// Attachments lists attached document ids in ascending order without duplicates.
type Attachments struct {
	Documents []string `json:"documents,omitempty"`
}

func (a *Attachments) AttachedDocuments() []string { return slices.Clone(a.Documents) }

func (a *Attachments) AttachDocument(documentID string) bool {
	if slices.Contains(a.Documents, documentID) {
		return false
	}
	a.Documents = append(a.Documents, documentID)
	sort.Strings(a.Documents)
	return true
}

func (a *Attachments) DetachDocument(documentID string) bool {
	idx := slices.Index(a.Documents, documentID)
	if idx < 0 {
		return false
	}
	a.Documents = slices.Delete(a.Documents, idx, idx+1)
	if len(a.Documents) == 0 {
		a.Documents = nil
	}
	return true
}

// ValidationError lists the rejected fields of a request body.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("validation failed: %s", strings.Join(names, ", "))
}

// Add records a message for a field.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// Err returns nil when no field was rejected.
func (e *ValidationError) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		e.Add(field, "is required")
	}
}

func (e *ValidationError) email(field, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	at := strings.Index(value, "@")
	if at <= 0 || at == len(value)-1 || strings.Count(value, "@") != 1 {
		e.Add(field, "must be a valid email address")
	}
}

func (e *ValidationError) oneOf(field, value string, allowed ...string) {
	if value == "" {
		return
	}
	if !slices.Contains(allowed, value) {
		e.Add(field, fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")))
	}
}

// AsMap flattens a record into the generic shape policy conditions evaluate.
func AsMap(m any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("domain: encode: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("domain: decode: %w", err)
	}
	return out, nil
}

func containsFold(q string, fields ...string) bool {
	q = strings.TrimSpace(strings.ToLower(q))
	if q == "" {
		return true
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}
