package projects

import (
	"time"

	"github.com/keystonehq/keystone-sync/internal/syncerr"
)

// Record is implemented by every domain type held in a collection.
type Record[T any] interface {
	RecordID() string
	WithRecordID(id string) T
	Validate() error
}

type Project struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Client   string    `json:"client,omitempty" yaml:"client"`
	Status   string    `json:"status,omitempty" yaml:"status"`
	Budget   int64     `json:"budget,omitempty" yaml:"budget"`
	StartsOn time.Time `json:"startsOn,omitzero" yaml:"startsOn"`
	EndsOn   time.Time `json:"endsOn,omitzero" yaml:"endsOn"`
}

func (p Project) RecordID() string { return p.ID }

func (p Project) WithRecordID(id string) Project {
	p.ID = id
	return p
}

func (p Project) Validate() error {
	if p.Name == "" {
		return syncerr.Required("name")
	}
	if !p.StartsOn.IsZero() && !p.EndsOn.IsZero() && p.EndsOn.Before(p.StartsOn) {
		return syncerr.ValidationError{Field: "endsOn", Reason: "is before startsOn"}
	}
	return nil
}

type Milestone struct {
	ID        string    `json:"id" yaml:"id"`
	ProjectID string    `json:"projectId,omitempty" yaml:"projectId"`
	Title     string    `json:"title" yaml:"title"`
	Status    string    `json:"status,omitempty" yaml:"status"`
	Amount    int64     `json:"amount,omitempty" yaml:"amount"`
	DueOn     time.Time `json:"dueOn,omitzero" yaml:"dueOn"`
}

func (m Milestone) RecordID() string { return m.ID }

func (m Milestone) WithRecordID(id string) Milestone {
	m.ID = id
	return m
}

func (m Milestone) Validate() error {
	if m.Title == "" {
		return syncerr.Required("title")
	}
	if m.Amount < 0 {
		return syncerr.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	return nil
}

// Variation is a requested change to a project's scope or price.
type Variation struct {
	ID          string `json:"id" yaml:"id"`
	ProjectID   string `json:"projectId,omitempty" yaml:"projectId"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Amount      int64  `json:"amount" yaml:"amount"`
	Status      string `json:"status,omitempty" yaml:"status"`
}

func (v Variation) RecordID() string { return v.ID }

func (v Variation) WithRecordID(id string) Variation {
	v.ID = id
	return v
}

func (v Variation) Validate() error {
	if v.Title == "" {
		return syncerr.Required("title")
	}
	return nil
}

type Ticket struct {
	ID          string `json:"id" yaml:"id"`
	ProjectID   string `json:"projectId,omitempty" yaml:"projectId"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Status      string `json:"status,omitempty" yaml:"status"`
	Priority    string `json:"priority,omitempty" yaml:"priority"`
	Assignee    string `json:"assignee,omitempty" yaml:"assignee"`
}

func (t Ticket) RecordID() string { return t.ID }

func (t Ticket) WithRecordID(id string) Ticket {
	t.ID = id
	return t
}

func (t Ticket) Validate() error {
	if t.Title == "" {
		return syncerr.Required("title")
	}
	return nil
}

type Invoice struct {
	ID        string    `json:"id" yaml:"id"`
	ProjectID string    `json:"projectId,omitempty" yaml:"projectId"`
	Number    string    `json:"number,omitempty" yaml:"number"`
	Amount    int64     `json:"amount" yaml:"amount"`
	Status    string    `json:"status,omitempty" yaml:"status"`
	DueOn     time.Time `json:"dueOn,omitzero" yaml:"dueOn"`
}

func (i Invoice) RecordID() string { return i.ID }

func (i Invoice) WithRecordID(id string) Invoice {
	i.ID = id
	return i
}

func (i Invoice) Validate() error {
	if i.Amount <= 0 {
		return syncerr.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return nil
}

// Approval is a decision on a variation.
type Approval struct {
	ID          string `json:"id" yaml:"id"`
	ProjectID   string `json:"projectId,omitempty" yaml:"projectId"`
	VariationID string `json:"variationId" yaml:"variationId"`
	Approver    string `json:"approver" yaml:"approver"`
	Decision    string `json:"decision" yaml:"decision"`
	Comment     string `json:"comment,omitempty" yaml:"comment"`
}

func (a Approval) RecordID() string { return a.ID }

func (a Approval) WithRecordID(id string) Approval {
	a.ID = id
	return a
}

func (a Approval) Validate() error {
	switch {
	case a.VariationID == "":
		return syncerr.Required("variationId")
	case a.Approver == "":
		return syncerr.Required("approver")
	}
	switch a.Decision {
	case "approved", "rejected", "pending":
		return nil
	default:
		return syncerr.ValidationError{Field: "decision", Reason: "must be approved, rejected or pending"}
	}
}

type TeamMember struct {
	ID        string `json:"id" yaml:"id"`
	ProjectID string `json:"projectId,omitempty" yaml:"projectId"`
	Name      string `json:"name" yaml:"name"`
	Email     string `json:"email,omitempty" yaml:"email"`
	Role      string `json:"role,omitempty" yaml:"role"`
}

func (m TeamMember) RecordID() string { return m.ID }

func (m TeamMember) WithRecordID(id string) TeamMember {
	m.ID = id
	return m
}

func (m TeamMember) Validate() error {
	if m.Name == "" {
		return syncerr.Required("name")
	}
	return nil
}

// FileAsset is the metadata of an uploaded file. Upload itself happens
// elsewhere; only the record is synchronised.
type FileAsset struct {
	ID          string `json:"id" yaml:"id"`
	ProjectID   string `json:"projectId,omitempty" yaml:"projectId"`
	Name        string `json:"name" yaml:"name"`
	ContentType string `json:"contentType,omitempty" yaml:"contentType"`
	Size        int64  `json:"size,omitempty" yaml:"size"`
	URL         string `json:"url,omitempty" yaml:"url"`
}

func (f FileAsset) RecordID() string { return f.ID }

func (f FileAsset) WithRecordID(id string) FileAsset {
	f.ID = id
	return f
}

func (f FileAsset) Validate() error {
	if f.Name == "" {
		return syncerr.Required("name")
	}
	return nil
}
