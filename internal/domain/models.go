package domain

import (
	"strconv"
	"time"
)

const (
	RoleAdmin     = "admin"
	RoleAgent     = "agent"
	RoleComptable = "comptable"
)

// User is a staff member of the agency.
type User struct {
	Meta
	Attachments
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role"`
}

func (u *User) Validate() error {
	var verr ValidationError
	verr.required("name", u.Name)
	verr.required("email", u.Email)
	verr.email("email", u.Email)
	verr.required("role", u.Role)
	verr.oneOf("role", u.Role, RoleAdmin, RoleAgent, RoleComptable)
	return verr.Err()
}

func (u *User) Matches(q string) bool {
	return containsFold(q, u.Name, u.Email, u.Role)
}

// Prestataire is an external service provider (plumber, diagnostician, ...).
type Prestataire struct {
	Meta
	Attachments
	Name    string `json:"name"`
	Trade   string `json:"trade"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Siret   string `json:"siret,omitempty"`
	Address string `json:"address,omitempty"`
}

func (p *Prestataire) Validate() error {
	var verr ValidationError
	verr.required("name", p.Name)
	verr.required("trade", p.Trade)
	verr.email("email", p.Email)
	if p.Siret != "" {
		if _, err := strconv.ParseUint(p.Siret, 10, 64); err != nil || len(p.Siret) != 14 {
			verr.Add("siret", "must be 14 digits")
		}
	}
	return verr.Err()
}

func (p *Prestataire) Matches(q string) bool {
	return containsFold(q, p.Name, p.Trade, p.Email)
}

// AttachmentRef points a document at the record it is attached to.
type AttachmentRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Document is a GED entry. Only metadata and a checksum of the upload are kept.
type Document struct {
	Meta
	Name        string          `json:"name"`
	Category    string          `json:"category,omitempty"`
	ContentType string          `json:"contentType"`
	Size        int64           `json:"size"`
	Checksum    string          `json:"checksum"`
	StorageKey  string          `json:"storageKey"`
	OwnerID     string          `json:"ownerId"`
	AttachedTo  []AttachmentRef `json:"attachedTo,omitempty"`
}

func (d *Document) Validate() error {
	var verr ValidationError
	verr.required("name", d.Name)
	if d.Size < 0 {
		verr.Add("size", "must not be negative")
	}
	return verr.Err()
}

func (d *Document) Matches(q string) bool {
	return containsFold(q, d.Name, d.Category, d.ContentType)
}

// Attach records the document as attached to ref; it reports false when it already was.
func (d *Document) Attach(ref AttachmentRef) bool {
	for _, existing := range d.AttachedTo {
		if existing == ref {
			return false
		}
	}
	d.AttachedTo = append(d.AttachedTo, ref)
	return true
}

// Detach removes ref; it reports false when the document was not attached to it.
func (d *Document) Detach(ref AttachmentRef) bool {
	for i, existing := range d.AttachedTo {
		if existing == ref {
			d.AttachedTo = append(d.AttachedTo[:i], d.AttachedTo[i+1:]...)
			if len(d.AttachedTo) == 0 {
				d.AttachedTo = nil
			}
			return true
		}
	}
	return false
}

const (
	HandoverEntry = "entree"
	HandoverExit  = "sortie"
)

// RemiseCle records keys handed over for a property.
type RemiseCle struct {
	Meta
	Attachments
	PropertyRef string    `json:"propertyRef"`
	Recipient   string    `json:"recipient"`
	Direction   string    `json:"direction"`
	KeyCount    int       `json:"keyCount"`
	HandedAt    time.Time `json:"handedAt"`
	AgentID     string    `json:"agentId,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

func (r *RemiseCle) Validate() error {
	var verr ValidationError
	verr.required("propertyRef", r.PropertyRef)
	verr.required("recipient", r.Recipient)
	verr.required("direction", r.Direction)
	verr.oneOf("direction", r.Direction, HandoverEntry, HandoverExit)
	if r.KeyCount <= 0 {
		verr.Add("keyCount", "must be at least 1")
	}
	if r.HandedAt.IsZero() {
		verr.Add("handedAt", "is required")
	}
	return verr.Err()
}

func (r *RemiseCle) Matches(q string) bool {
	return containsFold(q, r.PropertyRef, r.Recipient, r.Direction)
}

const (
	ApproachProspect  = "prospect"
	ApproachContacted = "contacte"
	ApproachVisit     = "visite"
	ApproachSigned    = "signe"
	ApproachLost      = "perdu"
)

var approachStatuses = []string{ApproachProspect, ApproachContacted, ApproachVisit, ApproachSigned, ApproachLost}

// ApprocheProprietaire follows a prospective landlord through the mandate pipeline.
type ApprocheProprietaire struct {
	Meta
	Attachments
	OwnerName       string `json:"ownerName"`
	Email           string `json:"email,omitempty"`
	Phone           string `json:"phone,omitempty"`
	PropertyAddress string `json:"propertyAddress"`
	Status          string `json:"status"`
	AssignedTo      string `json:"assignedTo,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

func (a *ApprocheProprietaire) Validate() error {
	var verr ValidationError
	verr.required("ownerName", a.OwnerName)
	verr.required("propertyAddress", a.PropertyAddress)
	verr.email("email", a.Email)
	verr.required("status", a.Status)
	verr.oneOf("status", a.Status, approachStatuses...)
	return verr.Err()
}

func (a *ApprocheProprietaire) Matches(q string) bool {
	return containsFold(q, a.OwnerName, a.PropertyAddress, a.Status)
}

// ApprocheLocataire follows a prospective tenant looking for a rental.
type ApprocheLocataire struct {
	Meta
	Attachments
	TenantName string `json:"tenantName"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Budget     int    `json:"budget"`
	Status     string `json:"status"`
	AssignedTo string `json:"assignedTo,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (a *ApprocheLocataire) Validate() error {
	var verr ValidationError
	verr.required("tenantName", a.TenantName)
	verr.email("email", a.Email)
	if a.Budget < 0 {
		verr.Add("budget", "must not be negative")
	}
	verr.required("status", a.Status)
	verr.oneOf("status", a.Status, approachStatuses...)
	return verr.Err()
}

func (a *ApprocheLocataire) Matches(q string) bool {
	return containsFold(q, a.TenantName, a.Email, a.Status)
}
