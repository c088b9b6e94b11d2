package types

import (
	"strings"
	"time"
)

const (
	StatusActive         = "Active"
	StatusLapsed         = "Lapsed"
	StatusPendingNew     = "PendingNew"
	StatusPendingRenewal = "PendingRenewal"
)

type FieldKind int

const (
	FieldEmpty FieldKind = iota
	FieldText
	FieldChoice
	FieldChoiceList
)

// FieldValue is a custom roster field, already resolved to one of the
// supported shapes.
type FieldValue struct {
	Name       string
	SystemCode string
	Kind       FieldKind
	Text       string
	Labels     []string
}

// Label returns the selected label of a single-choice field.
func (v FieldValue) Label() string {
	if v.Kind != FieldChoice || len(v.Labels) == 0 {
		return ""
	}
	return v.Labels[0]
}

func (v FieldValue) Empty() bool {
	switch v.Kind {
	case FieldText:
		return strings.TrimSpace(v.Text) == ""
	case FieldChoice:
		return v.Label() == ""
	case FieldChoiceList:
		return len(v.Labels) == 0
	}
	return true
}

type MembershipLevel struct {
	ID   int64
	Name string
	URL  string
}

type RosterRecord struct {
	ID                 int64
	FirstName          string
	LastName           string
	Email              string
	DisplayName        string
	Organization       string
	MembershipLevel    *MembershipLevel
	MembershipEnabled  bool
	Status             string
	ProfileLastUpdated time.Time
	FieldValues        []FieldValue
}

// Field looks a custom field up by its display name.
func (r RosterRecord) Field(name string) (FieldValue, bool) {
	for _, f := range r.FieldValues {
		if f.Name == name {
			return f, true
		}
	}
	return FieldValue{Name: name}, false
}

// Identity is an account in the primary directory.
type Identity struct {
	DN                string
	ExternalGUID      string
	LogonName         string
	GivenName         string
	Surname           string
	DisplayName       string
	Email             string
	UserPrincipalName string
	EmployeeID        string
	Enabled           bool
	Tags              []string
	Groups            []string
}

// NewIdentity carries the attributes an identity is created with.
type NewIdentity struct {
	LogonName         string
	GivenName         string
	Surname           string
	DisplayName       string
	Email             string
	UserPrincipalName string
	EmployeeID        string
	Enabled           bool
	Password          string
	Tags              []string
}

type GroupRef struct {
	Name string
	DN   string
}

const (
	SignInTypeEmail    = "emailAddress"
	SignInTypeUserName = "userName"
)

type SignInIdentity struct {
	SignInType       string
	Issuer           string
	IssuerAssignedID string
}

// CloudIdentity is an account in the secondary identity store.
type CloudIdentity struct {
	ID                        string
	AccountEnabled            bool
	GivenName                 string
	Surname                   string
	DisplayName               string
	Mail                      string
	Identities                []SignInIdentity
	CorrelationID             string
	CRMNumber                 string
	PasswordMigrationComplete bool
	AccountActivated          bool
}
