package policy

import (
	"strconv"
	"strings"

	"github.com/flant/roster-sync/internal/types"
	"github.com/flant/roster-sync/internal/util"
)

const (
	MaxLogonNameLength = 20
	MaxEmailLength     = 256
)

type Reason string

const (
	ReasonNoMembershipLevel      Reason = "no-membership-level"
	ReasonPendingNew             Reason = "pending-new"
	ReasonMembershipDisabledNew  Reason = "membership-disabled-at-create"
	ReasonLapsed                 Reason = "lapsed"
	ReasonComplianceUnset        Reason = "compliance-unset"
	ReasonComplianceNotValidated Reason = "compliance-not-validated"
	ReasonDisabledOverride       Reason = "disabled-override"
	ReasonMembershipDisabled     Reason = "membership-disabled"
)

// Existing describes what the primary directory already holds for the
// record.
type Existing struct {
	Found  bool
	Groups []string
}

type Profile struct {
	GivenName   string
	Surname     string
	DisplayName string
	Email       string
	EmployeeID  string
}

type Decision struct {
	ShouldExist      bool
	EnabledPrimary   bool
	EnabledSecondary bool
	Reasons          []Reason

	LogonName string
	Profile   Profile

	DesiredTags   []string
	DesiredGroups []string
	GroupsToAdd   []string
}

// Excluded reports records that never get an identity.
func Excluded(r types.RosterRecord) (Reason, bool) {
	switch {
	case r.MembershipLevel == nil:
		return ReasonNoMembershipLevel, true
	case r.Status == types.StatusPendingNew:
		return ReasonPendingNew, true
	}
	return "", false
}

func LogonName(r types.RosterRecord, fields Fields) string {
	f, _ := r.Field(fields.LogonName)
	if f.Kind != types.FieldText {
		return ""
	}
	return util.Truncate(strings.TrimSpace(f.Text), MaxLogonNameLength)
}

func Email(r types.RosterRecord) string {
	return util.Truncate(strings.TrimSpace(r.Email), MaxEmailLength)
}

// Evaluate decides the desired state of the identity derived from r.
func Evaluate(r types.RosterRecord, existing Existing, fields Fields) Decision {
	d := Decision{
		LogonName: LogonName(r, fields),
		Profile: Profile{
			GivenName:   r.FirstName,
			Surname:     r.LastName,
			DisplayName: strings.TrimSpace(r.FirstName + " " + r.LastName),
			Email:       Email(r),
			EmployeeID:  strconv.FormatInt(r.ID, 10),
		},
	}

	if reason, ok := Excluded(r); ok {
		d.Reasons = []Reason{reason}
		return d
	}
	if !existing.Found && !r.MembershipEnabled {
		d.Reasons = []Reason{ReasonMembershipDisabledNew}
		return d
	}

	d.ShouldExist = true
	v := evaluateEnablement(r, fields)
	d.EnabledPrimary, d.EnabledSecondary, d.Reasons = v.primary, v.secondary, v.reasons

	d.DesiredTags = Tags(r, fields)
	d.DesiredGroups = Groups(r, fields)
	d.GroupsToAdd = missing(d.DesiredGroups, existing.Groups)

	return d
}

type verdict struct {
	primary   bool
	secondary bool
	reasons   []Reason
}

func (v *verdict) disable(primary, secondary bool, reason Reason) {
	if primary {
		v.primary = false
	}
	if secondary {
		v.secondary = false
	}
	v.reasons = append(v.reasons, reason)
}

// rules run from the weakest to the strongest. A rule may only disable.
var rules = []func(r types.RosterRecord, fields Fields, v *verdict){
	func(r types.RosterRecord, _ Fields, v *verdict) {
		if r.Status == types.StatusLapsed {
			v.disable(true, true, ReasonLapsed)
		}
	},
	func(r types.RosterRecord, fields Fields, v *verdict) {
		f, _ := r.Field(fields.Compliance)
		switch label := choiceLabel(f); {
		case label == "":
			v.disable(true, false, ReasonComplianceUnset)
		case contains(fields.NotValidated, label):
			v.disable(true, false, ReasonComplianceNotValidated)
		}
	},
	func(r types.RosterRecord, fields Fields, v *verdict) {
		f, _ := r.Field(fields.DisabledOverride)
		if choiceLabel(f) == fields.DisabledLabel {
			v.disable(true, true, ReasonDisabledOverride)
		}
	},
	func(r types.RosterRecord, _ Fields, v *verdict) {
		if !r.MembershipEnabled {
			v.disable(true, true, ReasonMembershipDisabled)
		}
	},
}

func evaluateEnablement(r types.RosterRecord, fields Fields) verdict {
	v := verdict{primary: true, secondary: true}
	for _, rule := range rules {
		rule(r, fields, &v)
	}
	return v
}

// Tags splits the comma separated tag field. The result replaces whatever
// the identity held before.
func Tags(r types.RosterRecord, fields Fields) []string {
	f, _ := r.Field(fields.Tags)
	if f.Kind != types.FieldText {
		return nil
	}

	var tags []string
	for _, t := range strings.Split(f.Text, ",") {
		t = strings.TrimSpace(t)
		if t != "" && !contains(tags, t) {
			tags = append(tags, t)
		}
	}
	return tags
}

// Groups is the union of labels over every authorization field.
func Groups(r types.RosterRecord, fields Fields) []string {
	var groups []string
	for _, name := range fields.Authorizations {
		f, ok := r.Field(name)
		if !ok {
			continue
		}
		for _, label := range f.Labels {
			if label != "" && !contains(groups, label) {
				groups = append(groups, label)
			}
		}
	}
	return groups
}

func choiceLabel(f types.FieldValue) string {
	switch f.Kind {
	case types.FieldChoice:
		return f.Label()
	case types.FieldText:
		return strings.TrimSpace(f.Text)
	}
	return ""
}

func missing(desired, present []string) []string {
	var res []string
	for _, g := range desired {
		if !contains(present, g) {
			res = append(res, g)
		}
	}
	return res
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
