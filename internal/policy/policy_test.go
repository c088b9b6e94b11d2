package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flant/roster-sync/internal/types"
)

func text(name, value string) types.FieldValue {
	return types.FieldValue{Name: name, Kind: types.FieldText, Text: value}
}

func choice(name, label string) types.FieldValue {
	return types.FieldValue{Name: name, Kind: types.FieldChoice, Labels: []string{label}}
}

func choices(name string, labels ...string) types.FieldValue {
	return types.FieldValue{Name: name, Kind: types.FieldChoiceList, Labels: labels}
}

func activeRecord(fields ...types.FieldValue) types.RosterRecord {
	return types.RosterRecord{
		ID:                42,
		FirstName:         "Jane",
		LastName:          "Doe",
		Email:             "jane@example.com",
		MembershipLevel:   &types.MembershipLevel{ID: 1, Name: "Standard"},
		MembershipEnabled: true,
		Status:            types.StatusActive,
		FieldValues:       append([]types.FieldValue{text("AD Username", "jdoe")}, fields...),
	}
}

const compliant = "Validated"

func Test_ShouldExist(t *testing.T) {
	noLevel := activeRecord()
	noLevel.MembershipLevel = nil

	pending := activeRecord()
	pending.Status = types.StatusPendingNew

	disabled := activeRecord()
	disabled.MembershipEnabled = false

	tests := []struct {
		name     string
		record   types.RosterRecord
		existing Existing
		want     bool
		reason   Reason
	}{
		{"no membership level", noLevel, Existing{Found: true}, false, ReasonNoMembershipLevel},
		{"pending new", pending, Existing{}, false, ReasonPendingNew},
		{"membership disabled at create", disabled, Existing{}, false, ReasonMembershipDisabledNew},
		{"membership disabled on update", disabled, Existing{Found: true}, true, ""},
		{"active", activeRecord(), Existing{}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.record, tt.existing, DefaultFields())
			assert.Equal(t, tt.want, d.ShouldExist)
			if tt.reason != "" {
				assert.Equal(t, []Reason{tt.reason}, d.Reasons)
			}
		})
	}
}

func Test_Enablement(t *testing.T) {
	fields := DefaultFields()

	tests := []struct {
		name      string
		mutate    func(r *types.RosterRecord)
		primary   bool
		secondary bool
	}{
		{
			name: "active and compliant",
			mutate: func(r *types.RosterRecord) {
				r.FieldValues = append(r.FieldValues, choice(fields.Compliance, compliant))
			},
			primary: true, secondary: true,
		},
		{
			name:    "compliance unset soft-disables primary only",
			mutate:  func(r *types.RosterRecord) {},
			primary: false, secondary: true,
		},
		{
			name: "compliance not validated soft-disables primary only",
			mutate: func(r *types.RosterRecord) {
				r.FieldValues = append(r.FieldValues, choice(fields.Compliance, "Not Validated"))
			},
			primary: false, secondary: true,
		},
		{
			name: "override beats soft disable",
			mutate: func(r *types.RosterRecord) {
				r.FieldValues = append(r.FieldValues, choice(fields.DisabledOverride, "Yes"))
			},
			primary: false, secondary: false,
		},
		{
			name: "override with other label is ignored",
			mutate: func(r *types.RosterRecord) {
				r.FieldValues = append(r.FieldValues, choice(fields.Compliance, compliant), choice(fields.DisabledOverride, "No"))
			},
			primary: true, secondary: true,
		},
		{
			name: "lapsed",
			mutate: func(r *types.RosterRecord) {
				r.Status = types.StatusLapsed
				r.FieldValues = append(r.FieldValues, choice(fields.Compliance, compliant))
			},
			primary: false, secondary: false,
		},
		{
			name: "lapsed is not re-enabled by the soft disable",
			mutate: func(r *types.RosterRecord) {
				r.Status = types.StatusLapsed
			},
			primary: false, secondary: false,
		},
		{
			name: "membership disabled ignores every other field",
			mutate: func(r *types.RosterRecord) {
				r.MembershipEnabled = false
				r.FieldValues = append(r.FieldValues, choice(fields.Compliance, compliant), choice(fields.DisabledOverride, "No"))
			},
			primary: false, secondary: false,
		},
		{
			name: "membership disabled with compliance unset",
			mutate: func(r *types.RosterRecord) {
				r.MembershipEnabled = false
			},
			primary: false, secondary: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := activeRecord()
			tt.mutate(&r)

			d := Evaluate(r, Existing{Found: true}, fields)
			require.True(t, d.ShouldExist)
			assert.Equal(t, tt.primary, d.EnabledPrimary, "primary")
			assert.Equal(t, tt.secondary, d.EnabledSecondary, "secondary")
		})
	}
}

func Test_ReasonsAreOrdered(t *testing.T) {
	r := activeRecord(choice("Disabled", "Yes"))
	r.MembershipEnabled = false

	d := Evaluate(r, Existing{Found: true}, DefaultFields())
	assert.Equal(t, []Reason{ReasonComplianceUnset, ReasonDisabledOverride, ReasonMembershipDisabled}, d.Reasons)
}

func Test_Tags(t *testing.T) {
	r := activeRecord(text("RFID Tag", "ABC123, def456 ,ghi789"))

	d := Evaluate(r, Existing{Found: true}, DefaultFields())
	assert.Equal(t, []string{"ABC123", "def456", "ghi789"}, d.DesiredTags)

	r = activeRecord(text("RFID Tag", " , ,ABC123,,ABC123 "))
	assert.Equal(t, []string{"ABC123"}, Tags(r, DefaultFields()))

	assert.Nil(t, Tags(activeRecord(), DefaultFields()))
}

func Test_Groups(t *testing.T) {
	r := activeRecord(
		choices("Computer Authorizations", "Laser", "CNC"),
		choices("Authorizations", "CNC", "Woodshop"),
		choices("Unrelated", "Ignored"),
	)

	d := Evaluate(r, Existing{Found: true, Groups: []string{"Laser", "Printers"}}, DefaultFields())
	assert.Equal(t, []string{"Laser", "CNC", "Woodshop"}, d.DesiredGroups)
	assert.Equal(t, []string{"CNC", "Woodshop"}, d.GroupsToAdd)
}

func Test_GroupsAreAdditiveWhenDisabled(t *testing.T) {
	r := activeRecord(choices("Authorizations", "Laser"), choice("Disabled", "Yes"))

	d := Evaluate(r, Existing{Found: true}, DefaultFields())
	assert.False(t, d.EnabledPrimary)
	assert.Equal(t, []string{"Laser"}, d.GroupsToAdd)
}

func Test_Profile(t *testing.T) {
	r := activeRecord()
	r.FieldValues = []types.FieldValue{text("AD Username", "  averyveryverylongusername")}

	d := Evaluate(r, Existing{}, DefaultFields())
	assert.Equal(t, "averyveryverylonguse", d.LogonName)
	assert.Equal(t, Profile{
		GivenName:   "Jane",
		Surname:     "Doe",
		DisplayName: "Jane Doe",
		Email:       "jane@example.com",
		EmployeeID:  "42",
	}, d.Profile)
}

func Test_FieldsWithDefaults(t *testing.T) {
	f := Fields{Tags: "Badge"}.WithDefaults()

	assert.Equal(t, "Badge", f.Tags)
	assert.Equal(t, "AD Username", f.LogonName)
	assert.Equal(t, []string{"Computer Authorizations", "Authorizations"}, f.Authorizations)
}
