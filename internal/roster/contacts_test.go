package roster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flant/roster-sync/internal/types"
)

const sampleContact = `{"Contacts":[{
	"Id": 501,
	"FirstName": "Jane",
	"LastName": "Doe",
	"Email": "jane@example.com",
	"DisplayName": "Doe, Jane",
	"Status": "Active",
	"MembershipEnabled": true,
	"ProfileLastUpdated": "2022-01-05T10:11:12-06:00",
	"MembershipLevel": {"Id": 3, "Name": "Standard", "Url": "https://example.com/levels/3"},
	"FieldValues": [
		{"FieldName": "AD Username", "SystemCode": "custom-1", "Value": "jdoe"},
		{"FieldName": "RFID Tag", "SystemCode": "custom-2", "Value": "ABC123, def456 ,ghi789"},
		{"FieldName": "Disabled", "SystemCode": "custom-3", "Value": {"Id": 1, "Label": "Yes"}},
		{"FieldName": "Computer Authorizations", "SystemCode": "custom-4", "Value": [{"Id": 1, "Label": "Laser"}, {"Id": 2, "Label": "CNC"}]},
		{"FieldName": "Archived", "SystemCode": "IsArchived", "Value": false},
		{"FieldName": "Notes", "SystemCode": "custom-5", "Value": null}
	]
}]}`

func Test_DecodeContact(t *testing.T) {
	env, err := decodeEnvelope([]byte(sampleContact))
	require.NoError(t, err)
	require.True(t, env.HasContacts)
	require.Len(t, env.Contacts, 1)

	r := env.Contacts[0]
	assert.Equal(t, int64(501), r.ID)
	assert.Equal(t, "Jane", r.FirstName)
	assert.True(t, r.MembershipEnabled)
	require.NotNil(t, r.MembershipLevel)
	assert.Equal(t, "Standard", r.MembershipLevel.Name)
	assert.True(t, r.ProfileLastUpdated.Equal(time.Date(2022, 1, 5, 16, 11, 12, 0, time.UTC)))

	assert.Equal(t, []types.FieldValue{
		{Name: "AD Username", SystemCode: "custom-1", Kind: types.FieldText, Text: "jdoe"},
		{Name: "RFID Tag", SystemCode: "custom-2", Kind: types.FieldText, Text: "ABC123, def456 ,ghi789"},
		{Name: "Disabled", SystemCode: "custom-3", Kind: types.FieldChoice, Labels: []string{"Yes"}},
		{Name: "Computer Authorizations", SystemCode: "custom-4", Kind: types.FieldChoiceList, Labels: []string{"Laser", "CNC"}},
		{Name: "Archived", SystemCode: "IsArchived", Kind: types.FieldText, Text: "false"},
		{Name: "Notes", SystemCode: "custom-5", Kind: types.FieldEmpty},
	}, r.FieldValues)
}

func Test_DecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		want    contactsEnvelope
	}{
		{name: "empty contacts", body: `{"Contacts":[]}`, want: contactsEnvelope{HasContacts: true, Contacts: []types.RosterRecord{}}},
		{name: "async pointer", body: `{"ResultUrl":"https://example.com/r/1"}`, want: contactsEnvelope{ResultURL: "https://example.com/r/1"}},
		{name: "processing", body: `{"State":"Processing"}`, want: contactsEnvelope{State: stateProcessing}},
		{name: "unrelated object", body: `{}`, wantErr: true},
		{name: "garbage", body: `<html>`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := decodeEnvelope([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, env)
		})
	}
}

func Test_MissingMembershipLevel(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"Contacts":[{"Id":1,"Status":"PendingNew"}]}`))
	require.NoError(t, err)
	assert.Nil(t, env.Contacts[0].MembershipLevel)
	assert.False(t, env.Contacts[0].MembershipEnabled)
}
