package roster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flant/roster-sync/internal/types"
)

const (
	stateWaiting    = "Waiting"
	stateProcessing = "Processing"
	stateComplete   = "Complete"
	stateFailed     = "Failed"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
}

type contact struct {
	ID                 int64  `json:"Id"`
	FirstName          string `json:"FirstName"`
	LastName           string `json:"LastName"`
	Email              string `json:"Email"`
	DisplayName        string `json:"DisplayName"`
	Organization       string `json:"Organization"`
	Status             string `json:"Status"`
	MembershipEnabled  *bool  `json:"MembershipEnabled"`
	ProfileLastUpdated string `json:"ProfileLastUpdated"`
	MembershipLevel    *struct {
		ID   int64  `json:"Id"`
		Name string `json:"Name"`
		URL  string `json:"Url"`
	} `json:"MembershipLevel"`
	FieldValues []struct {
		FieldName  string          `json:"FieldName"`
		SystemCode string          `json:"SystemCode"`
		Value      json.RawMessage `json:"Value"`
	} `json:"FieldValues"`
}

// contactsEnvelope is either a finished payload or a pointer to an
// asynchronous export.
type contactsEnvelope struct {
	HasContacts bool
	Contacts    []types.RosterRecord
	ResultURL   string
	State       string
}

func decodeEnvelope(body []byte) (contactsEnvelope, error) {
	if !gjson.ValidBytes(body) {
		return contactsEnvelope{}, fmt.Errorf("malformed roster payload")
	}

	env := contactsEnvelope{
		ResultURL: gjson.GetBytes(body, "ResultUrl").String(),
		State:     gjson.GetBytes(body, "State").String(),
	}

	if !gjson.GetBytes(body, "Contacts").Exists() {
		if env.ResultURL == "" && env.State == "" {
			return contactsEnvelope{}, fmt.Errorf("roster payload has neither Contacts nor ResultUrl")
		}
		return env, nil
	}

	var payload struct {
		Contacts []contact `json:"Contacts"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return contactsEnvelope{}, fmt.Errorf("decode contacts: %w", err)
	}

	env.HasContacts = true
	env.Contacts = make([]types.RosterRecord, 0, len(payload.Contacts))
	for _, c := range payload.Contacts {
		env.Contacts = append(env.Contacts, c.toRecord())
	}

	return env, nil
}

func (c contact) toRecord() types.RosterRecord {
	r := types.RosterRecord{
		ID:           c.ID,
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Email:        c.Email,
		DisplayName:  c.DisplayName,
		Organization: c.Organization,
		Status:       c.Status,
	}
	if c.MembershipEnabled != nil {
		r.MembershipEnabled = *c.MembershipEnabled
	}
	if c.MembershipLevel != nil {
		r.MembershipLevel = &types.MembershipLevel{ID: c.MembershipLevel.ID, Name: c.MembershipLevel.Name, URL: c.MembershipLevel.URL}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, c.ProfileLastUpdated); err == nil {
			r.ProfileLastUpdated = t
			break
		}
	}
	for _, f := range c.FieldValues {
		r.FieldValues = append(r.FieldValues, parseFieldValue(f.FieldName, f.SystemCode, f.Value))
	}

	return r
}

func parseFieldValue(name, code string, raw json.RawMessage) types.FieldValue {
	v := types.FieldValue{Name: name, SystemCode: code}
	value := gjson.ParseBytes(raw)

	switch {
	case !value.Exists() || value.Type == gjson.Null:
		v.Kind = types.FieldEmpty
	case value.IsArray():
		v.Kind = types.FieldChoiceList
		for _, item := range value.Array() {
			label := item.String()
			if item.IsObject() {
				label = item.Get("Label").String()
			}
			if label != "" {
				v.Labels = append(v.Labels, label)
			}
		}
	case value.IsObject():
		v.Kind = types.FieldChoice
		if label := value.Get("Label").String(); label != "" {
			v.Labels = []string{label}
		}
	default:
		v.Kind = types.FieldText
		v.Text = value.String()
	}

	return v
}
