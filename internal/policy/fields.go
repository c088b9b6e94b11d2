package policy

// Fields names the roster custom fields the policy reads.
type Fields struct {
	LogonName        string   `json:"logonName"`
	Tags             string   `json:"tags"`
	Authorizations   []string `json:"authorizations"`
	DisabledOverride string   `json:"disabledOverride"`
	DisabledLabel    string   `json:"disabledLabel"`
	Compliance       string   `json:"compliance"`
	// NotValidated lists compliance labels that count as unmet.
	NotValidated []string `json:"notValidated"`
}

func DefaultFields() Fields {
	return Fields{
		LogonName:        "AD Username",
		Tags:             "RFID Tag",
		Authorizations:   []string{"Computer Authorizations", "Authorizations"},
		DisabledOverride: "Disabled",
		DisabledLabel:    "Yes",
		Compliance:       "2022 Covid Vaccine Policy Compliance",
		NotValidated:     []string{"Not Validated"},
	}
}

// WithDefaults fills every unset name from DefaultFields.
func (f Fields) WithDefaults() Fields {
	d := DefaultFields()
	if f.LogonName == "" {
		f.LogonName = d.LogonName
	}
	if f.Tags == "" {
		f.Tags = d.Tags
	}
	if len(f.Authorizations) == 0 {
		f.Authorizations = d.Authorizations
	}
	if f.DisabledOverride == "" {
		f.DisabledOverride = d.DisabledOverride
	}
	if f.DisabledLabel == "" {
		f.DisabledLabel = d.DisabledLabel
	}
	if f.Compliance == "" {
		f.Compliance = d.Compliance
	}
	if len(f.NotValidated) == 0 {
		f.NotValidated = d.NotValidated
	}
	return f
}
