package reconcile

import "fmt"

type Outcome int

const (
	Skipped Outcome = iota
	Created
	Updated
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

const (
	ReasonMissingLogonName     = "missing-logon-name"
	ReasonMissingEmail         = "missing-email"
	ReasonLookup               = "primary-lookup"
	ReasonCreate               = "primary-create"
	ReasonCreateVerifyMismatch = "create-verify-mismatch"
	ReasonSave                 = "primary-save"
	ReasonGroupMembership      = "group-membership"
	ReasonSetEnabled           = "primary-set-enabled"
	ReasonCanceled             = "canceled"
)

// Result is the outcome of reconciling a single record.
type Result struct {
	RecordID  int64
	LogonName string
	Outcome   Outcome
	// Reason explains Skipped and Failed outcomes.
	Reason string
	// SecondaryDegraded is set when the primary store was updated but the
	// secondary store could not be.
	SecondaryDegraded bool
	Err               error
}

type Summary struct {
	Total    int
	Filtered int
	Skipped  int
	Created  int
	Updated  int
	Failed   int
	Degraded int
	Partial  bool
}

func (s *Summary) add(r Result) {
	switch r.Outcome {
	case Skipped:
		s.Skipped++
	case Created:
		s.Created++
	case Updated:
		s.Updated++
	case Failed:
		s.Failed++
	}
	if r.SecondaryDegraded {
		s.Degraded++
	}
}
