package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-password/password"

	"github.com/flant/roster-sync/internal/directory"
	"github.com/flant/roster-sync/internal/policy"
	"github.com/flant/roster-sync/internal/types"
)

// Engine brings the primary identity of one roster record in line with
// the policy decision, then mirrors it to the secondary store.
type Engine struct {
	dir       directory.Directory
	secondary Secondary
	fields    policy.Fields
	logger    hclog.Logger

	locks       *keyedMutex
	newPassword func() (string, error)
}

// NewEngine builds an engine. secondary may be nil when no secondary store
// is configured.
func NewEngine(dir directory.Directory, secondary Secondary, fields policy.Fields, logger hclog.Logger) *Engine {
	return &Engine{
		dir:       dir,
		secondary: secondary,
		fields:    fields.WithDefaults(),
		logger:    logger.Named("reconcile"),
		locks:     newKeyedMutex(),
		newPassword: func() (string, error) {
			return password.Generate(16, 4, 2, false, true)
		},
	}
}

func (e *Engine) Reconcile(ctx context.Context, record types.RosterRecord) Result {
	logger := e.logger.With("roster_id", record.ID)
	res := Result{RecordID: record.ID}

	if reason, ok := policy.Excluded(record); ok {
		logger.Info("record does not get an identity", "reason", reason)
		return skip(res, string(reason))
	}

	res.LogonName = policy.LogonName(record, e.fields)
	if res.LogonName == "" {
		logger.Warn(fmt.Sprintf("field %q is empty, skipping", e.fields.LogonName))
		return skip(res, ReasonMissingLogonName)
	}
	if policy.Email(record) == "" {
		logger.Warn("email is empty, skipping")
		return skip(res, ReasonMissingEmail)
	}
	logger = logger.With("logon_name", res.LogonName)

	if err := ctx.Err(); err != nil {
		return fail(res, ReasonCanceled, err)
	}

	unlock := e.locks.Lock(res.LogonName)
	defer unlock()

	identity, err := e.dir.FindByLogonName(ctx, res.LogonName)
	found := err == nil
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		logger.Error("identity lookup failed", "error", err)
		return fail(res, ReasonLookup, err)
	}

	d := policy.Evaluate(record, policy.Existing{Found: found, Groups: identity.Groups}, e.fields)
	if !d.ShouldExist {
		logger.Info("record does not get an identity", "reason", d.Reasons)
		return skip(res, reasonsString(d.Reasons))
	}
	if !d.EnabledPrimary {
		logger.Warn("identity will be disabled", "reasons", d.Reasons, "secondary_enabled", d.EnabledSecondary)
	}

	if found {
		identity, res = e.update(ctx, logger, d, identity, res)
	} else {
		identity, res = e.create(ctx, logger, d, res)
	}
	// a record that only missed group memberships still gets its enabled
	// state mirrored
	if res.Outcome == Failed && res.Reason != ReasonGroupMembership {
		return res
	}

	if e.secondary != nil {
		if _, err := e.secondary.Upsert(ctx, d.EnabledSecondary, record, identity); err != nil {
			logger.Warn("secondary store was not updated, it converges on the next pass", "error", err)
			res.SecondaryDegraded = true
		}
	}

	return res
}

func (e *Engine) create(ctx context.Context, logger hclog.Logger, d policy.Decision, res Result) (types.Identity, Result) {
	initial, err := e.newPassword()
	if err != nil {
		logger.Error("failed to generate initial credential", "error", err)
		return types.Identity{}, fail(res, ReasonCreate, err)
	}

	_, err = e.dir.Create(ctx, types.NewIdentity{
		LogonName:         d.LogonName,
		GivenName:         d.Profile.GivenName,
		Surname:           d.Profile.Surname,
		DisplayName:       d.Profile.DisplayName,
		Email:             d.Profile.Email,
		UserPrincipalName: d.Profile.Email,
		EmployeeID:        d.Profile.EmployeeID,
		Enabled:           d.EnabledPrimary,
		Password:          initial,
		Tags:              d.DesiredTags,
	})
	if err != nil {
		logger.Error("failed to create identity", "error", err)
		return types.Identity{}, fail(res, ReasonCreate, err)
	}

	identity, err := e.dir.FindByLogonName(ctx, d.LogonName)
	if err != nil {
		logger.Error("created identity is not visible", "error", err)
		return types.Identity{}, fail(res, ReasonCreateVerifyMismatch, err)
	}

	identity, err = e.addGroups(ctx, logger, d.DesiredGroups, identity)
	if err != nil {
		return identity, fail(res, ReasonGroupMembership, err)
	}

	logger.Info("identity created", "enabled", d.EnabledPrimary)
	res.Outcome = Created
	return identity, res
}

func (e *Engine) update(ctx context.Context, logger hclog.Logger, d policy.Decision, identity types.Identity, res Result) (types.Identity, Result) {
	// the enabled state goes first, no other write may hold it back
	if identity.Enabled != d.EnabledPrimary {
		if err := e.dir.SetEnabled(ctx, identity, d.EnabledPrimary); err != nil {
			logger.Error("failed to change enabled state", "error", err)
			return identity, fail(res, ReasonSetEnabled, err)
		}
		identity.Enabled = d.EnabledPrimary
		logger.Info(fmt.Sprintf("identity enabled set to %t", d.EnabledPrimary))
	}

	identity.Email = d.Profile.Email
	identity.UserPrincipalName = d.Profile.Email
	identity.EmployeeID = d.Profile.EmployeeID
	identity.Tags = d.DesiredTags

	if err := e.dir.Save(ctx, identity); err != nil {
		logger.Error("failed to save identity", "error", err)
		return identity, fail(res, ReasonSave, err)
	}

	identity, err := e.addGroups(ctx, logger, d.GroupsToAdd, identity)
	if err != nil {
		return identity, fail(res, ReasonGroupMembership, err)
	}

	logger.Debug("identity updated")
	res.Outcome = Updated
	return identity, res
}

func (e *Engine) addGroups(ctx context.Context, logger hclog.Logger, groups []string, identity types.Identity) (types.Identity, error) {
	var result *multierror.Error

	for _, name := range groups {
		ref, err := e.dir.ResolveGroup(ctx, name)
		if errors.Is(err, directory.ErrGroupNotFound) {
			logger.Warn(fmt.Sprintf("group %q does not exist in the directory", name))
			continue
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		err = e.dir.AddToGroup(ctx, ref, identity)
		switch {
		case err == nil:
			logger.Info(fmt.Sprintf("added to group %q", name))
		case errors.Is(err, directory.ErrAlreadyMember):
			logger.Debug(fmt.Sprintf("already in group %q", name))
		default:
			result = multierror.Append(result, err)
			continue
		}
		identity.Groups = append(identity.Groups, name)
	}

	if err := result.ErrorOrNil(); err != nil {
		logger.Error("group membership incomplete", "error", err)
		return identity, err
	}
	return identity, nil
}

func skip(res Result, reason string) Result {
	res.Outcome = Skipped
	res.Reason = reason
	return res
}

func fail(res Result, reason string, err error) Result {
	res.Outcome = Failed
	res.Reason = reason
	res.Err = err
	return res
}

func reasonsString(reasons []policy.Reason) string {
	if len(reasons) == 0 {
		return ""
	}
	s := string(reasons[0])
	for _, r := range reasons[1:] {
		s += "," + string(r)
	}
	return s
}
