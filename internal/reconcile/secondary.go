package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/flant/roster-sync/internal/cloud"
	"github.com/flant/roster-sync/internal/policy"
	"github.com/flant/roster-sync/internal/types"
)

type CloudDirectory interface {
	FindByCorrelationID(ctx context.Context, correlationID string) (types.CloudIdentity, error)
	Create(ctx context.Context, identity types.CloudIdentity) (types.CloudIdentity, error)
	Update(ctx context.Context, identity types.CloudIdentity) error
}

// Secondary mirrors a primary identity into the secondary store. It
// reports whether anything was written.
type Secondary interface {
	Upsert(ctx context.Context, enabled bool, record types.RosterRecord, identity types.Identity) (bool, error)
}

type SecondarySyncer struct {
	cloud  CloudDirectory
	issuer string
	logger hclog.Logger
}

var _ Secondary = (*SecondarySyncer)(nil)

func NewSecondarySyncer(c CloudDirectory, issuer string, logger hclog.Logger) *SecondarySyncer {
	return &SecondarySyncer{
		cloud:  c,
		issuer: issuer,
		logger: logger.Named("secondary"),
	}
}

func (s *SecondarySyncer) Upsert(ctx context.Context, enabled bool, record types.RosterRecord, identity types.Identity) (bool, error) {
	logger := s.logger.With("roster_id", record.ID)

	if identity.ExternalGUID == "" {
		return false, fmt.Errorf("identity %q has no correlation id", identity.LogonName)
	}

	email := policy.Email(record)
	displayName := strings.TrimSpace(record.FirstName + " " + record.LastName)

	existing, err := s.cloud.FindByCorrelationID(ctx, identity.ExternalGUID)
	switch {
	case errors.Is(err, cloud.ErrNotFound):
		if !enabled {
			logger.Debug("no cloud identity for a disabled member, nothing to do")
			return false, nil
		}

		created, err := s.cloud.Create(ctx, types.CloudIdentity{
			AccountEnabled: true,
			GivenName:      record.FirstName,
			Surname:        record.LastName,
			DisplayName:    displayName,
			Mail:           email,
			CorrelationID:  identity.ExternalGUID,
			CRMNumber:      strconv.FormatInt(record.ID, 10),
			Identities: []types.SignInIdentity{
				{SignInType: types.SignInTypeEmail, Issuer: s.issuer, IssuerAssignedID: email},
				{SignInType: types.SignInTypeUserName, Issuer: s.issuer, IssuerAssignedID: identity.LogonName},
			},
		})
		if err != nil {
			return false, fmt.Errorf("create cloud identity: %w", err)
		}

		logger.Info(fmt.Sprintf("created cloud identity %s", created.ID))
		return true, nil
	case err != nil:
		return false, fmt.Errorf("look up cloud identity: %w", err)
	}

	updated := existing
	updated.AccountEnabled = enabled
	updated.GivenName = record.FirstName
	updated.Surname = record.LastName
	updated.DisplayName = displayName
	updated.Mail = email
	updated.Identities = syncEmailIdentity(existing.Identities, s.issuer, email)

	if sameCloudState(existing, updated) {
		return false, nil
	}

	err = s.cloud.Update(ctx, updated)
	switch {
	case errors.Is(err, cloud.ErrNotFound):
		logger.Warn(fmt.Sprintf("cloud identity %s vanished before update, it will be created on a later pass", existing.ID))
		return false, nil
	case err != nil:
		return false, fmt.Errorf("update cloud identity %s: %w", existing.ID, err)
	}

	logger.Info(fmt.Sprintf("updated cloud identity %s", existing.ID), "enabled", enabled)
	return true, nil
}

func syncEmailIdentity(identities []types.SignInIdentity, issuer, email string) []types.SignInIdentity {
	res := make([]types.SignInIdentity, 0, len(identities)+1)
	seen := false
	for _, i := range identities {
		if i.SignInType == types.SignInTypeEmail {
			if seen {
				continue
			}
			seen = true
			i.IssuerAssignedID = email
		}
		res = append(res, i)
	}
	if !seen && email != "" {
		res = append(res, types.SignInIdentity{SignInType: types.SignInTypeEmail, Issuer: issuer, IssuerAssignedID: email})
	}
	return res
}

func sameCloudState(a, b types.CloudIdentity) bool {
	if a.AccountEnabled != b.AccountEnabled || a.GivenName != b.GivenName || a.Surname != b.Surname ||
		a.DisplayName != b.DisplayName || a.Mail != b.Mail || len(a.Identities) != len(b.Identities) {
		return false
	}
	for i := range a.Identities {
		if a.Identities[i] != b.Identities[i] {
			return false
		}
	}
	return true
}
