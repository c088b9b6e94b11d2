package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/flant/roster-sync/internal/types"
)

// DryRun answers reads from the wrapped directory and logs writes instead
// of performing them.
type DryRun struct {
	dir    Directory
	logger hclog.Logger

	mu      sync.Mutex
	created map[string]types.Identity
}

var _ Directory = (*DryRun)(nil)

func NewDryRun(dir Directory, logger hclog.Logger) *DryRun {
	return &DryRun{
		dir:     dir,
		logger:  logger.Named("dry-run"),
		created: map[string]types.Identity{},
	}
}

func (d *DryRun) FindByLogonName(ctx context.Context, logonName string) (types.Identity, error) {
	d.mu.Lock()
	identity, ok := d.created[strings.ToLower(logonName)]
	d.mu.Unlock()
	if ok {
		return identity, nil
	}

	return d.dir.FindByLogonName(ctx, logonName)
}

func (d *DryRun) Create(_ context.Context, attrs types.NewIdentity) (types.Identity, error) {
	d.logger.Info(fmt.Sprintf("would create identity %q", attrs.LogonName), "enabled", attrs.Enabled, "tags", attrs.Tags)

	identity := types.Identity{
		DN:                "CN=" + attrs.LogonName + ",dry-run",
		ExternalGUID:      "dry-run-" + strings.ToLower(attrs.LogonName),
		LogonName:         attrs.LogonName,
		GivenName:         attrs.GivenName,
		Surname:           attrs.Surname,
		DisplayName:       attrs.DisplayName,
		Email:             attrs.Email,
		UserPrincipalName: attrs.UserPrincipalName,
		EmployeeID:        attrs.EmployeeID,
		Enabled:           attrs.Enabled,
		Tags:              attrs.Tags,
	}

	d.mu.Lock()
	d.created[strings.ToLower(attrs.LogonName)] = identity
	d.mu.Unlock()

	return identity, nil
}

func (d *DryRun) Save(_ context.Context, identity types.Identity) error {
	d.logger.Info(fmt.Sprintf("would save identity %q", identity.LogonName),
		"email", identity.Email, "employee_id", identity.EmployeeID, "tags", identity.Tags)
	return nil
}

func (d *DryRun) SetEnabled(_ context.Context, identity types.Identity, enabled bool) error {
	d.logger.Info(fmt.Sprintf("would set enabled=%t on identity %q", enabled, identity.LogonName))
	return nil
}

func (d *DryRun) ResolveGroup(ctx context.Context, name string) (types.GroupRef, error) {
	return d.dir.ResolveGroup(ctx, name)
}

func (d *DryRun) AddToGroup(_ context.Context, group types.GroupRef, identity types.Identity) error {
	d.logger.Info(fmt.Sprintf("would add identity %q to group %q", identity.LogonName, group.Name))
	return nil
}
