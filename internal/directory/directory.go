package directory

import (
	"context"
	"errors"

	"github.com/flant/roster-sync/internal/types"
)

var (
	ErrNotFound      = errors.New("identity not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrAlreadyMember = errors.New("principal is already a group member")
	ErrAlreadyExists = errors.New("identity already exists")
)

// Directory is the primary identity store.
type Directory interface {
	FindByLogonName(ctx context.Context, logonName string) (types.Identity, error)
	Create(ctx context.Context, attrs types.NewIdentity) (types.Identity, error)
	// Save writes mail, principal name, employee id and rebuilds tags.
	Save(ctx context.Context, identity types.Identity) error
	SetEnabled(ctx context.Context, identity types.Identity, enabled bool) error
	ResolveGroup(ctx context.Context, name string) (types.GroupRef, error)
	AddToGroup(ctx context.Context, group types.GroupRef, identity types.Identity) error
}
