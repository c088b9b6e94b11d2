package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flant/roster-sync/internal/cloud"
	"github.com/flant/roster-sync/internal/types"
)

const issuer = "example.onmicrosoft.com"

type fakeCloud struct {
	users     map[string]types.CloudIdentity
	created   []types.CloudIdentity
	updated   []types.CloudIdentity
	findErr   error
	updateErr error
}

func (f *fakeCloud) FindByCorrelationID(_ context.Context, id string) (types.CloudIdentity, error) {
	if f.findErr != nil {
		return types.CloudIdentity{}, f.findErr
	}
	u, ok := f.users[id]
	if !ok {
		return types.CloudIdentity{}, fmt.Errorf("%w: %s", cloud.ErrNotFound, id)
	}
	return u, nil
}

func (f *fakeCloud) Create(_ context.Context, identity types.CloudIdentity) (types.CloudIdentity, error) {
	identity.ID = "obj-new"
	f.created = append(f.created, identity)
	return identity, nil
}

func (f *fakeCloud) Update(_ context.Context, identity types.CloudIdentity) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, identity)
	return nil
}

var primary = types.Identity{LogonName: "jdoe", ExternalGUID: "guid-1"}

func Test_UpsertCreatesWhenEnabled(t *testing.T) {
	c := &fakeCloud{}
	s := NewSecondarySyncer(c, issuer, hclog.NewNullLogger())

	changed, err := s.Upsert(context.Background(), true, member(42, "jdoe"), primary)
	require.NoError(t, err)
	assert.True(t, changed)

	require.Len(t, c.created, 1)
	assert.Equal(t, types.CloudIdentity{
		ID:             "obj-new",
		AccountEnabled: true,
		GivenName:      "Jane",
		Surname:        "Doe",
		DisplayName:    "Jane Doe",
		Mail:           "jdoe@example.com",
		CorrelationID:  "guid-1",
		CRMNumber:      "42",
		Identities: []types.SignInIdentity{
			{SignInType: types.SignInTypeEmail, Issuer: issuer, IssuerAssignedID: "jdoe@example.com"},
			{SignInType: types.SignInTypeUserName, Issuer: issuer, IssuerAssignedID: "jdoe"},
		},
	}, c.created[0])
}

func Test_UpsertIgnoresNeverEnabled(t *testing.T) {
	c := &fakeCloud{}
	s := NewSecondarySyncer(c, issuer, hclog.NewNullLogger())

	changed, err := s.Upsert(context.Background(), false, member(42, "jdoe"), primary)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, c.created)
}

func Test_UpsertUpdatesEmailIdentity(t *testing.T) {
	c := &fakeCloud{users: map[string]types.CloudIdentity{
		"guid-1": {
			ID:             "obj-1",
			AccountEnabled: true,
			GivenName:      "Jane",
			Surname:        "Doe",
			DisplayName:    "Jane Doe",
			Mail:           "old@example.com",
			Identities: []types.SignInIdentity{
				{SignInType: types.SignInTypeUserName, Issuer: issuer, IssuerAssignedID: "jdoe"},
				{SignInType: types.SignInTypeEmail, Issuer: issuer, IssuerAssignedID: "old@example.com"},
			},
		},
	}}
	s := NewSecondarySyncer(c, issuer, hclog.NewNullLogger())

	changed, err := s.Upsert(context.Background(), false, member(42, "jdoe"), primary)
	require.NoError(t, err)
	assert.True(t, changed)

	require.Len(t, c.updated, 1)
	u := c.updated[0]
	assert.False(t, u.AccountEnabled)
	assert.Equal(t, "jdoe@example.com", u.Mail)
	assert.Equal(t, []types.SignInIdentity{
		{SignInType: types.SignInTypeUserName, Issuer: issuer, IssuerAssignedID: "jdoe"},
		{SignInType: types.SignInTypeEmail, Issuer: issuer, IssuerAssignedID: "jdoe@example.com"},
	}, u.Identities)

	c.users["guid-1"] = u
	changed, err = s.Upsert(context.Background(), false, member(42, "jdoe"), primary)
	require.NoError(t, err)
	assert.False(t, changed, "nothing to write the second time")
	assert.Len(t, c.updated, 1)
}

func Test_UpsertNotFoundOnUpdateIsWarning(t *testing.T) {
	c := &fakeCloud{
		users:     map[string]types.CloudIdentity{"guid-1": {ID: "obj-1", AccountEnabled: true}},
		updateErr: fmt.Errorf("%w: PATCH /users/obj-1", cloud.ErrNotFound),
	}
	s := NewSecondarySyncer(c, issuer, hclog.NewNullLogger())

	changed, err := s.Upsert(context.Background(), true, member(42, "jdoe"), primary)
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, c.created)
}

func Test_UpsertLookupFailure(t *testing.T) {
	c := &fakeCloud{findErr: errors.New("throttled")}
	s := NewSecondarySyncer(c, issuer, hclog.NewNullLogger())

	_, err := s.Upsert(context.Background(), true, member(42, "jdoe"), primary)
	assert.Error(t, err)

	_, err = s.Upsert(context.Background(), true, member(42, "jdoe"), types.Identity{LogonName: "jdoe"})
	assert.Error(t, err, "a primary identity without correlation id cannot be mirrored")
}
