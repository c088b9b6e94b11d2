package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/flant/roster-sync/internal/directory"
	"github.com/flant/roster-sync/internal/types"
)

// PK is a mandatory index for all tables at hc/go-memdb
const PK = "id"

const (
	identityTable = "identity"
	groupTable    = "group"
	logonIndex    = "logon"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			identityTable: {
				Name: identityTable,
				Indexes: map[string]*memdb.IndexSchema{
					PK: {
						Name:    PK,
						Unique:  true,
						Indexer: &memdb.UUIDFieldIndex{Field: "ExternalGUID"},
					},
					logonIndex: {
						Name:    logonIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "LogonName", Lowercase: true},
					},
				},
			},
			groupTable: {
				Name: groupTable,
				Indexes: map[string]*memdb.IndexSchema{
					PK: {
						Name:    PK,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}

// Directory keeps identities in memory. It backs tests and local runs.
type Directory struct {
	db *memdb.MemDB

	mu     sync.Mutex
	writes int
}

var _ directory.Directory = (*Directory)(nil)

func NewDirectory(groups ...string) (*Directory, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}

	d := &Directory{db: db}
	for _, g := range groups {
		if err := d.AddGroup(g); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (d *Directory) AddGroup(name string) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	err := txn.Insert(groupTable, &types.GroupRef{Name: name, DN: "CN=" + name + ",OU=Groups"})
	if err != nil {
		return err
	}
	txn.Commit()

	return nil
}

// Writes counts mutating calls that reached the store.
func (d *Directory) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Identities lists the stored identities keyed by logon name.
func (d *Directory) Identities() (map[string]types.Identity, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(identityTable, PK)
	if err != nil {
		return nil, err
	}

	res := map[string]types.Identity{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		identity := copyIdentity(obj.(*types.Identity))
		res[identity.LogonName] = identity
	}

	return res, nil
}

func (d *Directory) FindByLogonName(_ context.Context, logonName string) (types.Identity, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	return d.find(txn, logonName)
}

func (d *Directory) find(txn *memdb.Txn, logonName string) (types.Identity, error) {
	obj, err := txn.First(identityTable, logonIndex, logonName)
	if err != nil {
		return types.Identity{}, err
	}
	if obj == nil {
		return types.Identity{}, fmt.Errorf("%w: %s", directory.ErrNotFound, logonName)
	}

	return copyIdentity(obj.(*types.Identity)), nil
}

func (d *Directory) Create(_ context.Context, attrs types.NewIdentity) (types.Identity, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	if _, err := d.find(txn, attrs.LogonName); err == nil {
		return types.Identity{}, fmt.Errorf("%w: %s", directory.ErrAlreadyExists, attrs.LogonName)
	}

	identity := types.Identity{
		DN:                "CN=" + attrs.LogonName + ",OU=Users",
		ExternalGUID:      uuid.New().String(),
		LogonName:         attrs.LogonName,
		GivenName:         attrs.GivenName,
		Surname:           attrs.Surname,
		DisplayName:       attrs.DisplayName,
		Email:             attrs.Email,
		UserPrincipalName: attrs.UserPrincipalName,
		EmployeeID:        attrs.EmployeeID,
		Enabled:           attrs.Enabled,
		Tags:              append([]string(nil), attrs.Tags...),
	}

	if err := d.put(txn, identity); err != nil {
		return types.Identity{}, err
	}

	return copyIdentity(&identity), nil
}

func (d *Directory) Save(_ context.Context, identity types.Identity) error {
	return d.update(identity.LogonName, func(stored *types.Identity) error {
		stored.Email = identity.Email
		stored.UserPrincipalName = identity.UserPrincipalName
		stored.EmployeeID = identity.EmployeeID
		stored.Tags = append([]string(nil), identity.Tags...)
		return nil
	})
}

func (d *Directory) SetEnabled(_ context.Context, identity types.Identity, enabled bool) error {
	return d.update(identity.LogonName, func(stored *types.Identity) error {
		stored.Enabled = enabled
		return nil
	})
}

func (d *Directory) ResolveGroup(_ context.Context, name string) (types.GroupRef, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(groupTable, PK, name)
	if err != nil {
		return types.GroupRef{}, err
	}
	if obj == nil {
		return types.GroupRef{}, fmt.Errorf("%w: %s", directory.ErrGroupNotFound, name)
	}

	return *obj.(*types.GroupRef), nil
}

func (d *Directory) AddToGroup(_ context.Context, group types.GroupRef, identity types.Identity) error {
	return d.update(identity.LogonName, func(stored *types.Identity) error {
		for _, g := range stored.Groups {
			if g == group.Name {
				return directory.ErrAlreadyMember
			}
		}
		stored.Groups = append(stored.Groups, group.Name)
		return nil
	})
}

func (d *Directory) update(logonName string, mutate func(*types.Identity) error) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	stored, err := d.find(txn, logonName)
	if err != nil {
		return err
	}

	if err := mutate(&stored); err != nil {
		return err
	}

	return d.put(txn, stored)
}

func (d *Directory) put(txn *memdb.Txn, identity types.Identity) error {
	if err := txn.Insert(identityTable, &identity); err != nil {
		return err
	}
	txn.Commit()

	d.mu.Lock()
	d.writes++
	d.mu.Unlock()

	return nil
}

func copyIdentity(in *types.Identity) types.Identity {
	out := *in
	out.Tags = append([]string(nil), in.Tags...)
	out.Groups = append([]string(nil), in.Groups...)
	return out
}
