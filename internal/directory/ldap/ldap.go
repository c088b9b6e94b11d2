package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/patrickmn/go-cache"
	"golang.org/x/text/encoding/unicode"

	"github.com/flant/roster-sync/internal/directory"
	"github.com/flant/roster-sync/internal/types"
)

const (
	DefaultTagAttribute  = "otherPager"
	defaultGroupCacheTTL = 10 * time.Minute

	uacNormalAccount  = 0x200
	uacAccountDisable = 0x2
)

var userAttributes = []string{
	"objectGUID", "sAMAccountName", "givenName", "sn", "displayName", "mail",
	"userPrincipalName", "employeeID", "userAccountControl", "memberOf",
}

type Config struct {
	URL                string
	BindDN             string
	BindPassword       string
	BaseDN             string
	UsersOU            string
	TagAttribute       string
	InsecureSkipVerify bool
	GroupCacheTTL      time.Duration
}

type conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
}

// Session is a bound connection to the directory. It must be closed by
// the caller once the batch is done.
type Session struct {
	cfg    Config
	conn   conn
	close  func()
	logger hclog.Logger

	groups  *cache.Cache
	groupMu sync.Mutex
}

var _ directory.Directory = (*Session)(nil)

func Open(ctx context.Context, cfg Config, logger hclog.Logger) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := ldap.DialURL(cfg.URL, ldap.DialWithTLSConfig(&tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, // nolint:gosec
	}))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	if err := c.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		c.Close()
		return nil, fmt.Errorf("bind as %s: %w", cfg.BindDN, err)
	}

	return newSession(cfg, c, func() { c.Close() }, logger), nil
}

func newSession(cfg Config, c conn, closeFn func(), logger hclog.Logger) *Session {
	if cfg.TagAttribute == "" {
		cfg.TagAttribute = DefaultTagAttribute
	}
	if cfg.GroupCacheTTL == 0 {
		cfg.GroupCacheTTL = defaultGroupCacheTTL
	}

	return &Session{
		cfg:    cfg,
		conn:   c,
		close:  closeFn,
		logger: logger.Named("ldap"),
		groups: cache.New(cfg.GroupCacheTTL, 2*cfg.GroupCacheTTL),
	}
}

func (s *Session) Close() {
	if s.close != nil {
		s.close()
		s.close = nil
	}
}

func (s *Session) FindByLogonName(ctx context.Context, logonName string) (types.Identity, error) {
	if err := ctx.Err(); err != nil {
		return types.Identity{}, err
	}

	filter := fmt.Sprintf("(&(objectCategory=person)(objectClass=user)(sAMAccountName=%s))", ldap.EscapeFilter(logonName))
	entries, err := s.search(s.cfg.BaseDN, ldap.ScopeWholeSubtree, filter, append(userAttributes, s.cfg.TagAttribute))
	if err != nil {
		return types.Identity{}, err
	}

	switch len(entries) {
	case 0:
		return types.Identity{}, fmt.Errorf("%w: %s", directory.ErrNotFound, logonName)
	case 1:
		return s.entryToIdentity(entries[0])
	default:
		return types.Identity{}, fmt.Errorf("logon name %q is ambiguous: %d entries", logonName, len(entries))
	}
}

func (s *Session) Create(ctx context.Context, attrs types.NewIdentity) (types.Identity, error) {
	if err := ctx.Err(); err != nil {
		return types.Identity{}, err
	}

	pwd, err := encodePassword(attrs.Password)
	if err != nil {
		return types.Identity{}, err
	}

	dn := fmt.Sprintf("CN=%s,%s", escapeRDNValue(attrs.LogonName), s.cfg.UsersOU)
	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{"top", "person", "organizationalPerson", "user"})
	req.Attribute("sAMAccountName", []string{attrs.LogonName})
	req.Attribute("userPrincipalName", []string{attrs.UserPrincipalName})
	req.Attribute("mail", []string{attrs.Email})
	req.Attribute("employeeID", []string{attrs.EmployeeID})
	req.Attribute("unicodePwd", []string{pwd})
	// forces a password change at first logon
	req.Attribute("pwdLastSet", []string{"0"})
	req.Attribute("userAccountControl", []string{strconv.Itoa(accountControl(uacNormalAccount, attrs.Enabled))})
	for _, a := range [][2]string{{"givenName", attrs.GivenName}, {"sn", attrs.Surname}, {"displayName", attrs.DisplayName}} {
		if a[1] != "" {
			req.Attribute(a[0], []string{a[1]})
		}
	}
	if len(attrs.Tags) > 0 {
		req.Attribute(s.cfg.TagAttribute, attrs.Tags)
	}

	if err := s.conn.Add(req); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return types.Identity{}, fmt.Errorf("%w: %s", directory.ErrAlreadyExists, dn)
		}
		return types.Identity{}, fmt.Errorf("add %s: %w", dn, err)
	}

	s.logger.Debug(fmt.Sprintf("created %s", dn))

	return types.Identity{
		DN:                dn,
		LogonName:         attrs.LogonName,
		GivenName:         attrs.GivenName,
		Surname:           attrs.Surname,
		DisplayName:       attrs.DisplayName,
		Email:             attrs.Email,
		UserPrincipalName: attrs.UserPrincipalName,
		EmployeeID:        attrs.EmployeeID,
		Enabled:           attrs.Enabled,
		Tags:              attrs.Tags,
	}, nil
}

func (s *Session) Save(ctx context.Context, identity types.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := ldap.NewModifyRequest(identity.DN, nil)
	replaceOrClear(req, "mail", identity.Email)
	replaceOrClear(req, "userPrincipalName", identity.UserPrincipalName)
	replaceOrClear(req, "employeeID", identity.EmployeeID)
	// replace with no values drops every tag
	req.Replace(s.cfg.TagAttribute, identity.Tags)

	if err := s.conn.Modify(req); err != nil {
		return fmt.Errorf("modify %s: %w", identity.DN, err)
	}

	return nil
}

func (s *Session) SetEnabled(ctx context.Context, identity types.Identity, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := s.search(identity.DN, ldap.ScopeBaseObject, "(objectClass=*)", []string{"userAccountControl"})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: %s", directory.ErrNotFound, identity.DN)
	}

	current, err := strconv.Atoi(entries[0].GetAttributeValue("userAccountControl"))
	if err != nil {
		current = uacNormalAccount
	}

	req := ldap.NewModifyRequest(identity.DN, nil)
	req.Replace("userAccountControl", []string{strconv.Itoa(accountControl(current, enabled))})

	if err := s.conn.Modify(req); err != nil {
		return fmt.Errorf("set userAccountControl on %s: %w", identity.DN, err)
	}

	return nil
}

func (s *Session) ResolveGroup(ctx context.Context, name string) (types.GroupRef, error) {
	if ref, ok := s.groups.Get(name); ok {
		return ref.(types.GroupRef), nil
	}
	if err := ctx.Err(); err != nil {
		return types.GroupRef{}, err
	}

	filter := fmt.Sprintf("(&(objectClass=group)(cn=%s))", ldap.EscapeFilter(name))
	entries, err := s.search(s.cfg.BaseDN, ldap.ScopeWholeSubtree, filter, []string{"cn"})
	if err != nil {
		return types.GroupRef{}, err
	}

	// the directory compares cn case-insensitively, group names must match exactly
	for _, e := range entries {
		if e.GetAttributeValue("cn") == name {
			ref := types.GroupRef{Name: name, DN: e.DN}
			s.groups.Set(name, ref, cache.DefaultExpiration)
			return ref, nil
		}
	}

	return types.GroupRef{}, fmt.Errorf("%w: %s", directory.ErrGroupNotFound, name)
}

func (s *Session) AddToGroup(ctx context.Context, group types.GroupRef, identity types.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	req := ldap.NewModifyRequest(group.DN, nil)
	req.Add("member", []string{identity.DN})

	err := s.conn.Modify(req)
	switch {
	case err == nil:
		return nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists):
		return directory.ErrAlreadyMember
	default:
		return fmt.Errorf("add %s to %s: %w", identity.DN, group.DN, err)
	}
}

func (s *Session) search(base string, scope int, filter string, attributes []string) ([]*ldap.Entry, error) {
	req := ldap.NewSearchRequest(base, scope, ldap.NeverDerefAliases, 0, 0, false, filter, attributes, nil)

	res, err := s.conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, fmt.Errorf("search %q under %s: %w", filter, base, err)
	}

	return res.Entries, nil
}

func (s *Session) entryToIdentity(e *ldap.Entry) (types.Identity, error) {
	guid, err := decodeGUID(e.GetRawAttributeValue("objectGUID"))
	if err != nil {
		return types.Identity{}, fmt.Errorf("entry %s: %w", e.DN, err)
	}

	uac, _ := strconv.Atoi(e.GetAttributeValue("userAccountControl"))

	var groups []string
	for _, dn := range e.GetAttributeValues("memberOf") {
		if cn := firstCN(dn); cn != "" {
			groups = append(groups, cn)
		}
	}

	var tags []string
	if values := e.GetAttributeValues(s.cfg.TagAttribute); len(values) > 0 {
		tags = values
	}

	return types.Identity{
		DN:                e.DN,
		ExternalGUID:      guid,
		LogonName:         e.GetAttributeValue("sAMAccountName"),
		GivenName:         e.GetAttributeValue("givenName"),
		Surname:           e.GetAttributeValue("sn"),
		DisplayName:       e.GetAttributeValue("displayName"),
		Email:             e.GetAttributeValue("mail"),
		UserPrincipalName: e.GetAttributeValue("userPrincipalName"),
		EmployeeID:        e.GetAttributeValue("employeeID"),
		Enabled:           uac&uacAccountDisable == 0,
		Tags:              tags,
		Groups:            groups,
	}, nil
}

func replaceOrClear(req *ldap.ModifyRequest, attr, value string) {
	if value == "" {
		req.Replace(attr, []string{})
		return
	}
	req.Replace(attr, []string{value})
}

func accountControl(current int, enabled bool) int {
	if enabled {
		return current &^ uacAccountDisable
	}
	return current | uacAccountDisable
}

// encodePassword produces the quoted UTF-16LE form unicodePwd expects.
func encodePassword(password string) (string, error) {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	return encoder.String(`"` + password + `"`)
}

// decodeGUID converts objectGUID bytes, stored with the first three
// fields little-endian, to the canonical string form.
func decodeGUID(raw []byte) (string, error) {
	if len(raw) != 16 {
		return "", fmt.Errorf("objectGUID has %d bytes", len(raw))
	}

	b := make([]byte, 16)
	copy(b, raw)
	b[0], b[1], b[2], b[3] = raw[3], raw[2], raw[1], raw[0]
	b[4], b[5] = raw[5], raw[4]
	b[6], b[7] = raw[7], raw[6]

	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

func firstCN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 {
		return ""
	}
	for _, attr := range parsed.RDNs[0].Attributes {
		if strings.EqualFold(attr.Type, "cn") {
			return attr.Value
		}
	}
	return ""
}

func escapeRDNValue(v string) string {
	var sb strings.Builder
	for i, r := range v {
		switch {
		case strings.ContainsRune(`,+"\<>;=`, r),
			i == 0 && (r == ' ' || r == '#'),
			i == len(v)-1 && r == ' ':
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
