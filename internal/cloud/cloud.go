package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/sethvargo/go-password/password"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/flant/roster-sync/internal/types"
)

const (
	DefaultGraphURL = "https://graph.microsoft.com/v1.0"
	graphScope      = "https://graph.microsoft.com/.default"

	attrCorrelationID     = "ADObjectGUID"
	attrCRMNumber         = "CRMNumber"
	attrPasswordMigration = "PasswordMigrationComplete"
	attrAccountActivated  = "AccountActivated"
)

var ErrNotFound = errors.New("cloud identity not found")

type Config struct {
	TenantID       string
	Issuer         string
	ClientID       string
	ClientSecret   string
	ExtensionAppID string
	GraphURL       string
	TokenURL       string
}

func (c Config) Enabled() bool {
	return c.TenantID != ""
}

// Client talks to the tenant's user collection.
type Client struct {
	cfg    Config
	http   *http.Client
	logger hclog.Logger
}

func NewClient(ctx context.Context, cfg Config, logger hclog.Logger) *Client {
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{graphScope},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, cleanhttp.DefaultPooledClient())

	return &Client{
		cfg:    cfg,
		http:   cc.Client(ctx),
		logger: logger.Named("cloud"),
	}
}

// Issuer is the tenant domain sign-in identities are bound to.
func (c *Client) Issuer() string {
	return c.cfg.Issuer
}

func (c *Client) extensionAttr(name string) string {
	return "extension_" + strings.ReplaceAll(c.cfg.ExtensionAppID, "-", "") + "_" + name
}

func (c *Client) FindByCorrelationID(ctx context.Context, correlationID string) (types.CloudIdentity, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("%s eq '%s'", c.extensionAttr(attrCorrelationID), strings.ReplaceAll(correlationID, "'", "''")))
	q.Set("$select", strings.Join([]string{
		"id", "accountEnabled", "givenName", "surname", "displayName", "mail", "identities",
		c.extensionAttr(attrCorrelationID), c.extensionAttr(attrCRMNumber),
		c.extensionAttr(attrPasswordMigration), c.extensionAttr(attrAccountActivated),
	}, ","))

	body, err := c.do(ctx, http.MethodGet, "/users?"+q.Encode(), nil)
	if err != nil {
		return types.CloudIdentity{}, err
	}

	users := gjson.GetBytes(body, "value").Array()
	if len(users) == 0 {
		return types.CloudIdentity{}, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	if len(users) > 1 {
		c.logger.Warn(fmt.Sprintf("%d cloud identities share correlation id %s, using the first", len(users), correlationID))
	}

	return c.parseUser(users[0]), nil
}

func (c *Client) Create(ctx context.Context, identity types.CloudIdentity) (types.CloudIdentity, error) {
	initial, err := password.Generate(16, 4, 2, false, true)
	if err != nil {
		return types.CloudIdentity{}, err
	}

	payload := c.userPayload(identity)
	payload[c.extensionAttr(attrCorrelationID)] = identity.CorrelationID
	payload[c.extensionAttr(attrCRMNumber)] = identity.CRMNumber
	payload[c.extensionAttr(attrPasswordMigration)] = identity.PasswordMigrationComplete
	payload[c.extensionAttr(attrAccountActivated)] = identity.AccountActivated
	payload["passwordPolicies"] = "DisablePasswordExpiration"
	payload["passwordProfile"] = map[string]interface{}{
		"password":                      initial,
		"forceChangePasswordNextSignIn": false,
	}

	body, err := c.do(ctx, http.MethodPost, "/users", payload)
	if err != nil {
		return types.CloudIdentity{}, err
	}

	return c.parseUser(gjson.ParseBytes(body)), nil
}

func (c *Client) Update(ctx context.Context, identity types.CloudIdentity) error {
	if identity.ID == "" {
		return fmt.Errorf("%w: empty object id", ErrNotFound)
	}

	_, err := c.do(ctx, http.MethodPatch, "/users/"+url.PathEscape(identity.ID), c.userPayload(identity))
	return err
}

func (c *Client) userPayload(identity types.CloudIdentity) map[string]interface{} {
	identities := make([]map[string]string, 0, len(identity.Identities))
	for _, i := range identity.Identities {
		identities = append(identities, map[string]string{
			"signInType":       i.SignInType,
			"issuer":           i.Issuer,
			"issuerAssignedId": i.IssuerAssignedID,
		})
	}

	return map[string]interface{}{
		"accountEnabled": identity.AccountEnabled,
		"givenName":      identity.GivenName,
		"surname":        identity.Surname,
		"displayName":    identity.DisplayName,
		"mail":           identity.Mail,
		"identities":     identities,
	}
}

func (c *Client) parseUser(u gjson.Result) types.CloudIdentity {
	identity := types.CloudIdentity{
		ID:                        u.Get("id").String(),
		AccountEnabled:            u.Get("accountEnabled").Bool(),
		GivenName:                 u.Get("givenName").String(),
		Surname:                   u.Get("surname").String(),
		DisplayName:               u.Get("displayName").String(),
		Mail:                      u.Get("mail").String(),
		CorrelationID:             u.Get(c.extensionAttr(attrCorrelationID)).String(),
		CRMNumber:                 u.Get(c.extensionAttr(attrCRMNumber)).String(),
		PasswordMigrationComplete: u.Get(c.extensionAttr(attrPasswordMigration)).Bool(),
		AccountActivated:          u.Get(c.extensionAttr(attrAccountActivated)).Bool(),
	}

	for _, i := range u.Get("identities").Array() {
		identity.Identities = append(identity.Identities, types.SignInIdentity{
			SignInType:       i.Get("signInType").String(),
			Issuer:           i.Get("issuer").String(),
			IssuerAssignedID: i.Get("issuerAssignedId").String(),
		})
	}

	return identity
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.GraphURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode >= 300:
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = string(body)
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	return body, nil
}
