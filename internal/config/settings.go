package config

import (
	"fmt"
	"os"
	"time"

	"github.com/flant/roster-sync/internal/cloud"
	"github.com/flant/roster-sync/internal/directory/ldap"
	"github.com/flant/roster-sync/internal/roster"
	"github.com/flant/roster-sync/internal/util"
)

type RosterSettings struct {
	APIKey      string `json:"apiKey"`
	AccountID   string `json:"accountId"`
	TokenURL    string `json:"tokenUrl"`
	BaseURL     string `json:"baseUrl"`
	MaxAttempts int    `json:"maxAttempts"`
	RetryDelay  string `json:"retryDelay"`
	PollDelay   string `json:"pollDelay"`
}

func AssembleRosterSettings(s RosterSettings) RosterSettings {
	s.APIKey = util.FirstNonEmptyString(s.APIKey, os.Getenv("ROSTER_API_KEY"))
	s.AccountID = util.FirstNonEmptyString(s.AccountID, os.Getenv("ROSTER_ACCOUNT_ID"))
	s.TokenURL = util.FirstNonEmptyString(s.TokenURL, os.Getenv("ROSTER_TOKEN_URL"), roster.DefaultTokenURL)
	s.BaseURL = util.FirstNonEmptyString(s.BaseURL, os.Getenv("ROSTER_BASE_URL"), roster.DefaultBaseURL)
	s.RetryDelay = util.FirstNonEmptyString(s.RetryDelay, os.Getenv("ROSTER_RETRY_DELAY"), "1s")
	s.PollDelay = util.FirstNonEmptyString(s.PollDelay, os.Getenv("ROSTER_POLL_DELAY"), "5s")
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	return s
}

func (s RosterSettings) ClientConfig() (roster.Config, error) {
	retryDelay, err := time.ParseDuration(s.RetryDelay)
	if err != nil {
		return roster.Config{}, fmt.Errorf("roster.retryDelay: %w", err)
	}
	pollDelay, err := time.ParseDuration(s.PollDelay)
	if err != nil {
		return roster.Config{}, fmt.Errorf("roster.pollDelay: %w", err)
	}

	return roster.Config{
		APIKey:      s.APIKey,
		AccountID:   s.AccountID,
		TokenURL:    s.TokenURL,
		BaseURL:     s.BaseURL,
		MaxAttempts: s.MaxAttempts,
		RetryDelay:  retryDelay,
		PollDelay:   pollDelay,
	}, nil
}

type DirectorySettings struct {
	URL                string `json:"url"`
	BindDN             string `json:"bindDn"`
	BindPassword       string `json:"bindPassword"`
	BaseDN             string `json:"baseDn"`
	UsersOU            string `json:"usersOu"`
	TagAttribute       string `json:"tagAttribute"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify"`
}

func AssembleDirectorySettings(s DirectorySettings) DirectorySettings {
	s.URL = util.FirstNonEmptyString(s.URL, os.Getenv("LDAP_URL"))
	s.BindDN = util.FirstNonEmptyString(s.BindDN, os.Getenv("LDAP_BIND_DN"))
	s.BindPassword = util.FirstNonEmptyString(s.BindPassword, os.Getenv("LDAP_BIND_PASSWORD"))
	s.BaseDN = util.FirstNonEmptyString(s.BaseDN, os.Getenv("LDAP_BASE_DN"))
	s.UsersOU = util.FirstNonEmptyString(s.UsersOU, os.Getenv("LDAP_USERS_OU"))
	s.TagAttribute = util.FirstNonEmptyString(s.TagAttribute, os.Getenv("LDAP_TAG_ATTRIBUTE"), ldap.DefaultTagAttribute)
	return s
}

func (s DirectorySettings) SessionConfig() ldap.Config {
	return ldap.Config{
		URL:                s.URL,
		BindDN:             s.BindDN,
		BindPassword:       s.BindPassword,
		BaseDN:             s.BaseDN,
		UsersOU:            s.UsersOU,
		TagAttribute:       s.TagAttribute,
		InsecureSkipVerify: s.InsecureSkipVerify,
	}
}

type CloudSettings struct {
	TenantID       string `json:"tenantId"`
	Issuer         string `json:"issuer"`
	ClientID       string `json:"clientId"`
	ClientSecret   string `json:"clientSecret"`
	ExtensionAppID string `json:"extensionAppId"`
	GraphURL       string `json:"graphUrl"`
}

func AssembleCloudSettings(s CloudSettings) CloudSettings {
	s.TenantID = util.FirstNonEmptyString(s.TenantID, os.Getenv("CLOUD_TENANT_ID"))
	s.Issuer = util.FirstNonEmptyString(s.Issuer, os.Getenv("CLOUD_ISSUER"))
	s.ClientID = util.FirstNonEmptyString(s.ClientID, os.Getenv("CLOUD_CLIENT_ID"))
	s.ClientSecret = util.FirstNonEmptyString(s.ClientSecret, os.Getenv("CLOUD_CLIENT_SECRET"))
	s.ExtensionAppID = util.FirstNonEmptyString(s.ExtensionAppID, os.Getenv("CLOUD_EXTENSION_APP_ID"))
	s.GraphURL = util.FirstNonEmptyString(s.GraphURL, os.Getenv("CLOUD_GRAPH_URL"), cloud.DefaultGraphURL)
	return s
}

func (s CloudSettings) ClientConfig() cloud.Config {
	return cloud.Config{
		TenantID:       s.TenantID,
		Issuer:         s.Issuer,
		ClientID:       s.ClientID,
		ClientSecret:   s.ClientSecret,
		ExtensionAppID: s.ExtensionAppID,
		GraphURL:       s.GraphURL,
	}
}
