package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"

	"github.com/flant/roster-sync/internal/policy"
	"github.com/flant/roster-sync/internal/util"
)

const (
	DefaultConfigFile   = "roster-sync.yaml"
	DefaultDatabasePath = "roster-sync.db"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Roster       RosterSettings    `json:"roster"`
	Fields       policy.Fields     `json:"fields"`
	Directory    DirectorySettings `json:"directory"`
	Cloud        CloudSettings     `json:"cloud"`
	DatabasePath string            `json:"database"`
}

// LoadConfig reads fileName and fills the rest from the environment. An
// empty fileName means the default file, which may be absent.
func LoadConfig(fileName string) (Config, error) {
	optional := fileName == ""
	if optional {
		fileName = DefaultConfigFile
	}
	cfg, err := LoadConfigFromFile(fileName)
	switch {
	case optional && errors.Is(err, os.ErrNotExist):
		cfg = nil
	case err != nil:
		return Config{}, fmt.Errorf("load config '%s': %w", fileName, err)
	}

	if cfg == nil {
		cfg = &Config{}
	}

	return Assemble(*cfg), nil
}

// Assemble fills unset values from the environment and defaults.
func Assemble(cfg Config) Config {
	cfg.Roster = AssembleRosterSettings(cfg.Roster)
	cfg.Directory = AssembleDirectorySettings(cfg.Directory)
	cfg.Cloud = AssembleCloudSettings(cfg.Cloud)
	cfg.Fields = cfg.Fields.WithDefaults()
	cfg.DatabasePath = util.FirstNonEmptyString(cfg.DatabasePath, os.Getenv("DATABASE"), DefaultDatabasePath)
	return cfg
}

func LoadConfigFromFile(fileName string) (*Config, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", fileName, err)
	}
	defer f.Close()

	return LoadConfigFromReader(f)
}

func LoadConfigFromReader(r io.Reader) (*Config, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	if err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, nil
	}

	cfg := new(Config)

	err = yaml.Unmarshal(buf.Bytes(), cfg)
	if err != nil {
		return nil, fmt.Errorf("config unmarshal: %v", err)
	}

	return cfg, nil
}

// Validate reports every missing mandatory value. withLDAP is false when
// the in-memory directory is used.
func (c Config) Validate(withLDAP bool) error {
	var result *multierror.Error

	missing := func(name, value string) {
		if value == "" {
			result = multierror.Append(result, fmt.Errorf("%w: %s is required", ErrInvalid, name))
		}
	}

	missing("roster.apiKey", c.Roster.APIKey)
	if _, err := c.Roster.ClientConfig(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: %v", ErrInvalid, err))
	}

	if withLDAP {
		missing("directory.url", c.Directory.URL)
		missing("directory.bindDn", c.Directory.BindDN)
		missing("directory.baseDn", c.Directory.BaseDN)
		missing("directory.usersOu", c.Directory.UsersOU)
	}

	if c.Cloud.TenantID != "" {
		// sign-in identities are bound to the tenant domain, not its id
		missing("cloud.issuer", c.Cloud.Issuer)
		missing("cloud.clientId", c.Cloud.ClientID)
		missing("cloud.clientSecret", c.Cloud.ClientSecret)
		missing("cloud.extensionAppId", c.Cloud.ExtensionAppID)
	}

	return result.ErrorOrNil()
}
