package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// GlobalConfig is the shared section applied beneath every platform and
// source file.
type GlobalConfig struct {
	Instance     string `yaml:"instance"`
	AccountsFile string `yaml:"accounts_file"`

	Defaults SourceConfig `yaml:"defaults"`
}

// TargetAccount is one entry of the accounts file: the credentials of a
// microblog identity posts are republished under.
type TargetAccount struct {
	AccessToken string `yaml:"access_token"`
	Instance    string `yaml:"instance"`
}

// Tree is the fully merged configuration: global settings, target-account
// tokens and one merged SourceConfig per sources/*.yml.
type Tree struct {
	Global   GlobalConfig
	Accounts map[string]TargetAccount
	Sources  []SourceConfig
}

// SourceByID finds a source config, nil when absent.
func (t *Tree) SourceByID(id string) *SourceConfig {
	for i := range t.Sources {
		if t.Sources[i].ID == id {
			return &t.Sources[i]
		}
	}
	return nil
}

// SourceByUsername matches a twitter source by its webhook username or
// explicit bot_id.
func (t *Tree) SourceByUsername(username, botID string) *SourceConfig {
	for i := range t.Sources {
		src := &t.Sources[i]
		if botID != "" && src.SourceParams.BotID == botID {
			return src
		}
		if username != "" && strings.EqualFold(src.SourceParams.Username, username) {
			return src
		}
	}
	return nil
}

// AccountFor resolves the target account of a source.
func (t *Tree) AccountFor(src *SourceConfig) (TargetAccount, error) {
	acct, ok := t.Accounts[src.TargetAccount]
	if !ok {
		return TargetAccount{}, fmt.Errorf("unknown target account %q for source %q", src.TargetAccount, src.ID)
	}
	if acct.Instance == "" {
		acct.Instance = t.Global.Instance
	}
	return acct, nil
}

// LoadTree reads the YAML configuration tree beneath dir:
//
//	global.yml
//	platforms/{platform}.yml
//	sources/*.yml
//	mastodon_accounts.yml
//
// Merge order is global defaults, then the platform file, then the source
// file; ${ENV_VAR} placeholders are resolved from the process environment
// before parsing.
func LoadTree(dir string) (*Tree, error) {
	tree := &Tree{Accounts: make(map[string]TargetAccount)}

	if err := unmarshalFile(filepath.Join(dir, "global.yml"), &tree.Global); err != nil {
		return nil, fmt.Errorf("global config: %w", err)
	}
	if tree.Global.Instance == "" {
		return nil, fmt.Errorf("global config: instance is required")
	}

	accountsFile := tree.Global.AccountsFile
	if accountsFile == "" {
		accountsFile = filepath.Join(dir, "mastodon_accounts.yml")
	}
	if err := unmarshalFile(accountsFile, &tree.Accounts); err != nil {
		return nil, fmt.Errorf("accounts config: %w", err)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "sources", "*.yml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	for _, path := range paths {
		src, err := loadSource(dir, path, tree.Global.Defaults)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", filepath.Base(path), err)
		}
		tree.Sources = append(tree.Sources, src)
	}

	return tree, nil
}

// loadSource builds one merged SourceConfig. Layered decoding into the same
// struct keeps earlier values for keys the later file omits.
func loadSource(dir, path string, defaults SourceConfig) (SourceConfig, error) {
	src := defaults

	// Peek at the source file for its platform so the platform defaults
	// can be layered in between.
	var peek struct {
		Platform string `yaml:"platform"`
	}
	raw, err := readExpanded(path)
	if err != nil {
		return SourceConfig{}, err
	}
	if err := yaml.Unmarshal(raw, &peek); err != nil {
		return SourceConfig{}, err
	}
	if peek.Platform == "" {
		return SourceConfig{}, fmt.Errorf("platform is required")
	}

	platformFile := filepath.Join(dir, "platforms", peek.Platform+".yml")
	if _, statErr := os.Stat(platformFile); statErr == nil {
		platformRaw, err := readExpanded(platformFile)
		if err != nil {
			return SourceConfig{}, err
		}
		if err := yaml.Unmarshal(platformRaw, &src); err != nil {
			return SourceConfig{}, fmt.Errorf("platform defaults: %w", err)
		}
	}

	if err := yaml.Unmarshal(raw, &src); err != nil {
		return SourceConfig{}, err
	}

	if src.ID == "" {
		base := filepath.Base(path)
		src.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if !src.Priority.Valid() {
		return SourceConfig{}, fmt.Errorf("invalid priority %q", src.Priority)
	}
	if src.Priority == "" {
		src.Priority = PriorityNormal
	}
	if src.TargetAccount == "" {
		return SourceConfig{}, fmt.Errorf("target_account is required")
	}
	return src, nil
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// readExpanded reads a file and resolves ${ENV_VAR} placeholders.
func readExpanded(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := envPlaceholder.ReplaceAllStringFunc(string(raw), func(m string) string {
		name := envPlaceholder.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
	return []byte(expanded), nil
}

func unmarshalFile(path string, out interface{}) error {
	raw, err := readExpanded(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}
