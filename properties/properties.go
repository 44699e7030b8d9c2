// Package properties loads the run-level settings merged into every report header.
package properties

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRunEnvironment = "UAT"
	EnvPrefix             = "OP_LAUNCH"
)

// Properties is an immutable snapshot of run settings
type Properties struct {
	ApplicationName   string
	TestEnvironment   string
	RunEnvironment    string
	User              string
	ReportingEnabled  bool
	FixMessageLogging bool
	APIKey            string
	Regression        bool
}

// Source supplies a properties snapshot. It is read once per finalize.
type Source interface {
	Properties() Properties
}

// Static is a fixed Source
type Static Properties

func (s Static) Properties() Properties {
	return Properties(s)
}

// Defaults returns the settings used when nothing is configured
func Defaults() Properties {
	return Properties{
		RunEnvironment:   DefaultRunEnvironment,
		User:             currentUser(),
		ReportingEnabled: true,
	}
}

// fileProperties mirrors the on-disk keys. Pointers distinguish unset from zero.
type fileProperties struct {
	ApplicationName   *string `yaml:"app_name" toml:"app_name"`
	TestEnvironment   *string `yaml:"test_environment" toml:"test_environment"`
	RunEnvironment    *string `yaml:"run_environment" toml:"run_environment"`
	User              *string `yaml:"user" toml:"user"`
	ReportTestData    *bool   `yaml:"report_test_data" toml:"report_test_data"`
	FixMessageLogging *bool   `yaml:"fix_message_logging" toml:"fix_message_logging"`
	APIKey            *string `yaml:"api_key" toml:"api_key"`
	Regression        *bool   `yaml:"regression" toml:"regression"`
}

// FileSource reads an optional yaml or toml file and applies environment
// overrides on every call.
type FileSource struct {
	log       log.Logger
	path      string
	lookupEnv func(string) (string, bool)
}

var _ Source = (*FileSource)(nil)

// NewFileSource creates a source for path. An empty path means environment and defaults only.
func NewFileSource(logger log.Logger, path string) *FileSource {
	if logger == nil {
		logger = log.Root()
	}
	return &FileSource{log: logger, path: path, lookupEnv: os.LookupEnv}
}

// WithLookupEnv replaces the environment lookup, mainly for tests
func (s *FileSource) WithLookupEnv(lookup func(string) (string, bool)) *FileSource {
	s.lookupEnv = lookup
	return s
}

// Properties never fails. A missing or malformed file is logged and defaults are used.
func (s *FileSource) Properties() Properties {
	props := Defaults()
	if s.path != "" {
		fp, err := readFile(s.path)
		if err != nil {
			s.log.Warn("Could not load properties file, using defaults", "path", s.path, "err", err)
		} else {
			fp.apply(&props)
		}
	}
	s.applyEnv(&props)
	return props
}

func readFile(path string) (*fileProperties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fp fileProperties
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &fp); err != nil {
			return nil, fmt.Errorf("decoding toml: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &fp); err != nil {
			return nil, fmt.Errorf("decoding yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported properties format %q", filepath.Ext(path))
	}
	return &fp, nil
}

func (fp *fileProperties) apply(p *Properties) {
	setString(&p.ApplicationName, fp.ApplicationName)
	setString(&p.TestEnvironment, fp.TestEnvironment)
	setString(&p.RunEnvironment, fp.RunEnvironment)
	setString(&p.User, fp.User)
	setString(&p.APIKey, fp.APIKey)
	if fp.ReportTestData != nil {
		p.ReportingEnabled = *fp.ReportTestData
	}
	if fp.FixMessageLogging != nil {
		p.FixMessageLogging = *fp.FixMessageLogging
	}
	if fp.Regression != nil {
		p.Regression = *fp.Regression
	}
}

func (s *FileSource) applyEnv(p *Properties) {
	env := func(name string) (string, bool) {
		v, ok := s.lookupEnv(EnvPrefix + "_" + name)
		return strings.TrimSpace(v), ok
	}
	for name, dst := range map[string]*string{
		"APP_NAME":         &p.ApplicationName,
		"TEST_ENVIRONMENT": &p.TestEnvironment,
		"RUN_ENVIRONMENT":  &p.RunEnvironment,
		"USER":             &p.User,
	} {
		if v, ok := env(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := env("REPORT_TEST_DATA"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			s.log.Warn("Ignoring malformed reporting toggle", "value", v, "err", err)
		} else {
			p.ReportingEnabled = enabled
		}
	}
	// Any value marks the run as a regression run
	if _, ok := env("REGRESSION"); ok {
		p.Regression = true
	}
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
