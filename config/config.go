// Package config loads the agent configuration.
//
// A configuration file is YAML or JSON. It is unified with an embedded CUE
// schema that supplies defaults and constraints, and the result is decoded
// into a typed Config. References of the form $VAR, ${VAR} and
// ${VAR:-default} are expanded from the environment before parsing.
//
//	cfg, err := config.Load("/etc/agentxd/agentxd.yaml")
//	if err != nil {
//		return err
//	}
//	fmt.Println(cfg.SNMP.Listen)
//
// Watcher re-loads a file whenever it changes on disk.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/yaml"

	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/oid"
)

//go:embed schema.cue
var schemaSource string

// maxFileSize bounds the size of configuration files.
const maxFileSize = 10 * 1024 * 1024

// SearchPaths are tried in order by Find.
var SearchPaths = []string{
	"agentxd.yaml",
	"agentxd.yml",
	"agentxd.json",
	"/etc/agentxd/agentxd.yaml",
}

// ErrUnsupportedFormat is returned for files that are neither YAML nor JSON.
var ErrUnsupportedFormat = errors.New("unsupported config file format")

// Duration is a time.Duration read from strings such as "5s" or "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgentX configures the AgentX master side.
type AgentX struct {
	Listen         []string `json:"listen"`
	Timeout        Duration `json:"timeout"`
	Retries        int      `json:"retries"`
	MaxViolations  int      `json:"max_violations"`
	MaxParseErrors int      `json:"max_parse_errors"`
	MaxPDUSize     uint32   `json:"max_pdu_size"`
	MaxVarbinds    int      `json:"max_varbinds"`
	Contexts       []string `json:"contexts"`
}

// SNMP configures the SNMP front end.
type SNMP struct {
	Enabled        bool     `json:"enabled"`
	Listen         string   `json:"listen"`
	Community      string   `json:"community"`
	Workers        int      `json:"workers"`
	MaxPacketSize  int      `json:"max_packet_size"`
	RequestTimeout Duration `json:"request_timeout"`
}

// System holds the values served by the system group.
type System struct {
	Description string `json:"description"`
	ObjectID    string `json:"object_id"`
	Contact     string `json:"contact"`
	Name        string `json:"name"`
	Location    string `json:"location"`
	Services    int32  `json:"services"`
}

// Target is a notification receiver.
type Target struct {
	Address   string `json:"address"`
	Version   string `json:"version"`
	Community string `json:"community,omitempty"`
}

// Traps configures notification forwarding.
type Traps struct {
	Community string   `json:"community"`
	QueueSize int      `json:"queue_size"`
	Targets   []Target `json:"targets"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
	Path    string `json:"path"`
}

// Config is the complete agent configuration.
type Config struct {
	AgentX  AgentX         `json:"agentx"`
	SNMP    SNMP           `json:"snmp"`
	System  System         `json:"system"`
	Traps   Traps          `json:"traps"`
	Log     logging.Config `json:"log"`
	Metrics Metrics        `json:"metrics"`

	// Path is the file the configuration was read from, if any.
	Path string `json:"-"`
}

// SystemObjectID parses System.ObjectID.
func (c *Config) SystemObjectID() (oid.OID, error) {
	return oid.Parse(c.System.ObjectID)
}

// Default returns the schema defaults.
func Default() (*Config, error) {
	return decode(nil, "")
}

// Find returns the first of SearchPaths that exists, or "".
func Find() string {
	for _, p := range SearchPaths {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// Load reads and validates the file at path. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(content, path)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse validates content. The extension of filename selects the format.
func Parse(content []byte, filename string) (*Config, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("%w: %q (supported: .yaml, .yml, .json)", ErrUnsupportedFormat, ext)
	}
	return decode(expandEnv(content), filename)
}

func decode(content []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	value := schema.LookupPath(cue.ParsePath("#Config"))

	if len(bytes.TrimSpace(content)) > 0 {
		user, err := build(ctx, content, filename)
		if err != nil {
			return nil, err
		}
		value = value.Unify(user)
	}

	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, validationError(err)
	}

	raw, err := value.MarshalJSON()
	if err != nil {
		return nil, validationError(err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if _, err := cfg.SystemObjectID(); err != nil {
		return nil, fmt.Errorf("system.object_id: %w", err)
	}
	return &cfg, nil
}

func build(ctx *cue.Context, content []byte, filename string) (cue.Value, error) {
	if strings.ToLower(filepath.Ext(filename)) == ".json" {
		v := ctx.CompileBytes(content, cue.Filename(filename))
		if err := v.Err(); err != nil {
			return cue.Value{}, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return v, nil
	}

	f, err := yaml.Extract(filename, content)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to extract YAML config: %w", err)
	}
	v := ctx.BuildFile(f)
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to build YAML config: %w", err)
	}
	return v, nil
}

// validationError flattens CUE's error list into one message per line.
func validationError(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	if len(msgs) == 0 {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
}

// expandEnv replaces $VAR, ${VAR} and ${VAR:-default}. Unset or empty
// variables without a default expand to "".
func expandEnv(content []byte) []byte {
	return []byte(os.Expand(string(content), func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	}))
}

func readFile(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config file %s is not a regular file", path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file %s too large: %d bytes (max %d)", path, info.Size(), maxFileSize)
	}
	content, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return content, nil
}
