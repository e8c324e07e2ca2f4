package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/sudankdk/ctfcheck/internal/flag"
)

// ManifestFile is the file name looked up when a directory is given.
const ManifestFile = "challenge.yml"

const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultTestTimeout  = 60 * time.Second
)

// Manifest describes a challenge and how to validate it.
type Manifest struct {
	Name         string   `yaml:"name"`
	Image        Image    `yaml:"image"`
	Tests        []Test   `yaml:"tests"`
	Flags        []Flag   `yaml:"flags"`
	ReadyTimeout Duration `yaml:"ready_timeout"`

	// Dir is the directory the manifest was loaded from. Relative paths in
	// the manifest resolve against it.
	Dir string `yaml:"-"`
}

type Image struct {
	// Name is a local tag or a fully-qualified remote reference.
	Name string `yaml:"name"`
	// Build is an optional build context, relative to the manifest.
	Build  string            `yaml:"build"`
	Memory string            `yaml:"memory"`
	Env    map[string]string `yaml:"env"`
}

type Test struct {
	Script  string            `yaml:"script"`
	Type    string            `yaml:"type"`
	Files   []string          `yaml:"files"`
	Timeout Duration          `yaml:"timeout"`
	Env     map[string]string `yaml:"env"`
}

type Flag struct {
	Content       string `yaml:"content"`
	Type          string `yaml:"type"`
	CaseSensitive *bool  `yaml:"case_sensitive"`
}

// Duration accepts either a Go duration string ("1m30s") or a bare number
// of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Or returns d, or def when d is not positive.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

// LoadManifest reads a challenge manifest. path may name the file itself or
// the directory containing challenge.yml.
func LoadManifest(path string) (*Manifest, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ManifestFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving manifest dir: %w", err)
	}
	m.Dir = dir
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the fields every validation run relies on.
func (m *Manifest) Validate() error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if m.Image.Name == "" {
		errs = append(errs, errors.New("image.name is required"))
	}
	if _, err := m.MemoryBytes(); err != nil {
		errs = append(errs, err)
	}
	for i, t := range m.Tests {
		if t.Script == "" {
			errs = append(errs, fmt.Errorf("tests[%d].script is required", i))
		}
		switch t.Type {
		case "solution", "status":
		default:
			errs = append(errs, fmt.Errorf("tests[%d].type must be solution or status, got %q", i, t.Type))
		}
	}
	if _, err := m.CompileFlags(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid manifest: %w", errors.Join(errs...))
	}
	return nil
}

// BuildContext returns the absolute build context, or "" if the image is
// expected to exist already.
func (m *Manifest) BuildContext() string {
	if m.Image.Build == "" {
		return ""
	}
	if filepath.IsAbs(m.Image.Build) {
		return m.Image.Build
	}
	return filepath.Join(m.Dir, m.Image.Build)
}

// MemoryBytes parses image.memory ("512m", "1g"). Zero means no limit.
func (m *Manifest) MemoryBytes() (int64, error) {
	if m.Image.Memory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(m.Image.Memory)
	if err != nil {
		return 0, fmt.Errorf("image.memory: %w", err)
	}
	return n, nil
}

// CompileFlags turns the manifest flags into checkers. Flags are case
// sensitive unless case_sensitive is false.
func (m *Manifest) CompileFlags() ([]*flag.Flag, error) {
	flags := make([]*flag.Flag, 0, len(m.Flags))
	for i, f := range m.Flags {
		caseSensitive := true
		if f.CaseSensitive != nil {
			caseSensitive = *f.CaseSensitive
		}
		compiled, err := flag.New(f.Content, flag.Type(f.Type), caseSensitive)
		if err != nil {
			return nil, fmt.Errorf("flags[%d]: %w", i, err)
		}
		flags = append(flags, compiled)
	}
	return flags, nil
}
