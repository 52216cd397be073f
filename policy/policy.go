// Package policy decides whether a repository path may be served. Evaluation
// is a pure function of the parsed path and a compiled rule set.
package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/wolfeidau/aptg/repo"
)

// Dimension names the rule family that produced a denial.
type Dimension string

const (
	DimensionBlacklist    Dimension = "blacklist"
	DimensionArchitecture Dimension = "architecture"
	DimensionComponent    Dimension = "component"
	DimensionSuite        Dimension = "suite"
	DimensionSize         Dimension = "size"
)

// Decision is either Allow or Deny.
type Decision interface {
	Allowed() bool
	String() string
	decision()
}

// Allow permits the request.
type Allow struct{}

func (Allow) Allowed() bool  { return true }
func (Allow) String() string { return "allow" }
func (Allow) decision()      {}

// Deny rejects the request. Value is the offending path attribute and Rule
// the configured rule that matched.
type Deny struct {
	Dimension Dimension
	Value     string
	Rule      string
}

func (Deny) Allowed() bool { return false }
func (d Deny) String() string {
	return fmt.Sprintf("deny %s %q (%s)", d.Dimension, d.Value, d.Rule)
}
func (Deny) decision() {}

// Config is the administrator-facing rule set as loaded from configuration.
type Config struct {
	Allow  AllowConfig  `mapstructure:"allow"`
	Deny   DenyConfig   `mapstructure:"deny"`
	Limits LimitsConfig `mapstructure:"limits"`
}

// AllowConfig lists permitted values per dimension. An empty list permits
// everything.
type AllowConfig struct {
	Suites        []string `mapstructure:"suites"`
	Components    []string `mapstructure:"components"`
	Architectures []string `mapstructure:"architectures"`
}

// DenyConfig lists forbidden values per dimension. Packages are package
// names or path.Match globs over the package name or full repository path.
type DenyConfig struct {
	Suites        []string `mapstructure:"suites"`
	Components    []string `mapstructure:"components"`
	Architectures []string `mapstructure:"architectures"`
	Packages      []string `mapstructure:"packages"`
}

// LimitsConfig bounds what may be fetched.
type LimitsConfig struct {
	// MaxPackageSize is the largest package file in bytes. Zero disables
	// the check.
	MaxPackageSize int64 `mapstructure:"max_package_size" validate:"gte=0"`
}

// Rules is a compiled, read-only rule set.
type Rules struct {
	blacklist []string

	denyArch      set
	denyComponent set
	denySuite     set

	allowArch      set
	allowComponent set
	allowSuite     set

	maxPackageSize int64
}

type set map[string]struct{}

func newSet(values []string, normalize func(string) string) set {
	if len(values) == 0 {
		return nil
	}
	s := make(set, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if normalize != nil {
			v = normalize(v)
		}
		if v != "" {
			s[v] = struct{}{}
		}
	}
	return s
}

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

// Architectures may be configured in index-directory form ("binary-amd64").
func normalizeArch(v string) string {
	return strings.TrimPrefix(v, "binary-")
}

// Compile validates globs and builds lookup sets.
func Compile(cfg Config) (*Rules, error) {
	for _, pattern := range cfg.Deny.Packages {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid package pattern %q: %w", pattern, err)
		}
	}
	return &Rules{
		blacklist:      append([]string(nil), cfg.Deny.Packages...),
		denyArch:       newSet(cfg.Deny.Architectures, normalizeArch),
		denyComponent:  newSet(cfg.Deny.Components, nil),
		denySuite:      newSet(cfg.Deny.Suites, nil),
		allowArch:      newSet(cfg.Allow.Architectures, normalizeArch),
		allowComponent: newSet(cfg.Allow.Components, nil),
		allowSuite:     newSet(cfg.Allow.Suites, nil),
		maxPackageSize: cfg.Limits.MaxPackageSize,
	}, nil
}

// MustCompile is Compile for rule sets known to be valid.
func MustCompile(cfg Config) *Rules {
	r, err := Compile(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// Evaluate applies the rules in a fixed order: package blacklist,
// architecture deny, component deny, suite deny, then the allow-lists, then
// default allow. The first failing check is returned. Unparsed paths are
// only checked against the blacklist. A nil rule set allows everything.
func Evaluate(p repo.Path, rules *Rules) Decision {
	if rules == nil {
		return Allow{}
	}

	if d, ok := rules.checkBlacklist(p); ok {
		return d
	}
	if p.Unparsed() {
		return Allow{}
	}

	if p.Architecture != "" && rules.denyArch.has(p.Architecture) {
		return Deny{Dimension: DimensionArchitecture, Value: p.Architecture, Rule: "deny.architectures"}
	}
	if p.Component != "" && rules.denyComponent.has(p.Component) {
		return Deny{Dimension: DimensionComponent, Value: p.Component, Rule: "deny.components"}
	}
	if p.Suite != "" && rules.denySuite.has(p.Suite) {
		return Deny{Dimension: DimensionSuite, Value: p.Suite, Rule: "deny.suites"}
	}

	// Architecture-independent packages are usable on every allowed
	// architecture.
	if rules.allowArch != nil && p.Architecture != "" && p.Architecture != repo.ArchAll && !rules.allowArch.has(p.Architecture) {
		return Deny{Dimension: DimensionArchitecture, Value: p.Architecture, Rule: "allow.architectures"}
	}
	if rules.allowComponent != nil && p.Component != "" && !rules.allowComponent.has(p.Component) {
		return Deny{Dimension: DimensionComponent, Value: p.Component, Rule: "allow.components"}
	}
	if rules.allowSuite != nil && p.Suite != "" && !rules.allowSuite.has(p.Suite) {
		return Deny{Dimension: DimensionSuite, Value: p.Suite, Rule: "allow.suites"}
	}
	return Allow{}
}

// EvaluateSize denies package files whose expected size exceeds the
// configured limit. It runs once the expected size is known and before any
// upstream fetch of the file.
func EvaluateSize(p repo.Path, size int64, rules *Rules) Decision {
	if rules == nil || rules.maxPackageSize <= 0 || p.Kind != repo.KindPackageFile {
		return Allow{}
	}
	if size > rules.maxPackageSize {
		return Deny{
			Dimension: DimensionSize,
			Value:     fmt.Sprintf("%d", size),
			Rule:      fmt.Sprintf("limits.max_package_size=%d", rules.maxPackageSize),
		}
	}
	return Allow{}
}

func (r *Rules) checkBlacklist(p repo.Path) (Decision, bool) {
	for _, pattern := range r.blacklist {
		if p.Package != "" && (pattern == p.Package || globMatch(pattern, p.Package)) {
			return Deny{Dimension: DimensionBlacklist, Value: p.Package, Rule: pattern}, true
		}
		if globMatch(pattern, p.Raw) {
			return Deny{Dimension: DimensionBlacklist, Value: p.Raw, Rule: pattern}, true
		}
	}
	return nil, false
}

func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
