package flagr

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// FilterConfig decides which remote flags are exposed. Filtered flags are
// absent from the mapping and therefore read as false.
type FilterConfig struct {
	// ServiceName is the current service identifier
	ServiceName string `yaml:"service_name"`

	// RequireServiceTag keeps only flags tagged with ServiceName
	RequireServiceTag bool `yaml:"require_service_tag"`

	// AdditionalTags filters by extra tag values, e.g. "production"
	AdditionalTags []string `yaml:"additional_tags"`

	// TagMatchMode is "any" or "all"
	TagMatchMode string `yaml:"tag_match_mode"`

	// Expression is an optional boolean expression evaluated per flag with
	// key, enabled, tags and description in scope.
	//
	//	key startsWith "checkout." && "beta" in tags
	Expression string `yaml:"expression"`
}

// Validate validates the filter configuration
func (f FilterConfig) Validate() error {
	if f.RequireServiceTag && f.ServiceName == "" {
		return fmt.Errorf("service_name must be set when require_service_tag is true")
	}

	if f.TagMatchMode != "" && f.TagMatchMode != "any" && f.TagMatchMode != "all" {
		return fmt.Errorf("tag_match_mode must be 'any' or 'all'")
	}

	return nil
}

// String returns a human-readable description of the filter config
func (f FilterConfig) String() string {
	filters := []string{}

	if f.RequireServiceTag {
		filters = append(filters, fmt.Sprintf("service=%s", f.ServiceName))
	}

	if len(f.AdditionalTags) > 0 {
		mode := f.TagMatchMode
		if mode == "" {
			mode = "any"
		}
		filters = append(filters, fmt.Sprintf("tags=%v (%s)", f.AdditionalTags, mode))
	}

	if f.Expression != "" {
		filters = append(filters, fmt.Sprintf("expr=%q", f.Expression))
	}

	if len(filters) == 0 {
		return "no filtering (all flags exposed)"
	}

	return "filtering: " + strings.Join(filters, ", ")
}

// Filter is a compiled FilterConfig
type Filter struct {
	config  FilterConfig
	program *vm.Program
}

func filterEnv(flag FlagrFlag) map[string]interface{} {
	return map[string]interface{}{
		"key":         flag.Key,
		"enabled":     flag.Enabled,
		"tags":        flag.TagValues(),
		"description": flag.Description,
	}
}

// NewFilter validates cfg and compiles its expression
func NewFilter(cfg FilterConfig) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Filter{config: cfg}

	if cfg.Expression != "" {
		program, err := expr.Compile(cfg.Expression, expr.Env(filterEnv(FlagrFlag{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression: %w", err)
		}
		f.program = program
	}

	return f, nil
}

// Match reports whether flag passes every configured rule
func (f *Filter) Match(flag FlagrFlag) (bool, error) {
	tags := flag.TagValues()

	if f.config.RequireServiceTag && !containsTag(tags, f.config.ServiceName) {
		return false, nil
	}

	if !f.matchesAdditionalTags(tags) {
		return false, nil
	}

	if f.program == nil {
		return true, nil
	}

	out, err := expr.Run(f.program, filterEnv(flag))
	if err != nil {
		return false, fmt.Errorf("filter expression failed for %s: %w", flag.Key, err)
	}

	ok, _ := out.(bool)
	return ok, nil
}

func (f *Filter) matchesAdditionalTags(tags []string) bool {
	if len(f.config.AdditionalTags) == 0 {
		return true
	}

	tagSet := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tagSet[tag] = true
	}

	if f.config.TagMatchMode == "all" {
		for _, required := range f.config.AdditionalTags {
			if !tagSet[required] {
				return false
			}
		}
		return true
	}

	for _, required := range f.config.AdditionalTags {
		if tagSet[required] {
			return true
		}
	}
	return false
}

func containsTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
