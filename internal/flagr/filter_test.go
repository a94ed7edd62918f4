package flagr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterConfig_Validate(t *testing.T) {
	assert.NoError(t, FilterConfig{}.Validate())
	assert.Error(t, FilterConfig{RequireServiceTag: true}.Validate())
	assert.Error(t, FilterConfig{TagMatchMode: "some"}.Validate())
}

func TestFilterConfig_String(t *testing.T) {
	assert.Equal(t, "no filtering (all flags exposed)", FilterConfig{}.String())

	cfg := FilterConfig{
		ServiceName:       "payments",
		RequireServiceTag: true,
		AdditionalTags:    []string{"prod"},
		Expression:        `enabled`,
	}
	assert.Equal(t, `filtering: service=payments, tags=[prod] (any), expr="enabled"`, cfg.String())
}

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name   string
		config FilterConfig
		flag   FlagrFlag
		want   bool
	}{
		{
			name: "no rules",
			flag: flag("a", false),
			want: true,
		},
		{
			name:   "service tag present",
			config: FilterConfig{ServiceName: "svc", RequireServiceTag: true},
			flag:   flag("a", true, "svc"),
			want:   true,
		},
		{
			name:   "service tag missing",
			config: FilterConfig{ServiceName: "svc", RequireServiceTag: true},
			flag:   flag("a", true, "other"),
			want:   false,
		},
		{
			name:   "any tag",
			config: FilterConfig{AdditionalTags: []string{"prod", "staging"}, TagMatchMode: "any"},
			flag:   flag("a", true, "staging"),
			want:   true,
		},
		{
			name:   "all tags missing one",
			config: FilterConfig{AdditionalTags: []string{"prod", "eu"}, TagMatchMode: "all"},
			flag:   flag("a", true, "prod"),
			want:   false,
		},
		{
			name:   "expression on key",
			config: FilterConfig{Expression: `key startsWith "checkout."`},
			flag:   flag("checkout.v2", true),
			want:   true,
		},
		{
			name:   "expression on tags",
			config: FilterConfig{Expression: `"beta" in tags && enabled`},
			flag:   flag("a", false, "beta"),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.config)
			require.NoError(t, err)

			got, err := f.Match(tt.flag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewFilter_RejectsNonBoolExpression(t *testing.T) {
	_, err := NewFilter(FilterConfig{Expression: `key`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter expression")
}
