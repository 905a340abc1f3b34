package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
database: /var/lib/tracksync/state.db
tracks:
  - id: run
    role: RUN
    environment: env-prod
  - id: build
    role: BUILD
    environment: env-uat
`

func TestParse_FillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tracksync/state.db", cfg.Database)
	assert.Equal(t, "partial", cfg.MergePolicy)
	assert.Equal(t, 3, cfg.MaxExpansionHops)
	assert.Equal(t, 72*time.Hour, cfg.StalenessThreshold())
	assert.Equal(t, 24*time.Hour, cfg.LagThreshold())
	assert.Equal(t, 10*time.Minute, cfg.ScanPeriod())
	assert.Empty(t, cfg.ExcludeFromExpansion)
	require.Len(t, cfg.Tracks, 2)
	assert.Equal(t, "RUN", cfg.Tracks[0].Role)
}

func TestParse_ExplicitValues(t *testing.T) {
	cfg, err := Parse([]byte(`
database: ./state.db
merge_policy: atomic
max_expansion_hops: 5
drift_staleness_threshold: 48h
retrofit_lag_threshold: 12h
scan_interval: 1m
exclude_from_expansion: [Report, Dashboard]
tracks:
  - id: run
    role: RUN
    environment: env-prod
`))
	require.NoError(t, err)
	assert.Equal(t, "atomic", cfg.MergePolicy)
	assert.Equal(t, 5, cfg.MaxExpansionHops)
	assert.Equal(t, 48*time.Hour, cfg.StalenessThreshold())
	assert.Equal(t, []string{"Report", "Dashboard"}, cfg.ExcludeFromExpansion)
}

func TestParse_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "empty document",
			yaml: "",
			want: "empty document",
		},
		{
			name: "missing database",
			yaml: `
tracks:
  - {id: run, role: RUN, environment: env-prod}
`,
			want: "invalid config",
		},
		{
			name: "invalid role",
			yaml: `
database: ./state.db
tracks:
  - {id: run, role: STAGING, environment: env-prod}
`,
			want: "invalid config",
		},
		{
			name: "no tracks",
			yaml: `
database: ./state.db
tracks: []
`,
			want: "invalid config",
		},
		{
			name: "hop bound out of range",
			yaml: `
database: ./state.db
max_expansion_hops: 0
tracks:
  - {id: run, role: RUN, environment: env-prod}
`,
			want: "invalid config",
		},
		{
			name: "malformed duration",
			yaml: `
database: ./state.db
scan_interval: often
tracks:
  - {id: run, role: RUN, environment: env-prod}
`,
			want: "scan_interval",
		},
		{
			name: "duplicate track id",
			yaml: `
database: ./state.db
tracks:
  - {id: run, role: RUN, environment: env-prod}
  - {id: run, role: BUILD, environment: env-uat}
`,
			want: "duplicate track id",
		},
		{
			name: "environment with two tracks of the same role",
			yaml: `
database: ./state.db
tracks:
  - {id: run-a, role: RUN, environment: env-prod}
  - {id: run-b, role: RUN, environment: env-prod}
`,
			want: "bound to two RUN tracks",
		},
		{
			name: "duplicate role hidden behind an interleaved binding",
			yaml: `
database: ./state.db
tracks:
  - {id: run-a, role: RUN, environment: env-prod}
  - {id: build-a, role: BUILD, environment: env-prod}
  - {id: run-b, role: RUN, environment: env-prod}
`,
			want: "bound to two RUN tracks",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}
