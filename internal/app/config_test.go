package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/consolidation/internal/consol/aggregation"
	"github.com/odyssey-erp/consolidation/internal/consol/ic"
)

// unsetEnv clears key for the duration of the test so .env files can set it.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONSOL_STORE", "memory")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	require.Equal(t, StoreMemory, cfg.Consol.Store)
	require.Equal(t, 3, cfg.Consol.FXLookbackMonths)
	require.Equal(t, 2*time.Minute, cfg.Consol.LockTTL)
	require.False(t, cfg.IsProduction())

	pc := cfg.Pipeline()
	require.Equal(t, ic.MatchPartial, pc.MatchPolicy)
	require.Equal(t, aggregation.BasisNetAssets, pc.NCIBasis)
	require.Equal(t, 10.0, pc.SegmentThresholdPct)
	require.Equal(t, 1.0, pc.AutoAdjustLimit)
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	unsetEnv(t, "CONSOL_NCI_BASIS")
	unsetEnv(t, "CONSOL_MATCH_POLICY")
	t.Setenv("CONSOL_STORE", "memory")
	t.Setenv("CONSOL_MATCH_POLICY", "exact")

	path := filepath.Join(t.TempDir(), ".env")
	body := "CONSOL_NCI_BASIS=EARNINGS\nCONSOL_MATCH_POLICY=PARTIAL\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	pc := cfg.Pipeline()
	require.Equal(t, aggregation.BasisEarnings, pc.NCIBasis)
	// the process environment wins over the file
	require.Equal(t, ic.MatchExact, pc.MatchPolicy)
}

func TestLoadConfigRejectsBadKnobs(t *testing.T) {
	cases := map[string]map[string]string{
		"store":     {"CONSOL_STORE": "sqlite"},
		"policy":    {"CONSOL_STORE": "memory", "CONSOL_MATCH_POLICY": "FUZZY"},
		"basis":     {"CONSOL_STORE": "memory", "CONSOL_NCI_BASIS": "GOODWILL"},
		"segment":   {"CONSOL_STORE": "memory", "CONSOL_SEGMENT_THRESHOLD_PCT": "0"},
		"tolerance": {"CONSOL_STORE": "memory", "CONSOL_MATCH_TOLERANCE": "-1"},
		"lock":      {"CONSOL_STORE": "memory", "CONSOL_LOCK_TTL": "0s"},
		"lookback":  {"CONSOL_STORE": "memory", "CONSOL_FX_LOOKBACK_MONTHS": "-2"},
		"duration":  {"CONSOL_STORE": "memory", "CONSOL_SNAPSHOT_TTL": "soon"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
			require.Error(t, err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", parseLevel("debug").String())
	require.Equal(t, "WARN", parseLevel(" Warning ").String())
	require.Equal(t, "INFO", parseLevel("").String())
}
