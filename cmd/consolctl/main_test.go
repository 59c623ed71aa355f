package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchUsage(t *testing.T) {
	var stderr bytes.Buffer
	require.Equal(t, 2, dispatch(context.Background(), nil, &bytes.Buffer{}, &stderr))
	require.Contains(t, stderr.String(), "usage: consolctl")

	stderr.Reset()
	require.Equal(t, 2, dispatch(context.Background(), []string{"fx", "rebuild"}, &bytes.Buffer{}, &stderr))
	require.Contains(t, stderr.String(), `unknown command "fx rebuild"`)
}

func TestDispatchBadFlags(t *testing.T) {
	var stderr bytes.Buffer
	require.Equal(t, 2, dispatch(context.Background(), []string{"run", "--nope"}, &bytes.Buffer{}, &stderr))
}

func TestRunAgainstMemoryFixture(t *testing.T) {
	t.Setenv("CONSOL_STORE", "memory")
	t.Setenv("CONSOL_FIXTURE", "../../internal/consol/store/testdata/group_gbp.yaml")
	var stdout, stderr bytes.Buffer
	code := dispatch(context.Background(), []string{"run", "--group", "GRP-UK", "--period", "2025-02", "--dry-run"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "Consolidation GRP-UK/2025-02 in GBP (dry run)")
}

func TestFXValidateAgainstMemoryFixture(t *testing.T) {
	t.Setenv("CONSOL_STORE", "memory")
	t.Setenv("CONSOL_FIXTURE", "../../internal/consol/store/testdata/group_gbp.yaml")
	var stdout bytes.Buffer
	code := dispatch(context.Background(), []string{"fx", "validate", "--group", "GRP-UK", "--period", "2025-01", "--pairs", "USDGBP"}, &stdout, &bytes.Buffer{})
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "All required FX rates are present.")
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"USDGBP", "EURGBP"}, splitList(" USDGBP, ,EURGBP "))
	require.Nil(t, splitList(""))
}
