package jobs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault_ListsKnownJobs(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.Equal(t, []string{
		"btos", "hts_coo_eccn", "lt_atp", "master_data",
		"pm_scm_planner", "single_item", "so_gating_items",
	}, c.Names())
}

func TestRender(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	msg, err := c.Render("lt_atp", map[string]string{"job_id": " J-42 "})
	require.NoError(t, err)
	require.Equal(t, "Lead time / ATP job J-42 is complete.", msg)

	msg, err = c.Render("master_data", nil)
	require.NoError(t, err)
	require.Equal(t, "Master data job finished.", msg)
}

func TestRender_MissingField(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	_, err = c.Render("btos", map[string]string{"job_id": "  "})
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "job_id", missing.Field)
}

func TestRender_UnknownJob(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	_, err = c.Render("nope", nil)
	require.True(t, errors.Is(err, ErrUnknownJob))
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"not yaml":     "jobs: [",
		"empty":        "jobs: {}",
		"no message":   "jobs:\n  a:\n    description: x\n",
		"bad template": "jobs:\n  a:\n    message: \"{{.x\"\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  weekly:\n    message: weekly digest\n"), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"weekly"}, c.Names())

	c, err = LoadFile("")
	require.NoError(t, err)
	_, ok := c.Lookup("btos")
	require.True(t, ok)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
