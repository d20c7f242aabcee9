package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/source"
	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func wantPlans() []streamPlan {
	base := codec.DefaultEncodeOptions()
	input := base
	input.Quality = 70
	blur := input
	blur.Format = codec.FormatPNG
	blur.Compression = 1
	return []streamPlan{
		{spec: source.StreamSpec{Name: "input", Variant: source.Identity}, enc: input},
		{spec: source.StreamSpec{Name: "blur", Variant: source.Blur}, enc: blur},
	}
}

func TestLoadStreamPlanYAML(t *testing.T) {
	path := writePlan(t, "plan.yaml", `
version: 1
source: pattern:320x240
fps: 10
defaults:
  quality: 70
streams:
  - name: input
  - name: blur
    variant: blur
    format: png
    png_compression: 1
`)
	doc, err := loadStreamPlanDocument(path)
	require.NoError(t, err)
	require.Equal(t, "pattern:320x240", doc.Source)
	require.Equal(t, 10, *doc.Fps)

	plans, err := doc.toPlans(codec.DefaultEncodeOptions())
	require.NoError(t, err)
	require.Equal(t, wantPlans(), plans)
}

func TestLoadStreamPlanJSONAndTOML(t *testing.T) {
	jsonPath := writePlan(t, "plan.json", `{
  "defaults": {"quality": 70},
  "streams": [
    {"name": "input"},
    {"name": "blur", "variant": "blur", "format": "png", "png_compression": 1}
  ]
}`)
	tomlPath := writePlan(t, "plan.toml", `
[defaults]
quality = 70

[[streams]]
name = "input"

[[streams]]
name = "blur"
variant = "blur"
format = "png"
png_compression = 1
`)
	for _, path := range []string{jsonPath, tomlPath} {
		doc, err := loadStreamPlanDocument(path)
		require.NoError(t, err, path)
		require.Equal(t, 1, doc.Version)
		plans, err := doc.toPlans(codec.DefaultEncodeOptions())
		require.NoError(t, err, path)
		require.Equal(t, wantPlans(), plans, path)
	}
}

func TestStreamPlanValidation(t *testing.T) {
	cases := map[string]string{
		"no streams":  "version: 1\n",
		"bad version": "version: 2\nstreams:\n  - name: a\n",
		"no name":     "streams:\n  - variant: blur\n",
		"duplicate":   "streams:\n  - name: a\n  - name: a\n",
	}
	for name, content := range cases {
		_, err := loadStreamPlanDocument(writePlan(t, "plan.yaml", content))
		require.Error(t, err, name)
	}

	doc, err := loadStreamPlanDocument(writePlan(t, "plan.yml", "streams:\n  - name: a\n    variant: sepia\n"))
	require.NoError(t, err)
	_, err = doc.toPlans(codec.DefaultEncodeOptions())
	require.Error(t, err)

	doc, err = loadStreamPlanDocument(writePlan(t, "plan.yml", "streams:\n  - name: a\n    quality: 0\n"))
	require.NoError(t, err)
	_, err = doc.toPlans(codec.DefaultEncodeOptions())
	require.Error(t, err)
}
