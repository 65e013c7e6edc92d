package batch

import (
	"os"
	"path/filepath"
	"testing"

	"Go2NetLabel/internal/engine/labeler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.csv")
	require.NoError(t, os.WriteFile(manifest, []byte(`path,label
# generated by hand
captures/benign.pcap,normal
/abs/syn.pcap, syn_flood
`), 0o644))

	tasks, err := FromManifest(manifest)
	require.NoError(t, err)
	assert.Equal(t, []labeler.Task{
		{Path: filepath.Join(dir, "captures", "benign.pcap"), Label: "normal"},
		{Path: "/abs/syn.pcap", Label: "syn_flood"},
	}, tasks)

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("only-a-path.pcap\n"), 0o644))
	_, err = FromManifest(bad)
	assert.Error(t, err)

	_, err = FromManifest(filepath.Join(dir, "nope.csv"))
	assert.Error(t, err)
}

func TestFromDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"benign.pcap", "syn_flood.pcap", "syn_flood_h2.pcap", "cooldown.pcapng", "mystery.pcap", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.pcap"), 0o755))

	tasks, err := FromDir(dir, map[string]string{
		"benign":    "normal",
		"syn":       "wrong",
		"syn_flood": "syn_flood",
		"cooldown":  "normal",
	})
	require.NoError(t, err)

	got := map[string]string{}
	for _, task := range tasks {
		got[filepath.Base(task.Path)] = task.Label
	}
	assert.Equal(t, map[string]string{
		"benign.pcap":       "normal",
		"syn_flood.pcap":    "syn_flood",
		"syn_flood_h2.pcap": "syn_flood",
		"cooldown.pcapng":   "normal",
		"mystery.pcap":      "mystery",
	}, got)
}
