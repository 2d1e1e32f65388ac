package importer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCSVMetadataSkipsHeaderRow(t *testing.T) {
	dir := t.TempDir()
	csv := "key,value\nchannel,DAPI\nmagnification,40x\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.csv"), []byte(csv), 0o644))

	kv, err := LoadCSVMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"channel": "DAPI", "magnification": "40x"}, kv)
}

func TestLoadCSVMetadataReturnsNilWhenAbsent(t *testing.T) {
	kv, err := LoadCSVMetadata(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, kv)
}

func TestMergeKeyValuesPreprocessorTakesPrecedence(t *testing.T) {
	csvKV := map[string]string{"channel": "DAPI", "operator": "alice"}
	preKV := map[string]string{"channel": "GFP"}

	merged := MergeKeyValues(csvKV, preKV)
	assert.Equal(t, "GFP", merged["channel"])
	assert.Equal(t, "alice", merged["operator"])
}

func TestMergeKeyValuesHandlesNilMaps(t *testing.T) {
	merged := MergeKeyValues(nil, map[string]string{"a": "1"})
	assert.Equal(t, map[string]string{"a": "1"}, merged)
}
