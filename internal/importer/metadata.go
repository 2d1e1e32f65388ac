package importer

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
)

const metadataFileName = "metadata.csv"

// LoadCSVMetadata loads a two-column key,value CSV from dir/metadata.csv, skipping the
// header row. Returns (nil, nil) if no such file exists.
func LoadCSVMetadata(dir string) (map[string]string, error) {
	path := filepath.Join(dir, metadataFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	out := map[string]string{}
	rowIdx := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			rowIdx++
			continue // header row
		}
		rowIdx++
		if len(row) != 2 || row[0] == "" {
			continue
		}
		out[row[0]] = row[1]
	}
	return out, nil
}

// MergeKeyValues combines a CSV-sourced map and the preprocessor's flat keyvalues list
// into one namespace, the preprocessor's values taking precedence on key collision since
// they are per-file-specific while the CSV is per-directory.
func MergeKeyValues(csvKV, preprocessorKV map[string]string) map[string]string {
	out := make(map[string]string, len(csvKV)+len(preprocessorKV))
	for k, v := range csvKV {
		out[k] = v
	}
	for k, v := range preprocessorKV {
		out[k] = v
	}
	return out
}
