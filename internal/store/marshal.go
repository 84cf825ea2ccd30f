package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/skiplabs/skfs/internal/value"
)

// marshalValues serializes a value array as a JSON array of canonical file
// forms. Canonical forms are JSON themselves, so the result round-trips
// byte-exactly through the file.
func marshalValues(files []value.File) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range files {
		if i > 0 {
			buf.WriteByte(',')
		}
		canonical, err := value.MarshalCanonical(f)
		if err != nil {
			return "", fmt.Errorf("marshal values: %w", err)
		}
		buf.Write(canonical)
	}
	buf.WriteByte(']')
	return buf.String(), nil
}

// unmarshalValues reverses marshalValues.
func unmarshalValues(data string) ([]value.File, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal values: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	files := make([]value.File, len(raw))
	for i, r := range raw {
		f, err := value.UnmarshalCanonical(r)
		if err != nil {
			return nil, fmt.Errorf("unmarshal values[%d]: %w", i, err)
		}
		files[i] = f
	}
	return files, nil
}

// parsePath rebuilds a Path from its stored (dir, key) columns.
func parsePath(dir, key string) (value.Path, error) {
	k, err := value.ParseBaseName(key)
	if err != nil {
		return value.Path{}, err
	}
	return value.NewPath(value.DirName(dir), k), nil
}
