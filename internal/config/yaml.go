package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON converts a .yaml/.yml document to JSON so both formats go through
// the same strict decoder. Other file names pass through untouched.
func toJSON(name string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), "yaml", nil
		}
		return nil, "yaml", fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, "yaml", errors.New("yaml: more than one document")
		}
		return nil, "yaml", fmt.Errorf("yaml: %w", err)
	}

	v, err := jsonValue(doc, "")
	if err != nil {
		return nil, "yaml", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json: %w", err)
	}
	return b, "yaml", nil
}

// jsonValue rewrites what yaml.v3 produces into JSON-marshalable values.
// Scalar map keys become strings, so `vessels: {1: Kestrel}` works unquoted.
func jsonValue(in any, path string) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			jv, err := jsonValue(v, join(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = jv
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			switch k.(type) {
			case string, int, int64, uint64, bool, float64:
			default:
				return nil, fmt.Errorf("yaml: %s: unsupported key type %T", path, k)
			}
			ks := fmt.Sprint(k)
			jv, err := jsonValue(v, join(path, ks))
			if err != nil {
				return nil, err
			}
			out[ks] = jv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			jv, err := jsonValue(v, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = jv
		}
		return out, nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	default:
		return in, nil
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
