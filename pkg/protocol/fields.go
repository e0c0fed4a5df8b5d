package protocol

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

const fieldSeparator = "\t"

// EncodeFields joins positional fields with TAB and converts them to
// Windows-1251, the code page the device prints with
func EncodeFields(fields ...string) ([]byte, error) {
	for i, f := range fields {
		if strings.ContainsAny(f, "\t\r\n") {
			return nil, fmt.Errorf("field %d contains a control character", i)
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}

	encoded, _, err := transform.Bytes(charmap.Windows1251.NewEncoder(), []byte(strings.Join(fields, fieldSeparator)))
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields to windows-1251: %w", err)
	}
	return encoded, nil
}

// DecodeFields converts frame data back to UTF-8 fields
func DecodeFields(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}

	decoded, _, err := transform.Bytes(charmap.Windows1251.NewDecoder(), data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode windows-1251 fields: %w", err)
	}
	return strings.Split(string(decoded), fieldSeparator), nil
}

// EncodeEcho encodes a key=value response map in key order
func EncodeEcho(values map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, k+"="+values[k])
	}
	return EncodeFields(fields...)
}

// DecodeEcho parses key=value response fields. Fields without '=' are kept
// under their position ("0", "1", ...).
func DecodeEcho(data []byte) (map[string]string, error) {
	fields, err := DecodeFields(data)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(fields))
	for i, f := range fields {
		if k, v, ok := strings.Cut(f, "="); ok {
			out[k] = v
			continue
		}
		out[fmt.Sprintf("%d", i)] = f
	}
	return out, nil
}
