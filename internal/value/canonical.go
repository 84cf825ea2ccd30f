package value

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces the canonical byte form of a File.
// CRITICAL: this is the ONLY serialization that should be used for interning
// and content-addressed identity computation.
//
// The form is a JSON array [kind, payload...]:
//
//	["string", "hello"]
//	["int", 42]
//	["blob", "<hex>"]
//	["extptr", 42, "freeConn"]
//	["<client kind>", "<hex payload>"]
//
// Key properties:
//  1. Strings are NFC normalized
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Integers are plain decimal, never floats
//  4. Binary payloads are lowercase hex
func MarshalCanonical(f File) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	kind, err := marshalCanonicalString(f.Kind())
	if err != nil {
		return nil, fmt.Errorf("canonical %s: %w", f.Kind(), err)
	}
	buf.Write(kind)

	switch v := f.(type) {
	case StringFile:
		s, err := marshalCanonicalString(string(v))
		if err != nil {
			return nil, fmt.Errorf("canonical string: %w", err)
		}
		buf.WriteByte(',')
		buf.Write(s)
	case IntFile:
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case BlobFile:
		buf.WriteByte(',')
		buf.WriteByte('"')
		buf.WriteString(hex.EncodeToString([]byte(v.data)))
		buf.WriteByte('"')
	case ExternalPointer:
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatUint(v.Value, 10))
		fin, err := marshalCanonicalString(v.Finalizer)
		if err != nil {
			return nil, fmt.Errorf("canonical extptr: %w", err)
		}
		buf.WriteByte(',')
		buf.Write(fin)
	case CustomFile:
		buf.WriteByte(',')
		buf.WriteByte('"')
		buf.WriteString(hex.EncodeToString([]byte(v.payload)))
		buf.WriteByte('"')
	default:
		return nil, fmt.Errorf("unsupported File variant: %T", f)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalCanonical decodes the byte form produced by MarshalCanonical.
func UnmarshalCanonical(data []byte) (File, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal canonical: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("unmarshal canonical: short form %q", data)
	}
	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return nil, fmt.Errorf("unmarshal canonical kind: %w", err)
	}

	switch kind {
	case "string":
		var s string
		if err := json.Unmarshal(raw[1], &s); err != nil {
			return nil, fmt.Errorf("unmarshal canonical string: %w", err)
		}
		return StringFile(s), nil
	case "int":
		var n int64
		if err := json.Unmarshal(raw[1], &n); err != nil {
			return nil, fmt.Errorf("unmarshal canonical int: %w", err)
		}
		return IntFile(n), nil
	case "blob":
		data, err := unmarshalHex(raw[1])
		if err != nil {
			return nil, fmt.Errorf("unmarshal canonical blob: %w", err)
		}
		return NewBlob(data), nil
	case "extptr":
		if len(raw) < 3 {
			return nil, fmt.Errorf("unmarshal canonical extptr: short form")
		}
		var val uint64
		if err := json.Unmarshal(raw[1], &val); err != nil {
			return nil, fmt.Errorf("unmarshal canonical extptr: %w", err)
		}
		var fin string
		if err := json.Unmarshal(raw[2], &fin); err != nil {
			return nil, fmt.Errorf("unmarshal canonical extptr: %w", err)
		}
		return ExternalPointer{Value: val, Finalizer: fin}, nil
	default:
		payload, err := unmarshalHex(raw[1])
		if err != nil {
			return nil, fmt.Errorf("unmarshal canonical %q: %w", kind, err)
		}
		return NewCustom(kind, payload), nil
	}
}

func unmarshalHex(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return hex.DecodeString(s)
}

// marshalCanonicalString produces a canonical JSON string with NFC
// normalization. No HTML escaping: <, >, & must NOT be escaped, otherwise
// the same logical string hashes to two identities.
func marshalCanonicalString(s string) ([]byte, error) {
	// NFC normalize at the serialization boundary
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder adds a trailing newline, remove it
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}
	return result, nil
}
