// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 hashing. Every hash in the control plane,
// from event payload and chain hashes to manifest hashes and dispatch
// ids, is computed over the output of JCS.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalizeError reports input that cannot be canonicalized (cycles,
// channels, NaN, infinities).
type CanonicalizeError struct {
	Reason string
}

func (e *CanonicalizeError) Error() string {
	return "canonicalize: " + e.Reason
}

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// 1. Map keys are sorted lexicographically by UTF-16 code unit.
// 2. HTML escaping is disabled (unlike standard json.Marshal).
// 3. Numbers are rendered in ES-2020 Number.prototype.toString form:
//    integers as-is, non-integers shortest round-trip.
func JCS(v interface{}) ([]byte, error) {
	// Marshal through the standard encoder first so struct tags are
	// respected, then decode into a generic tree with json.Number and
	// re-serialize with canonical ordering and formatting.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &CanonicalizeError{Reason: fmt.Sprintf("pre-marshal failed: %v", err)}
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, &CanonicalizeError{Reason: fmt.Sprintf("intermediate decode failed: %v", err)}
	}

	return marshalRecursive(generic)
}

// CanonicalHash returns the lowercase-hex SHA-256 of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// JCSString returns the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalRecursive(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return formatNumber(t)
	case string:
		return encodeString(t)
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodeString(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, &CanonicalizeError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

// encodeString emits a JSON string without HTML escaping.
func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, &CanonicalizeError{Reason: err.Error()}
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// formatNumber renders a number the way ES-2020 Number.prototype.toString
// does: integers without a fraction, non-integers shortest round-trip,
// exponent notation outside [1e-6, 1e21).
func formatNumber(n json.Number) ([]byte, error) {
	s := n.String()
	// Fast path: plain integers pass through untouched.
	if !strings.ContainsAny(s, ".eE") {
		return []byte(s), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &CanonicalizeError{Reason: fmt.Sprintf("bad number %q: %v", s, err)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &CanonicalizeError{Reason: "NaN and Infinity are not serializable"}
	}
	if f == 0 {
		return []byte("0"), nil
	}

	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		out := strconv.FormatFloat(f, 'e', -1, 64)
		return []byte(trimExponent(out)), nil
	}
	return []byte(strconv.FormatFloat(f, 'f', -1, 64)), nil
}

// trimExponent rewrites Go's "1.5e+07" into ES-2020's "1.5e+7".
func trimExponent(s string) string {
	i := strings.IndexByte(s, 'e')
	if i < 0 {
		return s
	}
	mant, exp := s[:i], s[i+1:]
	sign := ""
	if len(exp) > 0 && (exp[0] == '+' || exp[0] == '-') {
		sign, exp = string(exp[0]), exp[1:]
	}
	exp = strings.TrimLeft(exp, "0")
	if exp == "" {
		exp = "0"
	}
	return mant + "e" + sign + exp
}
