package query

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint derives the stable 32-character hex identifier of a spec from
// its canonical serialisation. Nested specs are fingerprinted first and appear
// in the serialisation as {"__ref__": "<fingerprint>"}, so structurally
// identical sub-trees always alias regardless of how they were supplied.
func Fingerprint(s *Spec) string {
	sum := md5.Sum([]byte(Canonical(s)))
	return hex.EncodeToString(sum[:])
}

// Canonical returns the canonical JSON serialisation of a spec: keys sorted
// lexicographically, sequences preserved in order, numbers in their shortest
// exact decimal form, and sub-specs replaced by their fingerprints.
func Canonical(s *Spec) string {
	var b strings.Builder
	b.WriteString(`{"query_kind":`)
	b.WriteString(encodeJSONString(s.Kind))
	for _, name := range s.ParamNames() {
		b.WriteByte(',')
		b.WriteString(encodeJSONString(name))
		b.WriteByte(':')
		writeCanonicalValue(&b, s.Params[name])
	}
	b.WriteByte('}')
	return b.String()
}

func writeCanonicalValue(b *strings.Builder, value interface{}) {
	switch v := value.(type) {
	case nil:
		b.WriteString("null")
	case *Spec:
		b.WriteString(`{"__ref__":`)
		b.WriteString(encodeJSONString(Fingerprint(v)))
		b.WriteByte('}')
	case string:
		b.WriteString(encodeJSONString(v))
	case bool:
		if v {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		b.WriteString(canonicalNumber(v.String()))
	case float64:
		b.WriteString(canonicalNumber(strconv.FormatFloat(v, 'g', -1, 64)))
	case int:
		b.WriteString(strconv.Itoa(v))
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
	case []interface{}:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalValue(b, item)
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(encodeJSONString(k))
			b.WriteByte(':')
			writeCanonicalValue(b, v[k])
		}
		b.WriteByte('}')
	default:
		// Last resort for values injected programmatically.
		b.WriteString(encodeJSONString(fmt.Sprintf("%v", v)))
	}
}

// canonicalNumber renders a decimal literal in its shortest exact form, so
// "5", "5.0" and "5e0" all serialise identically.
func canonicalNumber(literal string) string {
	if i, err := strconv.ParseInt(literal, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return literal
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func encodeJSONString(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

// Encode returns the full canonical JSON of a spec with sub-specs inlined as
// complete objects rather than fingerprint references. This is the
// representation persisted in the cache and returned by the get_query_params
// action: parsing it back and fingerprinting reproduces the original id.
func Encode(s *Spec) string {
	var b strings.Builder
	writeEncoded(&b, s)
	return b.String()
}

func writeEncoded(b *strings.Builder, s *Spec) {
	b.WriteString(`{"query_kind":`)
	b.WriteString(encodeJSONString(s.Kind))
	for _, name := range s.ParamNames() {
		b.WriteByte(',')
		b.WriteString(encodeJSONString(name))
		b.WriteByte(':')
		writeEncodedValue(b, s.Params[name])
	}
	b.WriteByte('}')
}

func writeEncodedValue(b *strings.Builder, value interface{}) {
	switch v := value.(type) {
	case *Spec:
		writeEncoded(b, v)
	case []interface{}:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeEncodedValue(b, item)
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(encodeJSONString(k))
			b.WriteByte(':')
			writeEncodedValue(b, v[k])
		}
		b.WriteByte('}')
	default:
		writeCanonicalValue(b, value)
	}
}

// CanonicalParams returns the spec, including its query_kind, as a generic
// map in canonical form with sub-specs inlined. This is the payload of the
// get_query_params reply.
func CanonicalParams(s *Spec) map[string]interface{} {
	dec := json.NewDecoder(strings.NewReader(Encode(s)))
	dec.UseNumber()
	var out map[string]interface{}
	// Encode output is always valid JSON.
	_ = dec.Decode(&out)
	return out
}
