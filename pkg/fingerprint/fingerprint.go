// Package fingerprint derives stable identities for logical requests.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/quizcraft/quizcraft/pkg/models"
)

// Separator joins the canonical parts before hashing. It is the ASCII
// record separator, which never appears in extracted document text.
const Separator = "\x1e"

// Of returns the fingerprint of payload and params. Requests whose payloads
// differ only in per-line edge whitespace or repeated blank lines share a
// fingerprint; any parameter change produces a new one.
func Of(payload models.Payload, params models.Params) models.Fingerprint {
	h := sha256.New()
	h.Write([]byte(NormalizeText(payload.System)))
	h.Write([]byte(Separator))
	h.Write([]byte(NormalizeText(payload.Text)))
	h.Write([]byte(Separator))
	h.Write(CanonicalParams(params))
	return models.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// NormalizeText trims every line, collapses runs of blank lines into one
// and drops leading and trailing blank lines.
func NormalizeText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(out) == 0 || blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	if n := len(out); n > 0 && out[n-1] == "" {
		out = out[:n-1]
	}
	return strings.Join(out, "\n")
}

// CanonicalParams encodes params as a JSON object with sorted keys. Every
// field is present, so changing a value from its zero value is visible.
func CanonicalParams(p models.Params) []byte {
	stops := make([]any, len(p.StopSequences))
	for i, s := range p.StopSequences {
		stops[i] = s
	}
	m := map[string]any{
		"model":            p.Model,
		"temperature":      p.Temperature,
		"top_p":            p.TopP,
		"max_output_units": p.MaxOutputUnits,
		"template_version": p.TemplateVersion,
		"stop_sequences":   stops,
		"extra":            p.Extra,
	}
	var buf bytes.Buffer
	writeValue(&buf, m)
	return buf.Bytes()
}

// writeValue never fails: values JSON cannot encode fall back to their
// printed form.
func writeValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		buf.WriteString(strconv.Quote(val))
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case float64:
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case float32:
		buf.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 32))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Quote(k))
			buf.WriteByte(':')
			writeValue(buf, val[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
	default:
		writeOther(buf, v)
	}
}

func writeOther(buf *bytes.Buffer, v any) {
	// Slices and string-keyed maps of concrete types are walked like their
	// generic counterparts so nested key order stays sorted.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		writeValue(buf, items)
		return
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			m := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				m[iter.Key().String()] = iter.Value().Interface()
			}
			writeValue(buf, m)
			return
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		buf.WriteString(strconv.Quote(fmt.Sprintf("%v", v)))
		return
	}
	buf.Write(data)
}
