package chainlog

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf16"
)

// TimestampLayout is the on-disk timestamp format: UTC, millisecond precision, Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// chainSeparator joins prev_hash and the canonical payload in the MAC input.
const chainSeparator = "|"

// formatTimestamp renders t in TimestampLayout.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// basePayload is the MAC-covered part of a record. Keys are emitted sorted
// by canonicalJSON regardless of field order here.
type basePayload struct {
	Timestamp string          `json:"timestamp"`
	Event     string          `json:"event"`
	Details   json.RawMessage `json:"details"`
}

// chainHash computes hex(HMAC-SHA256(key, prev || "|" || canonical(timestamp, event, details))).
// It is the only place the chain MAC is computed; writer and verifier both call it.
func chainHash(key [KeySize]byte, prevHash, timestamp, event string, details json.RawMessage) (string, error) {
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	payload, err := canonicalJSON(basePayload{Timestamp: timestamp, Event: event, Details: details})
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	tag := mac(key[:], []byte(prevHash), []byte(chainSeparator), payload)
	return hex.EncodeToString(tag[:]), nil
}

// canonicalDetails normalizes caller details into the canonical object form
// stored on disk. A nil map becomes {}.
func canonicalDetails(details map[string]any) (json.RawMessage, error) {
	if details == nil {
		return json.RawMessage("{}"), nil
	}
	out, err := canonicalJSON(details)
	if err != nil {
		return nil, fmt.Errorf("canonicalize details: %w", err)
	}
	return out, nil
}

// canonicalJSON serializes v with sorted object keys, no insignificant
// whitespace, and ASCII-only string escapes, so the same logical value hashes
// identically across languages. Numbers keep their literal JSON text.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		writeCanonicalString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		// UTF-8 byte order equals code point order.
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported canonical type %T", v)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// writeCanonicalString escapes everything outside printable ASCII (0x20-0x7e)
// as \uXXXX (lowercase, UTF-16 surrogate pairs above the BMP).
func writeCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteByte(byte(r))
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				writeUnicodeEscape(buf, hi)
				writeUnicodeEscape(buf, lo)
			default:
				writeUnicodeEscape(buf, r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}

// deriveKey hashes secret material into a fixed-length MAC key.
func deriveKey(material []byte) [KeySize]byte {
	return sha256.Sum256(material)
}

func mac(key []byte, chunks ...[]byte) [32]byte {
	h := hmac.New(sha256.New, key)
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashEqual compares two hex chain hashes in constant time.
func hashEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
