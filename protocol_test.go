package chainlog

import (
	"crypto/sha256"
	"encoding/json"
	"testing"
	"time"
)

// Vectors produced with Python:
//
//	json.dumps(obj, sort_keys=True, separators=(",", ":"), ensure_ascii=True)
//	hmac.new(sha256(b"test-secret").digest(), (prev + "|" + payload).encode(), sha256).hexdigest()
const (
	vectorLoginHash = "897105689283498355d8fe903f98a4c46b82939a52d2acdb25f1f96affee83fd"
	vectorVoteHash  = "17840e4e3071c7054d50c9a0c5b2b20f9af08a367c30fc75caa37b118a4aa0ae"
	vectorNoteHash  = "f0ad6ad9f7bc863558b97290abcb82a576fa4738f70bca9cde175538bc1a479a"
)

func testKey() [KeySize]byte {
	return sha256.Sum256([]byte("test-secret"))
}

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "sorted keys",
			in:   map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": true, "y": nil}},
			want: `{"a":2,"b":1,"c":{"y":null,"z":true}}`,
		},
		{
			name: "non-ascii escaped",
			in:   map[string]any{"name": "José"},
			want: `{"name":"Jos\u00e9"}`,
		},
		{
			name: "astral plane as surrogate pair",
			in:   "🎉",
			want: `"\ud83c\udf89"`,
		},
		{
			name: "control characters",
			in:   "a\nb\tc\x01\x7f",
			want: `"a\nb\tc\u0001\u007f"`,
		},
		{
			name: "html characters left alone",
			in:   "<a & b>",
			want: `"<a & b>"`,
		},
		{
			name: "quotes and backslashes",
			in:   `say "hi" \o/`,
			want: `"say \"hi\" \\o/"`,
		},
		{
			name: "number literal preserved",
			in:   json.RawMessage(`{"amount":1.50,"n":10}`),
			want: `{"amount":1.50,"n":10}`,
		},
		{
			name: "array",
			in:   []any{1, "x", false, nil},
			want: `[1,"x",false,null]`,
		},
		{
			name: "empty object",
			in:   map[string]any{},
			want: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalJSON(tt.in)
			if err != nil {
				t.Fatalf("canonicalJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("canonicalJSON() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCanonicalJSON_Unsupported(t *testing.T) {
	if _, err := canonicalJSON(map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("Expected error for a channel value")
	}
}

func TestCanonicalDetails_Nil(t *testing.T) {
	got, err := canonicalDetails(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "{}" {
		t.Errorf("Expected {}, got %s", got)
	}
}

func TestChainHash_Vectors(t *testing.T) {
	key := testKey()

	login, err := canonicalDetails(map[string]any{"user": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	h1, err := chainHash(key, "", "2024-01-01T00:00:00.000Z", "login", login)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != vectorLoginHash {
		t.Errorf("login hash = %s, want %s", h1, vectorLoginHash)
	}

	vote, err := canonicalDetails(map[string]any{"party": 2})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := chainHash(key, h1, "2024-01-01T00:00:01.000Z", "vote", vote)
	if err != nil {
		t.Fatal(err)
	}
	if h2 != vectorVoteHash {
		t.Errorf("vote hash = %s, want %s", h2, vectorVoteHash)
	}

	note, err := canonicalDetails(map[string]any{
		"name": "José 🎉",
		"b":    []any{1, true, nil},
		"a":    "x\x7fy\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	h3, err := chainHash(key, "", "2024-01-01T00:00:00.000Z", "note", note)
	if err != nil {
		t.Fatal(err)
	}
	if h3 != vectorNoteHash {
		t.Errorf("note hash = %s, want %s", h3, vectorNoteHash)
	}
}

func TestChainHash_EmptyDetailsIsEmptyObject(t *testing.T) {
	key := testKey()
	a, err := chainHash(key, "", "2024-01-01T00:00:00.000Z", "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := chainHash(key, "", "2024-01-01T00:00:00.000Z", "x", json.RawMessage("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("Expected nil details to hash like {}")
	}
}

func TestChainHash_NonCanonicalStoredDetails(t *testing.T) {
	key := testKey()
	a, err := chainHash(key, "p", "t", "e", json.RawMessage(`{ "b": 1, "a": 2 }`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := chainHash(key, "p", "t", "e", json.RawMessage(`{"a":2,"b":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("Expected whitespace and key order in stored details not to matter")
	}
}

func TestFormatTimestamp(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2024, 5, 1, 14, 3, 4, 123456789, loc)
	if got := formatTimestamp(ts); got != "2024-05-01T12:03:04.123Z" {
		t.Errorf("formatTimestamp() = %s", got)
	}
	if got := formatTimestamp(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)); got != "2024-05-01T00:00:00.000Z" {
		t.Errorf("formatTimestamp() = %s", got)
	}
}

func TestHashEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"equal", "abcd", "abcd", true},
		{"different", "abcd", "abce", false},
		{"different lengths", "abc", "abcd", false},
		{"both empty", "", "", true},
		{"one empty", "a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hashEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("hashEqual() = %v, want %v", got, tt.want)
			}
		})
	}
}
