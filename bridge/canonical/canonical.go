// Package canonical builds the deterministic string representation of a
// bridge request that both the caller's signer and the server's verifier
// sign over. The two sides must produce byte-identical output, so this
// package is the single implementation shared by both.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// Input carries the security-relevant fields of one request.
type Input struct {
	Method    string
	Path      string
	Query     string
	BodyHash  string
	Timestamp string
	Nonce     string
	AgentID   string
}

// String joins the seven fields with newlines in fixed order:
//
//	METHOD\nPATH\nSORTED_QUERY\nBODY_SHA256_HEX\nTIMESTAMP\nNONCE\nAGENT_ID
//
// The method is upper-cased and the query canonicalised; the path is used
// exactly as given. Any divergence between signer and verifier here fails
// closed as a signature mismatch.
func String(in Input) string {
	return strings.Join([]string{
		strings.ToUpper(in.Method),
		in.Path,
		Query(in.Query),
		in.BodyHash,
		in.Timestamp,
		in.Nonce,
		in.AgentID,
	}, "\n")
}

// Query normalises a raw query string for signing. Pairs (duplicates
// included) are sorted by key, ties broken by value, then re-encoded as
// key=value joined with "&". The output is identical for any ordering of
// the same parameters. An empty query yields the empty string.
func Query(raw string) string {
	raw = strings.TrimPrefix(raw, "?")
	if raw == "" {
		return ""
	}
	type pair struct{ key, value string }
	pairs := make([]pair, 0, 8)
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		decodedKey, err := url.QueryUnescape(key)
		if err != nil {
			decodedKey = key
		}
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}
		pairs = append(pairs, pair{key: decodedKey, value: decodedValue})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, url.QueryEscape(p.key)+"="+url.QueryEscape(p.value))
	}
	return strings.Join(parts, "&")
}

// BodyHash returns the lowercase hex SHA-256 digest of the raw body bytes.
// A nil or empty body hashes the empty string so "no body" agrees on both
// sides of the wire.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// BodyHashJSON serialises v through RFC 8785 canonicalisation before
// hashing, so any JSON-equivalent encoding of the same value hashes
// identically. A nil value hashes the empty string, matching BodyHash.
func BodyHashJSON(v any) (string, error) {
	if v == nil {
		return BodyHash(nil), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	transformed, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalise body: %w", err)
	}
	return BodyHash(transformed), nil
}
