package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint derives the deterministic cache key for a request: a SHA-256
// digest over the endpoint and the parameter set serialized with sorted
// keys, so equivalent requests collide regardless of parameter ordering.
// The clamped result limit is part of the key because a cached response for
// fewer items cannot satisfy a request for more.
func Fingerprint(endpoint Endpoint, params Params, maxResults int) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(endpoint))
	b.WriteByte('\n')
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('\n')
	}
	if maxResults > 0 {
		b.WriteString("max_results=")
		b.WriteString(strconv.Itoa(maxResults))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
