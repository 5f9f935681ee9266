package jobs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// CanonicalPayload rewrites a JSON document into a canonical form: object
// keys sorted, null members dropped, insignificant whitespace removed.
// Submissions that differ only in key order or explicit nulls therefore
// produce the same dedup hash.
func CanonicalPayload(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "canonicalizing payload")
	}
	canonical, err := json.Marshal(stripNulls(doc))
	if err != nil {
		return nil, errors.Wrap(err, "canonicalizing payload")
	}
	return canonical, nil
}

// stripNulls removes null object members recursively. Null array elements
// are kept: position is significant there.
func stripNulls(doc interface{}) interface{} {
	switch v := doc.(type) {
	case map[string]interface{}:
		for key, member := range v {
			if member == nil {
				delete(v, key)
				continue
			}
			v[key] = stripNulls(member)
		}
		return v
	case []interface{}:
		for i, member := range v {
			v[i] = stripNulls(member)
		}
		return v
	default:
		return doc
	}
}

// PayloadHash is the dedup digest over job type and canonicalized payload.
func PayloadHash(jobType JobType, raw json.RawMessage) (string, error) {
	canonical, err := CanonicalPayload(raw)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
