// Package docenc encodes/decodes documents as BSON bson.D values and
// resolves dot-notation field paths against them, generalizing the
// single-key extraction helpers of the corpus's own bson.go into whole
// document traversal for query evaluation and index maintenance.
package docenc

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/keytype"
)

// ReservedID and ReservedVersion are the reserved top-level fields injected
// on read and stripped on write; never user-writable.
const (
	ReservedID      = "_id"
	ReservedVersion = "_version"
)

// Marshal encodes a document to its on-disk BSON bytes.
func Marshal(doc bson.D) ([]byte, error) {
	return bson.Marshal(doc)
}

// Unmarshal decodes on-disk BSON bytes back to a document.
func Unmarshal(data []byte) (bson.D, error) {
	var doc bson.D
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("docenc: unmarshal bson: %w", err)
	}
	return doc, nil
}

// FromJSON parses a user-supplied JSON document string into bson.D, using
// the driver's canonical extended-JSON parser.
func FromJSON(jsonStr string) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(jsonStr), true, &doc); err != nil {
		return nil, fmt.Errorf("docenc: parse json: %w", err)
	}
	return stripReserved(doc), nil
}

// ToJSON renders a document (with reserved fields already injected by the
// caller) as a relaxed extended-JSON string for the wire.
func ToJSON(doc bson.D) (string, error) {
	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", fmt.Errorf("docenc: render json: %w", err)
	}
	return string(b), nil
}

func stripReserved(doc bson.D) bson.D {
	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		if e.Key == ReservedID || e.Key == ReservedVersion {
			continue
		}
		out = append(out, e)
	}
	return out
}

// WithIdentity returns a copy of doc with _id and _version prepended, the
// shape every document carries on the wire.
func WithIdentity(doc bson.D, id, version uint64) bson.D {
	out := make(bson.D, 0, len(doc)+2)
	out = append(out, bson.E{Key: ReservedID, Value: int64(id)})
	out = append(out, bson.E{Key: ReservedVersion, Value: int64(version)})
	out = append(out, doc...)
	return out
}

// Get resolves a dot-notation field path against a document, descending
// into nested bson.D values and indexing into bson.A arrays by numeric
// path segment. Returns (value, true) if the path resolves to a concrete
// value (including JSON null, represented as untyped nil).
func Get(doc bson.D, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = doc
	for _, seg := range segments {
		switch v := cur.(type) {
		case bson.D:
			found := false
			for _, e := range v {
				if e.Key == seg {
					cur = e.Value
					found = true
					break
				}
			}
			if !found {
				return nil, false
			}
		case bson.A:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ExtractIndexKey resolves path against doc and normalizes the result into
// an index key. A missing field produces (nil, false) — the §4.4 contract
// that missing fields are simply absent from field/unique indexes, and
// normalize to Null only inside composite-index tuples.
func ExtractIndexKey(doc bson.D, path string) (keytype.Key, bool) {
	v, ok := Get(doc, path)
	if !ok {
		return nil, false
	}
	k, ok := keytype.ExtractKey(v)
	if !ok {
		return nil, false
	}
	return k, true
}

// MatchesScalarOrArray reports whether doc's field at path equals value,
// where equality against an array field matches if any element equals the
// value — the §4.8 array-field equality rule. A missing field never matches,
// including against `null`: `$exists: false` is the operator for "field
// absent", `$eq: null` is strictly "field present and JSON null" (§8).
func MatchesScalarOrArray(doc bson.D, path string, eq func(any) bool) bool {
	v, ok := Get(doc, path)
	if !ok {
		return false
	}
	if arr, ok := v.(bson.A); ok {
		for _, elem := range arr {
			if eq(elem) {
				return true
			}
		}
		return false
	}
	return eq(v)
}
