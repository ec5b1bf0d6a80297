package store

import (
	"fmt"
	"strings"

	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// Secondary indexes over stored events. Every index is ordered by a time
// sort key inside its value, so reads return newest first.
const (
	IndexByKind     = "by_kind"      // value: kind, sorted by write time
	IndexByPubkey   = "by_pubkey"    // value: author, sorted by created_at
	IndexByCreated  = "by_created"   // value: "all", sorted by created_at
	IndexByKindTime = "by_kind_time" // value: kind, sorted by created_at
	IndexByGroup    = "by_group"     // value: h tag, sorted by created_at
	IndexByCachedAt = "by_cached_at" // value: TTL class, sorted by write time
)

// TTL classes used as the by_cached_at value
const (
	classOrdinary    = "ordinary"
	classAddressable = "addressable"
)

const allValue = "all"

var (
	eventPrefix     = []byte("ev/")
	indexPrefix     = []byte("ix/")
	profilePrefix   = []byte("pr/")
	profileAtPrefix = []byte("px/cached/")
	subStatePrefix  = []byte("ss/")
	userStatePrefix = []byte("us/")
)

var segmentEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// escapeSegment keeps user supplied values (group ids) from adding key levels
func escapeSegment(s string) string {
	return segmentEscaper.Replace(s)
}

func sortKey(v int64) string {
	if v < 0 {
		v = 0
	}
	return fmt.Sprintf("%020d", v)
}

func eventKey(id string) []byte {
	return append(append([]byte{}, eventPrefix...), id...)
}

func indexValuePrefix(index, value string) []byte {
	return []byte("ix/" + index + "/" + escapeSegment(value) + "/")
}

func indexKey(index, value string, sort int64, id string) []byte {
	return append(indexValuePrefix(index, value), sortKey(sort)+"/"+id...)
}

// idFromIndexKey returns the trailing event id of an index key
func idFromIndexKey(key []byte) string {
	if len(key) < nostr.IDLength {
		return ""
	}
	return string(key[len(key)-nostr.IDLength:])
}

func ttlClass(kind int) string {
	if nostr.IsAddressable(kind) {
		return classAddressable
	}
	return classOrdinary
}

// indexKeys lists every index key of a record
func indexKeys(rec Record) [][]byte {
	e := rec.Event
	kind := fmt.Sprintf("%d", e.Kind)
	keys := [][]byte{
		indexKey(IndexByKind, kind, rec.CachedAt, e.ID),
		indexKey(IndexByPubkey, e.PubKey, e.CreatedAt, e.ID),
		indexKey(IndexByCreated, allValue, e.CreatedAt, e.ID),
		indexKey(IndexByKindTime, kind, e.CreatedAt, e.ID),
		indexKey(IndexByCachedAt, ttlClass(e.Kind), rec.CachedAt, e.ID),
	}
	if group, ok := e.Group(); ok && group != "" {
		keys = append(keys, indexKey(IndexByGroup, group, e.CreatedAt, e.ID))
	}
	return keys
}

func profileKey(pubkey string) []byte {
	return append(append([]byte{}, profilePrefix...), pubkey...)
}

func profileAtKey(cachedAt int64, pubkey string) []byte {
	return append(append([]byte{}, profileAtPrefix...), sortKey(cachedAt)+"/"+pubkey...)
}

func subStateKey(subID string) []byte {
	return append(append([]byte{}, subStatePrefix...), subID...)
}

func userStateKey(key string) []byte {
	return append(append([]byte{}, userStatePrefix...), key...)
}

// prefixUpperBound is the exclusive upper bound of every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}
