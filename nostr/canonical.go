package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"

	"github.com/ishtarservices/TheWired-sub000/errors"
)

// Serialize returns the canonical form [0,pubkey,created_at,kind,tags,content]
// used for id computation. encoding/json escapes <, > and & and some line
// separators, so the output is run through RFC 8785 canonicalization to get
// the same bytes JSON.stringify produces.
func Serialize(e UnsignedEvent) ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	raw, err := json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	if err != nil {
		return nil, errors.Wrap(err, "nostr", "Serialize", "marshal event tuple")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, errors.Wrap(err, "nostr", "Serialize", "canonicalize event tuple")
	}
	return out, nil
}

// ComputeID returns the lowercase hex sha256 of the canonical serialization
func ComputeID(e UnsignedEvent) (string, error) {
	hash, err := idHash(e)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash[:]), nil
}

func idHash(e UnsignedEvent) ([32]byte, error) {
	ser, err := Serialize(e)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(ser), nil
}

// CheckID reports whether e.ID matches its content
func CheckID(e Event) bool {
	id, err := ComputeID(e.Unsigned())
	if err != nil {
		return false
	}
	return id == toLowerHex(e.ID)
}

func toLowerHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
