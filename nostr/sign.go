package nostr

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/ishtarservices/TheWired-sub000/errors"
)

// Signer is the signing backend the client calls into. Implementations
// hold key material; the client never inspects it.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, unsigned UnsignedEvent) (Event, error)
}

// Verify checks that the id matches the content and that the signature is a
// valid BIP-340 signature of the id by the event's public key. Malformed
// keys or signatures yield false with a nil error.
func Verify(e Event) (bool, error) {
	hash, err := idHash(e.Unsigned())
	if err != nil {
		return false, err
	}
	if hex.EncodeToString(hash[:]) != toLowerHex(e.ID) {
		return false, nil
	}

	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pkBytes) != 32 {
		return false, nil
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false, nil
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigBytes) != 64 {
		return false, nil
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, nil
	}

	return sig.Verify(hash[:], pub), nil
}

// KeySigner signs with an in-process secp256k1 key
type KeySigner struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// GenerateKey returns a fresh hex encoded secret key
func GenerateKey() (string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", errors.Wrap(err, "nostr", "GenerateKey", "generate secp256k1 key")
	}
	return hex.EncodeToString(priv.Serialize()), nil
}

// NewKeySigner builds a signer from a 32 byte hex secret key
func NewKeySigner(secretHex string) (*KeySigner, error) {
	b, err := hex.DecodeString(secretHex)
	if err != nil || len(b) != 32 {
		return nil, errors.WrapInvalid(fmt.Errorf("secret key must be 64 hex chars"),
			"KeySigner", "New", "decode secret key")
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	return &KeySigner{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

// PublicKey returns the x-only public key in hex
func (s *KeySigner) PublicKey(_ context.Context) (string, error) {
	return s.pubHex, nil
}

// SignEvent fills in pubkey, id and signature
func (s *KeySigner) SignEvent(ctx context.Context, unsigned UnsignedEvent) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	unsigned.PubKey = s.pubHex
	if unsigned.Tags == nil {
		unsigned.Tags = Tags{}
	}

	hash, err := idHash(unsigned)
	if err != nil {
		return Event{}, errors.WrapInvalid(err, "KeySigner", "SignEvent", "hash event")
	}
	sig, err := schnorr.Sign(s.priv, hash[:])
	if err != nil {
		return Event{}, errors.Wrap(err, "KeySigner", "SignEvent", "sign id")
	}

	return Event{
		ID:        hex.EncodeToString(hash[:]),
		PubKey:    unsigned.PubKey,
		CreatedAt: unsigned.CreatedAt,
		Kind:      unsigned.Kind,
		Tags:      unsigned.Tags,
		Content:   unsigned.Content,
		Sig:       hex.EncodeToString(sig.Serialize()),
	}, nil
}
