// Package envelope implements the self-authenticating binary license
// container: four length-prefixed fields holding the payload hash, the RSA
// signature over that hash, the AES ciphertext, and the AES key.
package envelope

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"fmt"

	"licensor/internal/crypto"
	apperrors "licensor/internal/errors"
	"licensor/internal/license"
)

// Field order on the wire: hash | signature | ciphertext | aes_key, each
// preceded by a uint32 little-endian length.
const lengthPrefixSize = 4

// Codec encodes and decodes license envelopes with a fixed serializer.
type Codec struct {
	serializer license.Serializer
}

// NewCodec returns a codec using the given payload serializer, defaulting to
// JSON when nil.
func NewCodec(s license.Serializer) *Codec {
	if s == nil {
		s = license.NewJSONSerializer()
	}
	return &Codec{serializer: s}
}

// Encode serializes, encrypts, and signs l into an envelope. The hash covers
// the ciphertext and the signature covers the hash, so a verifier rejects
// tampering before attempting decryption.
func (c *Codec) Encode(l license.License, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: missing signing key", apperrors.ErrKeyManagement)
	}

	payload, err := c.serializer.Serialize(l)
	if err != nil {
		return nil, err
	}

	aesKey, err := crypto.GenerateAESKey()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Encrypt([]byte(payload), aesKey)
	if err != nil {
		return nil, err
	}

	hash := crypto.SHA256(ciphertext)
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(4*lengthPrefixSize + len(hash) + len(sig) + len(ciphertext) + len(aesKey))
	for _, field := range [][]byte{hash, sig, ciphertext, aesKey} {
		var prefix [lengthPrefixSize]byte
		binary.LittleEndian.PutUint32(prefix[:], uint32(len(field)))
		buf.Write(prefix[:])
		buf.Write(field)
	}
	return buf.Bytes(), nil
}

// Decode parses, verifies, and decrypts an envelope back into a license.
// Verification failures surface as ErrInvalidSignature, framing and parse
// failures as ErrInvalidFormat.
func (c *Codec) Decode(data []byte, pub *rsa.PublicKey) (license.License, error) {
	hash, sig, ciphertext, aesKey, err := split(data)
	if err != nil {
		return nil, err
	}

	if !crypto.Verify(hash, sig, pub) {
		return nil, fmt.Errorf("%w: signature verification failed", apperrors.ErrInvalidSignature)
	}
	if !bytes.Equal(crypto.SHA256(ciphertext), hash) {
		return nil, fmt.Errorf("%w: payload hash mismatch", apperrors.ErrInvalidSignature)
	}

	payload, err := crypto.Decrypt(ciphertext, aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: payload undecryptable", apperrors.ErrInvalidFormat)
	}

	return c.serializer.Deserialize(string(payload))
}

// split parses the four length-prefixed fields and rejects any envelope
// whose declared lengths do not exactly cover the buffer.
func split(data []byte) (hash, sig, ciphertext, aesKey []byte, err error) {
	fields := make([][]byte, 0, 4)
	rest := data
	for i := 0; i < 4; i++ {
		if len(rest) < lengthPrefixSize {
			return nil, nil, nil, nil, fmt.Errorf("%w: truncated envelope", apperrors.ErrInvalidFormat)
		}
		n := binary.LittleEndian.Uint32(rest[:lengthPrefixSize])
		rest = rest[lengthPrefixSize:]
		if uint32(len(rest)) < n {
			return nil, nil, nil, nil, fmt.Errorf("%w: field length out of bounds", apperrors.ErrInvalidFormat)
		}
		fields = append(fields, rest[:n])
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, nil, nil, nil, fmt.Errorf("%w: trailing bytes after envelope", apperrors.ErrInvalidFormat)
	}
	return fields[0], fields[1], fields[2], fields[3], nil
}
