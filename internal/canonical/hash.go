package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the algorithm
// to change without colliding with stored digests.
const (
	DomainFingerprint = "fieldsync/fingerprint/v1"
	DomainPayload     = "fieldsync/payload/v1"
)

// HashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the domain-separated hash of v's canonical encoding.
func Digest(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", domain, err)
	}
	return HashWithDomain(domain, data), nil
}

// PayloadDigest identifies a payload's content. The backend compares digests
// to tell a replayed submission from a genuine reference collision.
func PayloadDigest(payload Object) (string, error) {
	if payload == nil {
		payload = Object{}
	}
	return Digest(DomainPayload, payload)
}
