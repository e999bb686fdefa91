package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// SecurityVersion tags signed records so the verification rules can evolve.
const SecurityVersion = 2

// clockSkew is the tolerance for records stamped slightly in the future by a
// peer with a fast clock.
const clockSkew = 30 * time.Second

// Signed-record verification failures. SignatureInvalid and Replay are the
// behaviors the cluster registry logs before discarding a record.
var (
	ErrSignatureMissing = errors.New("record has no signature")
	ErrSignatureInvalid = errors.New("record signature mismatch")
	ErrTimestampMissing = errors.New("record has no timestamp")
	ErrTimestampFuture  = errors.New("record timestamp is in the future")
	ErrRecordExpired    = errors.New("record timestamp outside replay window")
)

// SignRecord copies rec, injects _timestamp and _security_version, and
// attaches a base64 HMAC-SHA256 _signature computed over the canonical JSON
// of everything except the signature itself.
func SignRecord(secret []byte, rec map[string]any) (map[string]any, error) {
	if len(secret) < KeySize {
		return nil, ErrWeakSecret
	}

	signed := make(map[string]any, len(rec)+3)
	for k, v := range rec {
		signed[k] = v
	}
	signed["_timestamp"] = time.Now().Unix()
	signed["_security_version"] = SecurityVersion

	mac, err := computeMAC(secret, signed)
	if err != nil {
		return nil, err
	}
	signed["_signature"] = base64.StdEncoding.EncodeToString(mac)
	return signed, nil
}

// VerifyRecord checks the signature and freshness of a signed record.
// maxAge bounds how old the _timestamp may be; future timestamps beyond a
// small skew are rejected outright (replay-window symmetry).
func VerifyRecord(secret []byte, rec map[string]any, maxAge time.Duration) error {
	if len(secret) < KeySize {
		return ErrWeakSecret
	}

	sigB64, ok := rec["_signature"].(string)
	if !ok || sigB64 == "" {
		return ErrSignatureMissing
	}
	ts, ok := recordTimestamp(rec)
	if !ok {
		return ErrTimestampMissing
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return ErrSignatureInvalid
	}

	unsigned := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "_signature" {
			continue
		}
		unsigned[k] = v
	}
	expected, err := computeMAC(secret, unsigned)
	if err != nil {
		return err
	}
	if !hmac.Equal(sig, expected) {
		return ErrSignatureInvalid
	}

	now := time.Now()
	stamped := time.Unix(ts, 0)
	if stamped.After(now.Add(clockSkew)) {
		return ErrTimestampFuture
	}
	if now.Sub(stamped) > maxAge {
		return ErrRecordExpired
	}
	return nil
}

func computeMAC(secret []byte, rec map[string]any) ([]byte, error) {
	canonical, err := CanonicalJSON(rec)
	if err != nil {
		return nil, fmt.Errorf("canonicalise record: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return mac.Sum(nil), nil
}

// recordTimestamp reads _timestamp as int64 regardless of whether the record
// came straight from SignRecord (int64) or through a JSON round-trip (float64).
func recordTimestamp(rec map[string]any) (int64, bool) {
	switch t := rec["_timestamp"].(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
