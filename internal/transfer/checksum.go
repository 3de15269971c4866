package transfer

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
)

// NewDigest returns the per-range hash for policy, or nil for none.
func NewDigest(policy config.ChecksumPolicy) (hash.Hash, error) {
	switch policy {
	case config.ChecksumNone, "":
		return nil, nil
	case config.ChecksumMD5:
		return md5.New(), nil
	case config.ChecksumSHA256:
		return sha256.New(), nil
	case config.ChecksumXXH64:
		return xxhash.New(), nil
	default:
		return nil, errors.E("transfer.NewDigest", errors.Invalid, errors.Errorf("unknown checksum policy %q", policy))
	}
}

// Composite combines per-range digests, in range order, into the
// whole-payload checksum: H(d0 || d1 || ... || dn-1), hex encoded.
// It returns "" when the policy is none.
func Composite(policy config.ChecksumPolicy, digests [][]byte) (string, error) {
	h, err := NewDigest(policy)
	if err != nil || h == nil {
		return "", err
	}
	for _, d := range digests {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum compares the local composite checksum with the one the
// server reported.
func VerifyChecksum(policy config.ChecksumPolicy, local, remote string) error {
	const op = "transfer.VerifyChecksum"
	if policy == config.ChecksumNone || policy == "" {
		return nil
	}
	want, err := hex.DecodeString(strings.TrimSpace(remote))
	if err != nil {
		return errors.E(op, errors.Integrity, errors.Errorf("server checksum %q is not hex: %v", remote, err))
	}
	got, err := hex.DecodeString(local)
	if err != nil {
		return errors.E(op, errors.Integrity, err)
	}
	if len(want) == 0 || string(want) != string(got) {
		return errors.E(op, errors.Integrity, errors.Errorf("checksum mismatch: local %s, server %s", local, remote))
	}
	return nil
}
