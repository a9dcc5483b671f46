package services

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
)

// Digest is a BLAKE3-256 hash of a flash range
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText encodes the digest as lowercase hex
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DigestRange hashes length bytes of flash starting at base
func DigestRange(ctx context.Context, reader interfaces.AddressSpaceReader, base, length uint32, opts ...StreamOption) (Digest, error) {
	var digest Digest

	stream, err := NewStreamer(reader, base, length, opts...)
	if err != nil {
		return digest, err
	}

	hasher := blake3.New()
	if _, err := stream.Copy(ctx, hasher); err != nil {
		return digest, fmt.Errorf("failed to hash range 0x%08X+0x%X: %w", base, length, err)
	}
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}
