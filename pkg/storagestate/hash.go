package storagestate

import (
	"hash"

	"github.com/edgefleet/cm/pkg/cmerr"
	"golang.org/x/crypto/sha3"
)

// SHA3Hasher is the default Hasher, producing SHA3-224 digests as
// required for all instances. It is the only algorithm this module accepts; the
// Hasher seam exists so tests can substitute something cheaper, not to
// make the algorithm configurable in production.
type SHA3Hasher struct{}

// CreateHash returns a new hash.Hash for algorithm. Only "sha3-224" is
// supported.
func (SHA3Hasher) CreateHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case HashAlgorithm, "":
		return sha3.New224(), nil
	default:
		return nil, cmerr.Newf(cmerr.InvalidArgument, "unsupported hash algorithm %q", algorithm)
	}
}
