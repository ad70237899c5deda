package cidutil

import (
	"errors"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec
// and a sha2-256 multihash.
func CIDv1RawSHA256(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1 length,
		// this should be unreachable.
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Digest returns the raw hash digest carried by id's multihash.
// It returns nil for undefined or malformed CIDs.
func Digest(id cid.Cid) []byte {
	if !id.Defined() {
		return nil
	}
	dec, err := multihash.Decode(id.Hash())
	if err != nil {
		return nil
	}
	return dec.Digest
}

// Compare orders CIDs by their string form.
func Compare(a, b cid.Cid) int {
	return strings.Compare(a.String(), b.String())
}

// Parse decodes a CID string and rejects undefined results.
func Parse(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, err
	}
	if !id.Defined() {
		return cid.Undef, errUndefined
	}
	return id, nil
}

var errUndefined = errors.New("cidutil: undefined cid")
