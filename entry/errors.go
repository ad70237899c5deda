package entry

import "errors"

var (
	// ErrEncoding reports malformed or non-canonical entry bytes.
	ErrEncoding = errors.New("entry: malformed encoding")
	// ErrAccess reports a sealed field with no usable key in the keychain.
	ErrAccess = errors.New("entry: no key to open sealed field")
	// ErrNoSigners is returned by Create when no signer is supplied.
	ErrNoSigners = errors.New("entry: at least one signer is required")
	// ErrUnsigned is returned by VerifySignatures for an entry without signatures.
	ErrUnsigned = errors.New("entry: no signatures")
)

func IsEncoding(err error) bool { return errors.Is(err, ErrEncoding) }
func IsAccess(err error) bool   { return errors.Is(err, ErrAccess) }
