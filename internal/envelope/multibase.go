package envelope

import (
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

var (
	multicodecEd25519Pub = []byte{0xed, 0x01}
	multicodecX25519Pub  = []byte{0xec, 0x01}
)

// decodeMultibaseX25519 and decodeMultibaseEd25519 strip the 'z'
// multibase prefix and multicodec tag every resolver in this module
// (didkey, didpeer, didweb documents it parses) uses for
// publicKeyMultibase, recovering the raw key bytes envelope operations
// need.
func decodeMultibaseX25519(multibase string) ([]byte, error) {
	return decodeMultibase(multibase, multicodecX25519Pub)
}

func decodeMultibaseEd25519(multibase string) ([]byte, error) {
	return decodeMultibase(multibase, multicodecEd25519Pub)
}

func decodeMultibase(multibase string, wantCodec []byte) ([]byte, error) {
	if len(multibase) == 0 || multibase[0] != 'z' {
		return nil, fmt.Errorf("envelope: publicKeyMultibase %q is not base58btc-prefixed", multibase)
	}
	raw := base58.Decode(multibase[1:])
	if len(raw) < len(wantCodec)+1 {
		return nil, fmt.Errorf("envelope: key material too short in %q", multibase)
	}
	if raw[0] != wantCodec[0] || raw[1] != wantCodec[1] {
		return nil, fmt.Errorf("envelope: unexpected multicodec prefix in %q", multibase)
	}
	return raw[len(wantCodec):], nil
}
