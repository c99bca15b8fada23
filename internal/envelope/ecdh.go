package envelope

import (
	"crypto/sha256"
	"sort"
	"strings"
)

// computeAPV derives the shared PartyVInfo for a recipient set, per the
// DIDComm v2 encrypted-message construction: the base64url SHA-256 digest
// of the recipient key IDs, sorted and dot-joined. It is the same for
// every recipient of a given message, so all recipients can verify they
// were addressed as part of the same set.
func computeAPV(recipientKIDs []string) string {
	sorted := append([]string(nil), recipientKIDs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ".")))
	return b64(sum[:])
}

// deriveKEK1PU derives the per-recipient key-encryption-key for
// ECDH-1PU+A256KW. ze is the ephemeral-recipient ECDH output, zs the
// static sender-recipient ECDH output; the draft concatenates them before
// the KDF so the recipient is convinced both the ephemeral sender key and
// the sender's long-term identity contributed to the derivation.
func deriveKEK1PU(ze, zs []byte, apu, apv string) ([]byte, error) {
	apuBytes, err := unb64(apu)
	if err != nil {
		return nil, err
	}
	apvBytes, err := unb64(apv)
	if err != nil {
		return nil, err
	}
	z := append(append([]byte{}, ze...), zs...)
	info := otherInfo([]byte(algECDH1PU), apuBytes, apvBytes, 256)
	return concatKDF(z, info, 256), nil
}

// deriveKEKES derives the per-recipient key-encryption-key for
// ECDH-ES+A256KW, the anoncrypt key management algorithm. There is no
// sender contribution and no apu: anoncrypt messages carry no sender
// authentication by construction.
func deriveKEKES(ze []byte, apv string) ([]byte, error) {
	apvBytes, err := unb64(apv)
	if err != nil {
		return nil, err
	}
	info := otherInfo([]byte(algECDHES), nil, apvBytes, 256)
	return concatKDF(ze, info, 256), nil
}
