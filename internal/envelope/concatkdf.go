package envelope

import (
	"crypto/sha256"
	"encoding/binary"
)

// concatKDF implements the single-round Concatenation Key Derivation
// Function from NIST SP 800-56A, as profiled by RFC 7518 §4.6 for the JOSE
// ECDH-ES family (and, by extension, the DIDComm ECDH-1PU draft this
// mediator's authcrypt path uses). otherInfo is
// AlgorithmID || PartyUInfo || PartyVInfo || SuppPubInfo, already
// assembled by the caller.
func concatKDF(z []byte, fixedInfo []byte, keyLenBits int) []byte {
	keyLenBytes := keyLenBits / 8
	out := make([]byte, 0, keyLenBytes)

	for counter := uint32(1); len(out) < keyLenBytes; counter++ {
		h := sha256.New()
		var counterBytes [4]byte
		binary.BigEndian.PutUint32(counterBytes[:], counter)
		h.Write(counterBytes[:])
		h.Write(z)
		h.Write(fixedInfo)
		out = append(out, h.Sum(nil)...)
	}
	return out[:keyLenBytes]
}

// otherInfo assembles AlgorithmID || PartyUInfo || PartyVInfo || SuppPubInfo
// per RFC 7518 §4.6.2: AlgorithmID, PartyUInfo and PartyVInfo are each
// length-prefixed with a big-endian uint32; SuppPubInfo is the key length
// in bits as a bare big-endian uint32.
func otherInfo(algID, apu, apv []byte, keyLenBits int) []byte {
	var buf []byte
	buf = append(buf, lengthPrefixed(algID)...)
	buf = append(buf, lengthPrefixed(apu)...)
	buf = append(buf, lengthPrefixed(apv)...)

	var suppPubInfo [4]byte
	binary.BigEndian.PutUint32(suppPubInfo[:], uint32(keyLenBits))
	buf = append(buf, suppPubInfo[:]...)

	return buf
}

func lengthPrefixed(b []byte) []byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], uint32(len(b)))
	return append(out[:], b...)
}
