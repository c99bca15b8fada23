package envelope

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// defaultIV is the AES key wrap default integrity check value from RFC
// 3394 §2.2.3.1.
var defaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// aesKeyWrap wraps a key-encryption-key's plaintext under kek, per RFC
// 3394. Used for both the ECDH-1PU+A256KW (authcrypt) and ECDH-ES+A256KW
// (anoncrypt) key management algorithms, which this package implements by
// hand; neither path goes through go-jose.
func aesKeyWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) < 16 {
		return nil, fmt.Errorf("envelope: key wrap input must be a multiple of 8 bytes, >= 16, got %d", len(plaintext))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("envelope: aes key wrap: %w", err)
	}

	n := len(plaintext) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], plaintext[i*8:(i+1)*8])
	}

	a := defaultIV

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf, buf)

			var t uint64 = uint64(n*j + i)
			msb := buf[:8]
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			for k := range msb {
				msb[k] ^= tb[k]
			}
			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	out := make([]byte, 8+len(plaintext))
	copy(out[:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:8+(i+1)*8], r[i][:])
	}
	return out, nil
}

// aesKeyUnwrap reverses aesKeyWrap, returning an error if the integrity
// check value doesn't match (a tampered or mis-keyed wrap).
func aesKeyUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, fmt.Errorf("envelope: wrapped key must be a multiple of 8 bytes, >= 24, got %d", len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("envelope: aes key unwrap: %w", err)
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])

	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			var t uint64 = uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)

			var xored [8]byte
			copy(xored[:], a[:])
			for k := range xored {
				xored[k] ^= tb[k]
			}

			copy(buf[:8], xored[:])
			copy(buf[8:], r[i-1][:])
			block.Decrypt(buf, buf)

			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	if a != defaultIV {
		return nil, fmt.Errorf("envelope: key unwrap integrity check failed")
	}

	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:(i+1)*8], r[i][:])
	}
	return out, nil
}
