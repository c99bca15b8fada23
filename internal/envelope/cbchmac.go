package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// cbcHmacEncrypt implements AEAD_AES_256_CBC_HMAC_SHA_512 from RFC 7518
// §5.2.3, the A256CBC-HS512 content encryption algorithm DIDComm v2
// requires for both authcrypt and anoncrypt. cek is 64 bytes: the first
// 32 are the HMAC key, the last 32 the AES-256 key. aad is the protected
// header, base64url-encoded, exactly as it appears on the wire.
func cbcHmacEncrypt(cek, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	if len(cek) != 64 {
		return nil, nil, nil, fmt.Errorf("envelope: A256CBC-HS512 key must be 64 bytes, got %d", len(cek))
	}
	macKey, encKey := cek[:32], cek[32:]

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	tag = computeTag(macKey, aad, iv, ciphertext)
	return iv, ciphertext, tag, nil
}

// cbcHmacDecrypt reverses cbcHmacEncrypt, rejecting the ciphertext if the
// authentication tag doesn't verify before ever touching the cipher.
func cbcHmacDecrypt(cek, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(cek) != 64 {
		return nil, fmt.Errorf("envelope: A256CBC-HS512 key must be 64 bytes, got %d", len(cek))
	}
	macKey, encKey := cek[:32], cek[32:]

	expected := computeTag(macKey, aad, iv, ciphertext)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, fmt.Errorf("envelope: A256CBC-HS512 tag mismatch")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("envelope: ciphertext is not a multiple of the block size")
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	return pkcs7Unpad(padded)
}

func computeTag(macKey, aad, iv, ciphertext []byte) []byte {
	al := make([]byte, 8)
	binary.BigEndian.PutUint64(al, uint64(len(aad))*8)

	mac := hmac.New(sha512.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(al)
	return mac.Sum(nil)[:32]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("envelope: empty padded plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("envelope: invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("envelope: invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
