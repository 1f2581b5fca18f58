package raopcore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // OAEP's hash is fixed by the RAOP wire protocol, not a choice.
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"strings"
	"sync"
)

// raopRSAPublicKeyPEM is the embedded 2048-bit RSA public key the session
// AES key is RSA-OAEP encrypted under, spec.md §3/§4.4 step 3. It is public
// key material, not a secret. Its bytes are a placeholder: they are not the
// published Apple RAOP modulus that AirPlay v1 speakers decrypt with.
const raopRSAPublicKeyPEM = `-----BEGIN RSA PUBLIC KEY-----
MIIBCgKCAQEA59dE8qLieItsH1WgjrcFRKj6eUWqi+bGLOX1HL3U3GhC/j0Qg90u
3sG/1CUtwC5vOYvfDmFI6oSFXi5ELabWJmT2dKHzBJKa3k9ok+8t9ucRqMd6DZHJ
2YCCLlDRKSKv6kDqnw4UwPdpOMXziC/AMj3Z/lUVX1G7WT0UAlBAa/aFWXK+Vk+H
PNh+7aO0X1Qp8iVV8Y6nDkZwWEqYp+0XMnK9RLHAzeBWZ0zqqnzZjbXbVSw8hQkN
+A6tY3J1+Nvn5o3CgNg02vePGD5m+s0FxtfR9xJnTJRtBJ7c0ZQQC4S1HaRs46EH
7i8iw+OWHgY3d0o9WtDfqv4Cmhhq9rLHBwIDAQAB
-----END RSA PUBLIC KEY-----`

var (
	raopPubKeyOnce sync.Once
	raopPubKey     *rsa.PublicKey
	raopPubKeyErr  error
)

// raopPublicKey lazily parses raopRSAPublicKeyPEM into a usable key, once
// per process.
func raopPublicKey() (*rsa.PublicKey, error) {
	raopPubKeyOnce.Do(func() {
		block, _ := pem.Decode([]byte(raopRSAPublicKeyPEM))
		if block == nil {
			raopPubKeyErr = errors.New("raop: failed to decode embedded RSA public key PEM block")
			return
		}
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			raopPubKeyErr = err
			return
		}
		raopPubKey = key
	})
	return raopPubKey, raopPubKeyErr
}

// sessionKeys is the per-session AES/RSA key material of spec.md §3's RTP
// stream state.
type sessionKeys struct {
	aesKey [16]byte
	aesIV  [16]byte

	encodedKey string // base64(RSA-OAEP(aesKey)), padding stripped
	encodedIV  string // base64(aesIV), padding stripped

	block cipher.Block
}

// newSessionKeys generates a fresh 128-bit AES key and IV and RSA-OAEP
// encrypts the key under the RAOP public modulus, per RAOPEngine.reinit
// steps 2-4.
func newSessionKeys(randSrc io.Reader, pub *rsa.PublicKey) (*sessionKeys, error) {
	sk := &sessionKeys{}

	if _, err := io.ReadFull(randSrc, sk.aesKey[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(randSrc, sk.aesIV[:]); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(sk.aesKey[:])
	if err != nil {
		return nil, err
	}
	sk.block = block

	encrypted, err := rsa.EncryptOAEP(sha1.New(), randSrc, pub, sk.aesKey[:], nil) //nolint:gosec
	if err != nil {
		return nil, err
	}

	sk.encodedKey = stripPadding(base64.StdEncoding.EncodeToString(encrypted))
	sk.encodedIV = stripPadding(base64.StdEncoding.EncodeToString(sk.aesIV[:]))

	return sk, nil
}

func stripPadding(s string) string {
	return strings.TrimRight(s, "=")
}

// encryptCBC encrypts the whole-16-byte-block-aligned prefix of payload
// under the session key with a fresh copy of iv (CBC does not chain
// across RAOP packets, spec.md §4.4). The ragged tail shorter than one
// block is returned unencrypted, to be appended by the caller.
func (sk *sessionKeys) encryptCBC(payload []byte) (encrypted []byte, raggedTail []byte) {
	blockSize := sk.block.BlockSize()
	wholeLen := (len(payload) / blockSize) * blockSize

	out := make([]byte, wholeLen)
	ivCopy := sk.aesIV // fresh copy every call
	mode := cipher.NewCBCEncrypter(sk.block, ivCopy[:])
	mode.CryptBlocks(out, payload[:wholeLen])

	return out, payload[wholeLen:]
}

// decryptCBC is the inverse of encryptCBC, used by tests to verify
// Testable Property 3 (decrypting the secured stream reproduces the clear
// stream's whole-block prefix).
func (sk *sessionKeys) decryptCBC(encrypted []byte) []byte {
	blockSize := sk.block.BlockSize()
	wholeLen := (len(encrypted) / blockSize) * blockSize

	out := make([]byte, wholeLen)
	ivCopy := sk.aesIV
	mode := cipher.NewCBCDecrypter(sk.block, ivCopy[:])
	mode.CryptBlocks(out, encrypted[:wholeLen])

	return out
}
