package rtsp

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// ChallengeError is one of the doOptions sub-errors, spec.md §4.3/§7
// ("-200000..-200004"). The numeric values are the wire-level error codes
// the wider raopcore package re-surfaces as raopcore.RAOPError.
type ChallengeError int

const (
	ErrRSADecodeOverflow    ChallengeError = -200000
	ErrRSABlockSizeMismatch ChallengeError = -200001
	ErrChallengeTooShort    ChallengeError = -200002
	ErrChallengeDecodeFail  ChallengeError = -200003
	ErrChallengeMismatch    ChallengeError = -200004
)

func (e ChallengeError) Error() string {
	switch e {
	case ErrRSADecodeOverflow:
		return "rtsp: base64 response decodes to more than one RSA block"
	case ErrRSABlockSizeMismatch:
		return "rtsp: RSA response block size mismatch, expected 256 bytes"
	case ErrChallengeTooShort:
		return "rtsp: RSA-decrypted response shorter than the 16-byte challenge"
	case ErrChallengeDecodeFail:
		return "rtsp: Apple-Response base64 decode failed"
	case ErrChallengeMismatch:
		return "rtsp: Apple-Response does not match the sent Apple-Challenge"
	default:
		return fmt.Sprintf("rtsp: challenge error %d", int(e))
	}
}

// VerifyAppleChallenge implements doOptions's RSA public-decrypt check,
// spec.md §4.3: base64-decode (padded to a multiple of 4), enforce a
// 256-byte RSA block, raw-RSA "public decrypt" (c^e mod n — there is no
// padding-free primitive for this in crypto/rsa, since OpenSSL's
// RSA_public_decrypt is not a standard encrypt/verify operation; computed
// directly via math/big, see DESIGN.md), strip PKCS1 type-1 padding, and
// compare the first 16 bytes of the result to the challenge that was sent.
func VerifyAppleChallenge(pub *rsa.PublicKey, challenge [16]byte, appleResponseB64 string) error {
	padded := appleResponseB64
	if m := len(padded) % 4; m != 0 {
		padded += strings.Repeat("=", 4-m)
	}

	raw, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return ErrChallengeDecodeFail
	}
	if len(raw) != 256 {
		return ErrRSABlockSizeMismatch
	}

	c := new(big.Int).SetBytes(raw)
	e := big.NewInt(int64(pub.E))
	m := new(big.Int).Exp(c, e, pub.N)

	cleartext := m.Bytes()
	if len(cleartext) < 256 {
		pad := make([]byte, 256)
		copy(pad[256-len(cleartext):], cleartext)
		cleartext = pad
	}

	data, err := stripPKCS1Padding(cleartext)
	if err != nil {
		return err
	}
	if len(data) < 16 {
		return ErrChallengeTooShort
	}
	if !bytes.Equal(data[:16], challenge[:]) {
		return ErrChallengeMismatch
	}
	return nil
}

// stripPKCS1Padding removes a PKCS#1 v1.5 type-1 (0x00 0x01 0xFF...0xFF
// 0x00) padding block, as produced by a raw RSA private-key operation.
func stripPKCS1Padding(block []byte) ([]byte, error) {
	if len(block) < 11 || block[0] != 0x00 || block[1] != 0x01 {
		return nil, ErrRSADecodeOverflow
	}
	i := 2
	for i < len(block) && block[i] == 0xFF {
		i++
	}
	if i >= len(block) || block[i] != 0x00 {
		return nil, ErrRSADecodeOverflow
	}
	return block[i+1:], nil
}
