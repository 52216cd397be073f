package verify

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// VerifyMetadata checks a Release document signature. With detachedSig nil
// raw must be an inline-signed InRelease; otherwise raw is a Release and
// detachedSig its Release.gpg (armored or binary).
//
// On success it returns Verified and the signed text: the clearsigned
// plaintext for InRelease, raw itself for Release. The text is nil for any
// other result.
func VerifyMetadata(raw, detachedSig []byte, keyring *Keyring) (Result, []byte) {
	if detachedSig == nil {
		return verifyInline(raw, keyring)
	}
	return verifyDetached(raw, detachedSig, keyring)
}

func verifyInline(raw []byte, keyring *Keyring) (Result, []byte) {
	block, _ := clearsign.Decode(raw)
	if block == nil {
		return SignatureInvalid{Reason: "document is not clearsigned"}, nil
	}
	sig, err := io.ReadAll(block.ArmoredSignature.Body)
	if err != nil {
		return SignatureInvalid{Reason: fmt.Sprintf("reading signature: %v", err)}, nil
	}

	res := checkSignature(keyring, block.Bytes, sig)
	if !res.Trusted() {
		return res, nil
	}
	return res, block.Plaintext
}

func verifyDetached(raw, detachedSig []byte, keyring *Keyring) (Result, []byte) {
	sig := detachedSig
	if isArmored(detachedSig) {
		blk, err := armor.Decode(bytes.NewReader(detachedSig))
		if err != nil {
			return SignatureInvalid{Reason: fmt.Sprintf("decoding armored signature: %v", err)}, nil
		}
		if sig, err = io.ReadAll(blk.Body); err != nil {
			return SignatureInvalid{Reason: fmt.Sprintf("reading armored signature: %v", err)}, nil
		}
	}

	res := checkSignature(keyring, raw, sig)
	if !res.Trusted() {
		return res, nil
	}
	return res, raw
}

// checkSignature verifies binary signature packets over signed. An issuer
// absent from the keyring is NoKeyFound; every other failure is
// SignatureInvalid.
func checkSignature(keyring *Keyring, signed, sig []byte) Result {
	issuer := issuerKeyID(sig)

	signer, err := openpgp.CheckDetachedSignature(keyring.keyRing(), bytes.NewReader(signed), bytes.NewReader(sig), nil)
	switch {
	case err == nil:
		return Verified{KeyID: signer.PrimaryKey.KeyIdString()}
	case errors.Is(err, pgperrors.ErrUnknownIssuer):
		if issuer == "" {
			return SignatureInvalid{Reason: "no signature packet found"}
		}
		return NoKeyFound{KeyID: issuer}
	default:
		return SignatureInvalid{KeyID: issuer, Reason: err.Error()}
	}
}

// issuerKeyID returns the issuer of the first signature packet, or "" if
// none can be read.
func issuerKeyID(sig []byte) string {
	r := bytes.NewReader(sig)
	for {
		p, err := packet.Read(r)
		if err != nil {
			return ""
		}
		if s, ok := p.(*packet.Signature); ok && s.IssuerKeyId != nil {
			return fmt.Sprintf("%016X", *s.IssuerKeyId)
		}
	}
}
