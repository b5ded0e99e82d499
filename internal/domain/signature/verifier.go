package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/firmamed/firmamed/internal/platform/errs"
)

// ParseCertificatePEM decodes a PEM-encoded X.509 certificate.
func ParseCertificatePEM(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block in PEM data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// VerifyBytes checks sig over message under the certificate's public key for
// the declared algorithm. The message is hashed with SHA-256 in both schemes.
func VerifyBytes(cert *x509.Certificate, alg Algorithm, message, sig []byte) error {
	digest := sha256.Sum256(message)

	switch alg {
	case AlgorithmRSASHA256:
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return errs.New(errs.CodeCryptographicMismatch, "certificate does not carry an RSA public key")
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return errs.New(errs.CodeCryptographicMismatch, "signature does not verify under the certificate public key")
		}
		return nil

	case AlgorithmECDSAP256:
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return errs.New(errs.CodeCryptographicMismatch, "certificate does not carry an ECDSA public key")
		}
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return errs.New(errs.CodeCryptographicMismatch, "signature does not verify under the certificate public key")
		}
		return nil

	default:
		return errs.Newf(errs.CodeUnsupportedAlgorithm, "algorithm %q is not supported", alg)
	}
}

// Verify re-checks one stored signature. Checks run in fixed order and stop
// at the first failure: certificate window, revocation, algorithm support,
// cryptographic verification. Pure read; nothing is persisted.
func Verify(sig *Signature, now time.Time) VerifyResult {
	res := VerifyResult{
		SignatureID: sig.ID,
		RecordID:    sig.RecordID,
		State:       sig.EffectiveState(now),
		CheckedAt:   now,
	}

	if sig.Expired(now) {
		res.FailureCode = string(errs.CodeExpiredCertificate)
		res.Message = fmt.Sprintf("certificate valid %s to %s; checked at %s",
			sig.CertNotBefore.Format(time.RFC3339), sig.CertNotAfter.Format(time.RFC3339), now.Format(time.RFC3339))
		return res
	}

	if sig.State == StateRevoked {
		res.FailureCode = string(errs.CodeRevoked)
		msg := "signature has been revoked"
		if sig.RevocationReason != nil && *sig.RevocationReason != "" {
			msg = fmt.Sprintf("signature revoked: %s", *sig.RevocationReason)
		}
		res.Message = msg
		return res
	}

	if !SupportedAlgorithm(sig.Algorithm) {
		res.FailureCode = string(errs.CodeUnsupportedAlgorithm)
		res.Message = fmt.Sprintf("algorithm %q is not supported", sig.Algorithm)
		return res
	}

	cert, err := ParseCertificatePEM(sig.CertPEM)
	if err != nil {
		res.FailureCode = string(errs.CodeCryptographicMismatch)
		res.Message = "stored certificate cannot be parsed"
		return res
	}
	raw, err := base64.StdEncoding.DecodeString(sig.SignatureB64)
	if err != nil {
		res.FailureCode = string(errs.CodeCryptographicMismatch)
		res.Message = "stored signature bytes are not valid base64"
		return res
	}
	if err := VerifyBytes(cert, sig.Algorithm, []byte(sig.CadenaOriginal), raw); err != nil {
		res.FailureCode = string(errs.CodeOf(err))
		res.Message = errs.MessageOf(err)
		return res
	}

	res.Valid = true
	res.Message = "signature verified"
	return res
}
