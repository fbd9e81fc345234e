package certscan

/*
gostscan — GOST and Russian-CA TLS endpoint classifier
Copyright (C) 2025  Pepijn van der Stap <gostscan@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"crypto/x509"
	"encoding/asn1"
)

// crypto/x509 maps GOST algorithms to UnknownSignatureAlgorithm and
// UnknownPublicKeyAlgorithm, so the dotted OID strings have to be recovered
// from the DER directly. Both helpers return "" when the structure does not
// decode; the classifier treats "" as a non-match.

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type certificateEnvelope struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm algorithmIdentifier
	SignatureValue     asn1.BitString
}

type publicKeyInfo struct {
	Algorithm algorithmIdentifier
	PublicKey asn1.BitString
}

// sigAlgOIDFromRaw extracts the outer signatureAlgorithm OID of a
// certificate as a dotted string.
func sigAlgOIDFromRaw(cert *x509.Certificate) string {
	var env certificateEnvelope
	if _, err := asn1.Unmarshal(cert.Raw, &env); err != nil {
		return ""
	}
	return env.SignatureAlgorithm.Algorithm.String()
}

// pubKeyAlgOIDFromRaw extracts the SubjectPublicKeyInfo algorithm OID as a
// dotted string.
func pubKeyAlgOIDFromRaw(cert *x509.Certificate) string {
	var pki publicKeyInfo
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &pki); err != nil {
		return ""
	}
	return pki.Algorithm.Algorithm.String()
}
