// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
)

// TrustVerifier decides whether to trust the peer after the security
// handshake completed. It receives the raw DER certificates presented
// by the peer; returning false fails the candidate.
type TrustVerifier func(ctx context.Context, rawCerts [][]byte) bool

// IdentityChallenge selects the local certificate to present when the
// peer requests one during the handshake.
type IdentityChallenge func(ctx context.Context) (*tls.Certificate, error)

// SecurityParameters configure the security protocol of candidates
// whose stack carries one.
//
// The parameters are owned by the [Preconnection] and move into the
// [Connection] on establishment. The zero value enables security with
// library defaults; use [NewSecurityParameters] to obtain it and
// [NewDisabledSecurityParameters] to run cleartext-only candidates.
type SecurityParameters struct {
	// Disabled excludes secure stacks entirely when true.
	Disabled bool

	// MinVersion is the minimum allowed protocol version (e.g.,
	// [tls.VersionTLS12]). Zero means the library default.
	MinVersion uint16

	// MaxVersion is the maximum allowed protocol version. Zero means
	// the library default.
	MaxVersion uint16

	// Certificates are the local certificates to present.
	Certificates []tls.Certificate

	// RootCAs are the trusted roots for verifying the peer. Nil means
	// the system roots.
	RootCAs *x509.CertPool

	// PinnedCerts are raw DER certificates; when non-empty, the peer
	// must present one of them as its leaf.
	PinnedCerts [][]byte

	// ALPN is the application protocol list to negotiate.
	ALPN []string

	// PSKIdentity and PSK carry a pre-shared key. The built-in engines
	// do not support external PSKs: a non-empty PSK (with security
	// enabled) makes every stack infeasible, so establishment fails
	// with [ErrNoFeasibleCandidate].
	PSKIdentity string
	PSK         []byte

	// ServerName overrides the SNI derived from the remote endpoint.
	ServerName string

	// TrustVerifier, when set, is consulted after the handshake; false
	// fails the candidate.
	TrustVerifier TrustVerifier

	// IdentityChallenge, when set, selects the certificate to present
	// when the peer requests one.
	IdentityChallenge IdentityChallenge
}

// NewSecurityParameters returns a [*SecurityParameters] with defaults:
// security enabled, library-default versions, system roots.
func NewSecurityParameters() *SecurityParameters {
	return &SecurityParameters{}
}

// NewDisabledSecurityParameters returns a [*SecurityParameters] that
// excludes secure stacks entirely.
func NewDisabledSecurityParameters() *SecurityParameters {
	return &SecurityParameters{Disabled: true}
}

// errCertificateNotPinned is returned when pinning is configured and
// the peer leaf matches no pinned certificate.
var errCertificateNotPinned = errors.New("peer certificate matches no pinned certificate")

// clientConfig translates the parameters into a [*tls.Config] for a
// client handshake towards the given server name.
func (sp *SecurityParameters) clientConfig(serverName string) *tls.Config {
	config := &tls.Config{
		MinVersion:   sp.MinVersion,
		MaxVersion:   sp.MaxVersion,
		Certificates: sp.Certificates,
		RootCAs:      sp.RootCAs,
		NextProtos:   sp.ALPN,
		ServerName:   serverName,
	}
	if sp.ServerName != "" {
		config.ServerName = sp.ServerName
	}
	if len(sp.PinnedCerts) > 0 {
		config.VerifyPeerCertificate = sp.verifyPinned
	}
	if sp.IdentityChallenge != nil {
		challenge := sp.IdentityChallenge
		config.GetClientCertificate = func(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return challenge(info.Context())
		}
	}
	return config
}

// serverConfig translates the parameters into a [*tls.Config] for
// accepting handshakes.
func (sp *SecurityParameters) serverConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   sp.MinVersion,
		MaxVersion:   sp.MaxVersion,
		Certificates: sp.Certificates,
		ClientCAs:    sp.RootCAs,
		NextProtos:   sp.ALPN,
	}
}

// verifyPinned enforces certificate pinning on the peer's leaf.
func (sp *SecurityParameters) verifyPinned(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(rawCerts) > 0 {
		for _, pinned := range sp.PinnedCerts {
			if bytes.Equal(rawCerts[0], pinned) {
				return nil
			}
		}
	}
	return errCertificateNotPinned
}

// verifyTrust consults the trust verification callback, when set, with
// the peer certificates of the completed handshake.
func (sp *SecurityParameters) verifyTrust(ctx context.Context, state tls.ConnectionState) error {
	if sp.TrustVerifier == nil {
		return nil
	}
	rawCerts := make([][]byte, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		rawCerts = append(rawCerts, cert.Raw)
	}
	if !sp.TrustVerifier(ctx, rawCerts) {
		return errors.New("trust verification rejected the peer")
	}
	return nil
}
