// Package identity resolves the calling SAE on every request and
// discovers which KME serves a given SAE id. The caller's identity comes
// from the TLS client certificate's common name when mutual TLS is on,
// or from the X-SAE-ID header on plain deployments.
package identity

import (
	"net/http"

	"github.com/samber/mo"
)

// HeaderSAEID is the header carrying the caller's SAE id on plain
// (non-TLS) deployments.
const HeaderSAEID = "X-SAE-ID"

// Source labels where an identity came from.
type Source string

const (
	// SourceCertificate means the id was read from the client
	// certificate's common name.
	SourceCertificate Source = "certificate"

	// SourceHeader means the id was read from the X-SAE-ID header.
	SourceHeader Source = "header"
)

// Identity is a resolved caller.
type Identity struct {
	SAEID  string
	Source Source
}

// Resolver extracts the calling SAE from a request.
type Resolver interface {
	Resolve(r *http.Request) mo.Option[Identity]
}

// CertResolver reads the common name of the verified client certificate.
type CertResolver struct{}

// Resolve implements Resolver.
func (CertResolver) Resolve(r *http.Request) mo.Option[Identity] {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return mo.None[Identity]()
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return mo.None[Identity]()
	}
	return mo.Some(Identity{SAEID: cn, Source: SourceCertificate})
}

// HeaderResolver reads the X-SAE-ID header.
type HeaderResolver struct{}

// Resolve implements Resolver.
func (HeaderResolver) Resolve(r *http.Request) mo.Option[Identity] {
	id := r.Header.Get(HeaderSAEID)
	if id == "" {
		return mo.None[Identity]()
	}
	return mo.Some(Identity{SAEID: id, Source: SourceHeader})
}

// Chain tries resolvers in order and returns the first identity found.
// The usual production chain is [CertResolver, HeaderResolver], so a
// certificate always beats a header.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(r *http.Request) mo.Option[Identity] {
	for _, res := range c {
		if id := res.Resolve(r); id.IsPresent() {
			return id
		}
	}
	return mo.None[Identity]()
}

var (
	_ Resolver = CertResolver{}
	_ Resolver = HeaderResolver{}
	_ Resolver = Chain(nil)
)
