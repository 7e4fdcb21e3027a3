// Package httpsig implementa HTTP Signatures (perfil draft-cavage usado por
// ActivityPub): construcción del signing string canónico, firma RSA-SHA256 de
// requests salientes y verificación fail-closed de requests entrantes.
package httpsig

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// Algorithm es el único algoritmo aceptado por este nodo.
const Algorithm = "rsa-sha256"

// SignedHeaders es el set ordenado de headers firmados. El orden es parte del
// contrato del protocolo: firmante y verificador deben coincidir.
var SignedHeaders = []string{"(request-target)", "host", "date", "digest"}

// CanonicalString arma el signing string: un header por línea, en orden fijo.
//
//	(request-target): post /users/bob/inbox
//	host: remote.example
//	date: Sun, 23 Aug 2026 10:00:00 GMT
//	digest: SHA-256=...
func CanonicalString(method, path, host, date, digest string) string {
	var b strings.Builder
	b.WriteString("(request-target): " + strings.ToLower(method) + " " + path)
	b.WriteString("\nhost: " + host)
	b.WriteString("\ndate: " + date)
	b.WriteString("\ndigest: " + digest)
	return b.String()
}

// Digest calcula el valor del header Digest para un body:
// "SHA-256=" + base64(SHA-256(rawBody)). Firmarlo ata la firma a los bytes
// exactos del payload.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// requestPath devuelve path+query tal como participa en (request-target).
func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
