package httpsig

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedSignature = errors.New("malformed_signature")

// SignatureHeader es el header Signature parseado.
type SignatureHeader struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string // base64
}

// BuildSignatureHeader arma el valor del header Signature:
// keyId="...",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="..."
func BuildSignatureHeader(keyID string, headerNames []string, signatureB64 string) string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		keyID, Algorithm, strings.Join(headerNames, " "), signatureB64)
}

// ParseSignatureHeader parsea el header Signature. Cualquier desviación del
// formato k="v" separado por comas es ErrMalformedSignature.
func ParseSignatureHeader(v string) (*SignatureHeader, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, ErrMalformedSignature
	}
	// Compat: algunos emisores prefijan "Signature " al valor.
	v = strings.TrimPrefix(v, "Signature ")

	params := map[string]string{}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, ErrMalformedSignature
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) < 2 || !strings.HasPrefix(val, `"`) || !strings.HasSuffix(val, `"`) {
			return nil, ErrMalformedSignature
		}
		params[strings.ToLower(key)] = val[1 : len(val)-1]
	}

	h := &SignatureHeader{
		KeyID:     params["keyid"],
		Algorithm: params["algorithm"],
		Signature: params["signature"],
	}
	if h.KeyID == "" || h.Signature == "" {
		return nil, ErrMalformedSignature
	}
	if hs := params["headers"]; hs != "" {
		h.Headers = strings.Fields(strings.ToLower(hs))
	}
	return h, nil
}

// hasHeader indica si el header firmado está en la lista.
func (h *SignatureHeader) hasHeader(name string) bool {
	for _, n := range h.Headers {
		if n == name {
			return true
		}
	}
	return false
}
