// Package dkim produces DKIM-Signature header values. The body hash it
// signs over is supplied by the caller (it travels on the Delivery,
// computed upstream of this worker): Sign is a pure function of headers,
// a precomputed body hash, and a key, exactly as spec'd. That precise
// entry point has no counterpart in github.com/emersion/go-msgauth's
// Sign API, which always hashes the body itself from a reader — see
// DESIGN.md for why the tag-list construction below is hand-rolled
// against RFC 6376 rather than delegated to that library, in the manner
// of elemta's own pkg/dkim/dkim.go and Its-donkey-gopherpost's
// internal/dkim/signer.go (both hand-parse PEM key material the same
// way this file does).
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

// Reused verbatim from go-msgauth so this package's "c=" tag stays in
// lockstep with the one third-party DKIM implementation in this
// dependency pack, even though the signing math itself is hand-rolled.
const (
	CanonicalizationRelaxed = string(dkim.CanonicalizationRelaxed)
	CanonicalizationSimple  = string(dkim.CanonicalizationSimple)
)

// Signer produces DKIM-Signature header values.
type Signer interface {
	Sign(req delivery.DKIMRequest, key delivery.DKIMKeyConfig, headers *delivery.HeaderBlock, signedHeaders []string) (string, error)
}

// New returns the production Signer.
func New() Signer { return signer{} }

type signer struct{}

func (signer) Sign(req delivery.DKIMRequest, key delivery.DKIMKeyConfig, headers *delivery.HeaderBlock, signedHeaders []string) (string, error) {
	priv, err := parsePrivateKey(key.PrivateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("dkim: parse private key for %s/%s: %w", key.Domain, key.Selector, err)
	}

	algo, err := algorithmFor(req.HashAlgo, priv)
	if err != nil {
		return "", err
	}

	canonHeaders, err := canonicalizeSelected(headers, signedHeaders)
	if err != nil {
		return "", err
	}

	tags := []struct{ k, v string }{
		{"v", "1"},
		{"a", algo.tagName},
		{"c", CanonicalizationRelaxed + "/" + CanonicalizationRelaxed},
		{"d", key.Domain},
		{"s", key.Selector},
		{"t", fmt.Sprintf("%d", timeNow().Unix())},
		{"h", strings.Join(signedHeaders, ":")},
		{"bh", req.BodyHash},
	}

	unsigned := buildTagList(tags, "")
	// The DKIM-Signature header being signed is itself canonicalized, but
	// per RFC 6376 §3.7 its trailing CRLF is omitted from the signing
	// input (unlike every other signed header, which keeps its own).
	dkimSigLine := strings.TrimSuffix(canonicalizeHeaderLine("dkim-signature", unsigned), "\r\n")
	signingInput := canonHeaders + dkimSigLine

	sig, err := algo.sign(priv, []byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("dkim: signing failed: %w", err)
	}

	return buildTagList(tags, base64.StdEncoding.EncodeToString(sig)), nil
}

// timeNow is a var so tests can pin the t= tag.
var timeNow = time.Now

type algorithm struct {
	tagName string
	sign    func(crypto.Signer, []byte) ([]byte, error)
}

func algorithmFor(hashAlgo string, priv crypto.Signer) (algorithm, error) {
	switch key := priv.(type) {
	case *rsa.PrivateKey:
		switch strings.ToLower(hashAlgo) {
		case "", "sha256":
			return algorithm{tagName: "rsa-sha256", sign: func(s crypto.Signer, data []byte) ([]byte, error) {
				sum := sha256.Sum256(data)
				return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
			}}, nil
		case "sha1":
			return algorithm{tagName: "rsa-sha1", sign: func(s crypto.Signer, data []byte) ([]byte, error) {
				sum := sha1.Sum(data)
				return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, sum[:])
			}}, nil
		}
	case ed25519.PrivateKey:
		return algorithm{tagName: "ed25519-sha256", sign: func(s crypto.Signer, data []byte) ([]byte, error) {
			sum := sha256.Sum256(data)
			return ed25519.Sign(key, sum[:]), nil
		}}, nil
	}
	return algorithm{}, fmt.Errorf("dkim: unsupported key/hash combination %q", hashAlgo)
}

// buildTagList renders the DKIM-Signature tag list; when b is empty the
// "b=" tag is emitted empty, as required while computing the signing
// input itself.
func buildTagList(tags []struct{ k, v string }, b string) string {
	var sb strings.Builder
	for i, t := range tags {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(t.k)
		sb.WriteString("=")
		sb.WriteString(t.v)
	}
	sb.WriteString("; b=")
	sb.WriteString(b)
	return sb.String()
}

// canonicalizeSelected renders the named headers in the given order, using
// the bottom-most instance of each name (RFC 6376 §5.4.2), in relaxed
// canonical form.
func canonicalizeSelected(headers *delivery.HeaderBlock, names []string) (string, error) {
	var sb strings.Builder
	for _, name := range names {
		found := false
		for i := headers.Len() - 1; i >= 0; i-- {
			h, ok := headers.At(i)
			if !ok || !strings.EqualFold(h.Name, name) {
				continue
			}
			sb.WriteString(canonicalizeHeaderLine(strings.ToLower(h.Name), h.Value))
			found = true
			break
		}
		if !found {
			return "", fmt.Errorf("dkim: signed header %q not present on delivery", name)
		}
	}
	return sb.String(), nil
}

// canonicalizeHeaderLine applies RFC 6376 relaxed header canonicalization
// to one name/value pair: lowercase name, single space after the colon,
// internal whitespace runs collapsed, trailing whitespace trimmed.
func canonicalizeHeaderLine(name, value string) string {
	fields := strings.Fields(value)
	collapsed := strings.Join(fields, " ")
	return strings.ToLower(name) + ":" + collapsed + "\r\n"
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type in PKCS#8 container")
			}
			return signer, nil
		}
		pemData = rest
	}
	return nil, fmt.Errorf("no private key found in PEM data")
}
