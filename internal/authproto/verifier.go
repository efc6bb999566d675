package authproto

import "crypto/ed25519"

// Ed25519Verifier is the default Verifier. The signature scheme is a
// deployment parameter; no post-quantum signature library exists
// anywhere in this module's dependency pack, so this stdlib-backed
// Ed25519 implementation is the concrete default until a lattice-based
// Verifier is wired in for a given deployment.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(pubKey, message, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, signature)
}
