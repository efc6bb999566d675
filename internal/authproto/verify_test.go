package authproto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Konstantin-Sh/passvault/internal/apperror"
	"github.com/Konstantin-Sh/passvault/internal/statemachine"
)

func withUser(pubKey []byte, nonce uint64) func(func(*statemachine.Data)) {
	data := statemachine.NewData()
	user := statemachine.UserId("user-1")
	data.Auth[user.Key()] = statemachine.AuthEntry{PubKey: pubKey, Nonce: nonce}

	return func(fn func(*statemachine.Data)) {
		fn(data)
	}
}

func TestVerifyRequestSuccess(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	view := withUser(pub, 3)

	payload := []byte(`{"recordId":7}`)
	message := CanonicalMessage(3, "DeleteById", payload)
	signature := ed25519.Sign(priv, message)

	auth := AuthSignature{UserId: []byte("user-1"), Nonce: 3, Signature: signature}

	userId, err := VerifyRequest(view, Ed25519Verifier{}, "DeleteById", auth, payload)
	require.NoError(t, err)
	require.Equal(t, "user-1", string(userId))
}

func TestVerifyRequestNotRegistered(t *testing.T) {
	view := func(fn func(*statemachine.Data)) { fn(statemachine.NewData()) }

	_, err := VerifyRequest(view, Ed25519Verifier{}, "DeleteById",
		AuthSignature{UserId: []byte("ghost"), Nonce: 0}, nil)
	require.Equal(t, apperror.ErrNotRegistered, err)
}

func TestVerifyRequestBadNonce(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	view := withUser(pub, 5)

	_, err = VerifyRequest(view, Ed25519Verifier{}, "DeleteById",
		AuthSignature{UserId: []byte("user-1"), Nonce: 4}, nil)
	require.Equal(t, apperror.ErrBadNonce, err)
}

func TestVerifyRequestBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	view := withUser(pub, 1)

	auth := AuthSignature{UserId: []byte("user-1"), Nonce: 1, Signature: []byte("garbage")}

	_, err = VerifyRequest(view, Ed25519Verifier{}, "DeleteById", auth, []byte("payload"))
	require.Equal(t, apperror.ErrBadSignature, err)
}

// Replaying a previously-valid request after the nonce has moved on
// must fail, since the signature was computed over the old nonce.
func TestVerifyRequestReplayRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	view := withUser(pub, 2)

	payload := []byte("payload")
	message := CanonicalMessage(1, "DeleteById", payload)
	signature := ed25519.Sign(priv, message)

	auth := AuthSignature{UserId: []byte("user-1"), Nonce: 1, Signature: signature}

	_, err = VerifyRequest(view, Ed25519Verifier{}, "DeleteById", auth, payload)
	require.Equal(t, apperror.ErrBadNonce, err)
}
