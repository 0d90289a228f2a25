package coordinator

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthFailed is returned when a challenge/response exchange fails
// verification.
var ErrAuthFailed = errors.New("coordinator: authentication failed")

// Identity is a replica's signing keypair and declared peer id.
type Identity struct {
	ReplicaID string
	Public    ed25519.PublicKey
	private   ed25519.PrivateKey
}

// NewIdentity generates a fresh Ed25519 identity for replicaID.
func NewIdentity(replicaID string) (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("coordinator: generate identity: %w", err)
	}
	return Identity{ReplicaID: replicaID, Public: pub, private: priv}, nil
}

// authClaims is the JWT payload carried by an AuthResponse: it binds the
// challenge nonce to the responder's declared identity so a replayed
// response from a different nonce or peer is rejected at verification.
type authClaims struct {
	jwt.RegisteredClaims
	Nonce string `json:"nonce"`
}

// Challenge is sent by the initiator of a new peer connection.
type Challenge struct {
	Nonce string
}

// NewChallenge mints a random nonce for a fresh authentication handshake.
func NewChallenge() Challenge {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return Challenge{Nonce: fmt.Sprintf("%x", buf)}
}

// Response is the responder's signed reply to a Challenge, encoded as a
// compact EdDSA-signed JWT.
type Response struct {
	Token string
}

// Respond signs the challenge nonce bound to id, producing a Response the
// initiator can verify against id's declared public key.
func Respond(challenge Challenge, id Identity) (Response, error) {
	if id.private == nil {
		return Response{}, errors.New("coordinator: identity has no private key")
	}
	claims := authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ReplicaID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Nonce: challenge.Nonce,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(id.private)
	if err != nil {
		return Response{}, fmt.Errorf("coordinator: sign auth response: %w", err)
	}
	return Response{Token: signed}, nil
}

// Verify checks resp against the expected challenge and the responder's
// declared public key, returning the authenticated replica id on success.
func Verify(resp Response, challenge Challenge, peerPublic ed25519.PublicKey) (string, error) {
	claims := &authClaims{}
	token, err := jwt.ParseWithClaims(resp.Token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method", ErrAuthFailed)
		}
		return peerPublic, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if claims.Nonce != challenge.Nonce {
		return "", fmt.Errorf("%w: nonce mismatch", ErrAuthFailed)
	}
	return claims.Subject, nil
}
