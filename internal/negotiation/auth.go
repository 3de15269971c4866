package negotiation

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/pkg/protocol"
)

const (
	authLabel     = "jargon-auth-v1"
	authNonceSize = 32
)

// Credentials identify a grid user.
type Credentials struct {
	User     string
	Zone     string
	Password string
}

// PasswordLookup returns the password for user in zone, or false when the
// account does not exist.
type PasswordLookup func(user, zone string) (string, bool)

// ComputeProof returns the client's answer to a challenge nonce.
func ComputeProof(password, user, zone string, nonce []byte) []byte {
	mac := hmac.New(sha256.New, []byte(password))
	_, _ = mac.Write([]byte(authLabel))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(user))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(zone))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write(nonce)
	return mac.Sum(nil)
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("auth nonce: %w", err)
	}
	return nonce, nil
}

// Authenticate runs the client half of credential exchange and activates
// the machine on success.
func Authenticate(rw io.ReadWriter, m *Machine, creds Credentials) error {
	if err := m.Authenticate(); err != nil {
		return err
	}

	if err := send(rw, protocol.TypeAuthRequest, protocol.AuthRequest{User: creds.User, Zone: creds.Zone}); err != nil {
		return m.Fail(errors.TransportError, err)
	}
	var challenge protocol.AuthChallenge
	if err := receive(rw, protocol.TypeAuthChallenge, &challenge); err != nil {
		return m.Fail(reasonFor(err), err)
	}
	if len(challenge.Nonce) != authNonceSize {
		return m.Fail(errors.ProtocolError, errors.Errorf("auth nonce length %d", len(challenge.Nonce)))
	}

	proof := ComputeProof(creds.Password, creds.User, creds.Zone, challenge.Nonce)
	if err := send(rw, protocol.TypeAuthResponse, protocol.AuthResponse{Proof: proof}); err != nil {
		return m.Fail(errors.TransportError, err)
	}
	var result protocol.AuthResult
	if err := receive(rw, protocol.TypeAuthResult, &result); err != nil {
		return m.Fail(reasonFor(err), err)
	}
	if !result.OK {
		msg := result.Message
		if msg == "" {
			msg = "credentials rejected"
		}
		return m.Fail(errors.CredentialRejected, errors.Str(msg))
	}
	return m.Activate()
}

// Verify runs the server half of credential exchange. It returns the
// authenticated user on success.
func Verify(rw io.ReadWriter, m *Machine, lookup PasswordLookup) (Credentials, error) {
	if err := m.Authenticate(); err != nil {
		return Credentials{}, err
	}

	var req protocol.AuthRequest
	if err := receive(rw, protocol.TypeAuthRequest, &req); err != nil {
		return Credentials{}, m.Fail(reasonFor(err), err)
	}
	nonce, err := randomNonce()
	if err != nil {
		return Credentials{}, m.Fail(errors.ProtocolError, err)
	}
	if err := send(rw, protocol.TypeAuthChallenge, protocol.AuthChallenge{Nonce: nonce}); err != nil {
		return Credentials{}, m.Fail(errors.TransportError, err)
	}
	var resp protocol.AuthResponse
	if err := receive(rw, protocol.TypeAuthResponse, &resp); err != nil {
		return Credentials{}, m.Fail(reasonFor(err), err)
	}

	password, known := lookup(req.User, req.Zone)
	// Unknown users still get a proof computed.
	expected := ComputeProof(password, req.User, req.Zone, nonce)
	if !known || !hmac.Equal(resp.Proof, expected) {
		_ = send(rw, protocol.TypeAuthResult, protocol.AuthResult{OK: false, Message: "authentication failed"})
		return Credentials{}, m.Fail(errors.CredentialRejected,
			errors.Errorf("user %s#%s: proof mismatch", req.User, req.Zone))
	}
	if err := send(rw, protocol.TypeAuthResult, protocol.AuthResult{OK: true}); err != nil {
		return Credentials{}, m.Fail(errors.TransportError, err)
	}
	if err := m.Activate(); err != nil {
		return Credentials{}, err
	}
	return Credentials{User: req.User, Zone: req.Zone}, nil
}
