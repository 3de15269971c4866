package negotiation

import (
	"io"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/pkg/protocol"
)

// Client runs the client half of negotiation over rw. The caller is
// responsible for deadlines on the underlying connection.
func Client(rw io.ReadWriter, m *Machine, local Offer) (Configuration, error) {
	if err := m.Begin(); err != nil {
		return Configuration{}, err
	}

	offer := protocol.NegotiationOffer{Policy: local.Policy.String(), Algorithms: local.Algorithms}
	if err := send(rw, protocol.TypeNegotiationOffer, offer); err != nil {
		return Configuration{}, m.Fail(errors.TransportError, err)
	}

	var res protocol.NegotiationResult
	if err := receive(rw, protocol.TypeNegotiationResult, &res); err != nil {
		return Configuration{}, m.Fail(reasonFor(err), err)
	}

	var cfg Configuration
	switch res.Outcome {
	case protocol.OutcomeFailure:
		reason := errors.Reason(res.Reason)
		if reason == "" {
			reason = errors.PolicyMismatch
		}
		return Configuration{}, m.Fail(reason, errors.Str("server rejected negotiation"))
	case protocol.OutcomeUseTCP:
		if local.Policy == Require {
			return Configuration{}, m.Fail(errors.ProtocolError,
				errors.Str("server chose plaintext against a require policy"))
		}
		cfg = Plain()
	case protocol.OutcomeUseSSL:
		if local.Policy == Refuse {
			return Configuration{}, m.Fail(errors.ProtocolError,
				errors.Str("server chose encryption against a refuse policy"))
		}
		checked, err := checkResult(res, local)
		if err != nil {
			return Configuration{}, m.Fail(errors.ProtocolError, err)
		}
		cfg = checked
	default:
		return Configuration{}, m.Fail(errors.ProtocolError, errors.Errorf("unknown negotiation outcome %q", res.Outcome))
	}

	if err := m.Resolve(cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// checkResult validates a secured verdict against what the client offered.
func checkResult(res protocol.NegotiationResult, local Offer) (Configuration, error) {
	if res.Algorithm == "" || res.Algorithm == AlgorithmNone {
		if local.Policy == Require {
			return Configuration{}, errors.Str("server chose no algorithm against a require policy")
		}
		return Configuration{Secured: true, EncryptionAlgorithm: AlgorithmNone}, nil
	}
	alg, ok := LookupAlgorithm(res.Algorithm)
	if !ok || !accepts(local.Algorithms, alg.Name) {
		return Configuration{}, errors.Errorf("server chose unoffered algorithm %q", res.Algorithm)
	}
	if res.KeySize != alg.KeySize || res.IVSize != alg.IVSize {
		return Configuration{}, errors.Errorf("algorithm %s with key size %d, iv size %d", alg.Name, res.KeySize, res.IVSize)
	}
	if res.SaltSize <= 0 || res.HashRounds <= 0 {
		return Configuration{}, errors.Errorf("invalid key derivation parameters salt=%d rounds=%d", res.SaltSize, res.HashRounds)
	}
	return Configuration{
		Secured:             true,
		EncryptionAlgorithm: alg.Name,
		KeySize:             res.KeySize,
		IVSize:              res.IVSize,
		SaltSize:            res.SaltSize,
		HashRounds:          res.HashRounds,
	}, nil
}

// Server runs the server half of negotiation over rw. On a policy
// mismatch the verdict is sent and nothing else.
func Server(rw io.ReadWriter, m *Machine, local Offer) (Configuration, error) {
	if err := m.Begin(); err != nil {
		return Configuration{}, err
	}

	var offer protocol.NegotiationOffer
	if err := receive(rw, protocol.TypeNegotiationOffer, &offer); err != nil {
		reason := reasonFor(err)
		if reason == errors.ProtocolError {
			_ = sendFailure(rw, reason)
		}
		return Configuration{}, m.Fail(reason, err)
	}

	clientPolicy, err := ParsePolicy(offer.Policy)
	if err != nil {
		_ = sendFailure(rw, errors.ProtocolError)
		return Configuration{}, m.Fail(errors.ProtocolError, err)
	}

	cfg, err := Resolve(Offer{Policy: clientPolicy, Algorithms: offer.Algorithms}, local)
	if err != nil {
		reason := errors.ReasonOf(err)
		if reason == "" {
			reason = errors.ProtocolError
		}
		if sendErr := sendFailure(rw, reason); sendErr != nil {
			return Configuration{}, m.Fail(errors.TransportError, sendErr)
		}
		return Configuration{}, m.Fail(reason, err)
	}

	res := protocol.NegotiationResult{Outcome: protocol.OutcomeUseTCP}
	if cfg.Secured {
		res = protocol.NegotiationResult{
			Outcome:    protocol.OutcomeUseSSL,
			Algorithm:  cfg.EncryptionAlgorithm,
			KeySize:    cfg.KeySize,
			IVSize:     cfg.IVSize,
			SaltSize:   cfg.SaltSize,
			HashRounds: cfg.HashRounds,
		}
	}
	if err := send(rw, protocol.TypeNegotiationResult, res); err != nil {
		return Configuration{}, m.Fail(errors.TransportError, err)
	}
	if err := m.Resolve(cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func sendFailure(w io.Writer, reason errors.Reason) error {
	return send(w, protocol.TypeNegotiationResult, protocol.NegotiationResult{
		Outcome: protocol.OutcomeFailure,
		Reason:  string(reason),
	})
}

func send(w io.Writer, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(w, env)
}

// receive reads one frame and decodes it as msgType. A remote error
// envelope or an unexpected type is a protocol error.
func receive(r io.Reader, msgType string, out any) error {
	env, err := protocol.ReadFrame(r)
	if err != nil {
		if protocol.IsFatalFrameError(err) || err == io.EOF {
			return errors.E(errors.Transport, err)
		}
		return errors.E(errors.Protocol, err)
	}
	if err := env.ValidateBasic(); err != nil {
		return errors.E(errors.Protocol, err)
	}
	if env.Type == protocol.TypeError {
		var remote protocol.Error
		_ = env.DecodePayload(&remote)
		return errors.E(errors.Protocol, errors.Errorf("remote error %s: %s", remote.Code, remote.Message))
	}
	if env.Type != msgType {
		return errors.E(errors.Protocol, errors.Errorf("expected %s, got %s", msgType, env.Type))
	}
	if err := env.DecodePayload(out); err != nil {
		return errors.E(errors.Protocol, err)
	}
	return nil
}

func reasonFor(err error) errors.Reason {
	if errors.Is(errors.Transport, err) {
		return errors.TransportError
	}
	return errors.ProtocolError
}
