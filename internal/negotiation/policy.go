// Package negotiation decides whether a grid connection is encrypted and
// with which parameters, and drives the connection through negotiation and
// authentication to an active state.
package negotiation

import (
	"sort"
	"strings"

	"github.com/mataphp/jargon/internal/errors"
)

// Policy is one side's stance on encrypting the connection.
type Policy int

const (
	DontCare Policy = iota
	Require
	Refuse
)

// Wire names of the policies.
const (
	wireRequire  = "CS_NEG_REQUIRE"
	wireDontCare = "CS_NEG_DONT_CARE"
	wireRefuse   = "CS_NEG_REFUSE"
)

func (p Policy) String() string {
	switch p {
	case Require:
		return wireRequire
	case Refuse:
		return wireRefuse
	default:
		return wireDontCare
	}
}

// ParsePolicy accepts either the wire name or a short form
// (require, dont_care, refuse). Empty means DontCare.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dont_care", "dontcare", "dont-care", strings.ToLower(wireDontCare):
		return DontCare, nil
	case "require", strings.ToLower(wireRequire):
		return Require, nil
	case "refuse", strings.ToLower(wireRefuse):
		return Refuse, nil
	}
	return DontCare, errors.E("negotiation.ParsePolicy", errors.Invalid, errors.Errorf("unknown policy %q", s))
}

// AlgorithmNone means the data channels carry plaintext.
const AlgorithmNone = "NONE"

// Default key-derivation parameters.
const (
	DefaultSaltSize   = 8
	DefaultHashRounds = 16
)

// Algorithm describes a supported symmetric cipher.
type Algorithm struct {
	Name    string
	KeySize int
	IVSize  int
}

var supported = []Algorithm{
	{Name: "AES-256-CBC", KeySize: 32, IVSize: 16},
	{Name: "AES-192-CBC", KeySize: 24, IVSize: 16},
	{Name: "AES-128-CBC", KeySize: 16, IVSize: 16},
}

// Supported returns the supported algorithms, strongest first.
func Supported() []Algorithm {
	out := make([]Algorithm, len(supported))
	copy(out, supported)
	return out
}

// LookupAlgorithm finds a supported algorithm by name, case-insensitively.
func LookupAlgorithm(name string) (Algorithm, bool) {
	for _, a := range supported {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Algorithm{}, false
}

// Configuration is the outcome of a successful negotiation. It is fixed
// for the lifetime of the session once authentication completes.
type Configuration struct {
	Secured             bool
	EncryptionAlgorithm string
	KeySize             int
	IVSize              int
	SaltSize            int
	HashRounds          int
}

// Plain is the configuration of an unencrypted connection.
func Plain() Configuration {
	return Configuration{EncryptionAlgorithm: AlgorithmNone}
}

// Encrypting reports whether data channels must be encrypted.
func (c Configuration) Encrypting() bool {
	return c.Secured && c.EncryptionAlgorithm != "" && c.EncryptionAlgorithm != AlgorithmNone
}

// Offer is what one side brings to the negotiation.
type Offer struct {
	Policy Policy
	// Algorithms lists acceptable algorithm names. Empty accepts every
	// supported algorithm.
	Algorithms []string
}

// Decide applies the policy table. It returns whether the connection is
// secured, or a policy-mismatch error.
func Decide(client, server Policy) (bool, error) {
	switch {
	case client == Require && server == Refuse,
		client == Refuse && server == Require:
		return false, errors.E("negotiation.Decide", errors.Negotiation, errors.PolicyMismatch,
			errors.Errorf("client %s, server %s", client, server))
	case client == Refuse || server == Refuse:
		return false, nil
	default:
		return true, nil
	}
}

// ChooseAlgorithm returns the strongest algorithm both candidate lists accept.
func ChooseAlgorithm(client, server []string) (Algorithm, bool) {
	var common []Algorithm
	for _, a := range supported {
		if accepts(client, a.Name) && accepts(server, a.Name) {
			common = append(common, a)
		}
	}
	if len(common) == 0 {
		return Algorithm{}, false
	}
	sort.SliceStable(common, func(i, j int) bool { return common[i].KeySize > common[j].KeySize })
	return common[0], true
}

func accepts(candidates []string, name string) bool {
	if len(candidates) == 0 {
		return true
	}
	for _, c := range candidates {
		if strings.EqualFold(strings.TrimSpace(c), name) {
			return true
		}
	}
	return false
}

// Resolve computes the negotiated configuration for a client and server offer.
func Resolve(client, server Offer) (Configuration, error) {
	secured, err := Decide(client.Policy, server.Policy)
	if err != nil {
		return Configuration{}, err
	}
	if !secured {
		return Plain(), nil
	}
	alg, ok := ChooseAlgorithm(client.Algorithms, server.Algorithms)
	if !ok {
		if client.Policy == Require {
			return Configuration{}, errors.E("negotiation.Resolve", errors.Negotiation, errors.PolicyMismatch,
				errors.Str("no common encryption algorithm"))
		}
		return Configuration{Secured: true, EncryptionAlgorithm: AlgorithmNone}, nil
	}
	return Configuration{
		Secured:             true,
		EncryptionAlgorithm: alg.Name,
		KeySize:             alg.KeySize,
		IVSize:              alg.IVSize,
		SaltSize:            DefaultSaltSize,
		HashRounds:          DefaultHashRounds,
	}, nil
}
