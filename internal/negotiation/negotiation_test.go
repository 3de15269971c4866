package negotiation

import (
	"net"
	"testing"
	"time"

	"github.com/mataphp/jargon/internal/errors"
)

func TestDecideTable(t *testing.T) {
	tests := []struct {
		client, server Policy
		secured        bool
		mismatch       bool
	}{
		{Require, Require, true, false},
		{Require, DontCare, true, false},
		{Require, Refuse, false, true},
		{DontCare, Require, true, false},
		{DontCare, DontCare, true, false},
		{DontCare, Refuse, false, false},
		{Refuse, Require, false, true},
		{Refuse, DontCare, false, false},
		{Refuse, Refuse, false, false},
	}
	for _, tt := range tests {
		secured, err := Decide(tt.client, tt.server)
		if tt.mismatch {
			if errors.ReasonOf(err) != errors.PolicyMismatch {
				t.Errorf("%s/%s: expected policy-mismatch, got %v", tt.client, tt.server, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s/%s: unexpected error %v", tt.client, tt.server, err)
			continue
		}
		if secured != tt.secured {
			t.Errorf("%s/%s: secured = %v, want %v", tt.client, tt.server, secured, tt.secured)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
	}{
		{"CS_NEG_REQUIRE", Require},
		{"require", Require},
		{"CS_NEG_DONT_CARE", DontCare},
		{"", DontCare},
		{"refuse", Refuse},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParsePolicy("maybe"); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected Invalid for unknown policy, got %v", err)
	}
}

func TestResolveChoosesStrongest(t *testing.T) {
	cfg, err := Resolve(Offer{Policy: DontCare}, Offer{Policy: DontCare, Algorithms: []string{"AES-128-CBC", "AES-256-CBC"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := Configuration{Secured: true, EncryptionAlgorithm: "AES-256-CBC", KeySize: 32, IVSize: 16, SaltSize: 8, HashRounds: 16}
	if cfg != want {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
	if !cfg.Encrypting() {
		t.Fatalf("expected Encrypting")
	}
}

func TestResolveNoCommonAlgorithm(t *testing.T) {
	client := Offer{Policy: DontCare, Algorithms: []string{"AES-128-CBC"}}
	server := Offer{Policy: DontCare, Algorithms: []string{"AES-256-CBC"}}
	cfg, err := Resolve(client, server)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !cfg.Secured || cfg.EncryptionAlgorithm != AlgorithmNone || cfg.Encrypting() {
		t.Fatalf("expected secured NONE, got %+v", cfg)
	}

	client.Policy = Require
	if _, err := Resolve(client, server); errors.ReasonOf(err) != errors.PolicyMismatch {
		t.Fatalf("expected policy-mismatch under require, got %v", err)
	}
}

func TestResolvePlain(t *testing.T) {
	cfg, err := Resolve(Offer{Policy: Refuse}, Offer{Policy: DontCare})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Secured || cfg.Encrypting() {
		t.Fatalf("expected plain, got %+v", cfg)
	}
}

func TestMachineTransitions(t *testing.T) {
	m := NewMachine()
	if err := m.Authenticate(); !errors.Is(errors.Protocol, err) {
		t.Fatalf("INIT -> AUTHENTICATING should be rejected, got %v", err)
	}
	if _, ok := m.Configuration(); ok {
		t.Fatalf("configuration must not be available before negotiation")
	}
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Activate(); err == nil {
		t.Fatalf("NEGOTIATING -> ACTIVE should be rejected")
	}
	if err := m.Resolve(Plain()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.State() != StatePlain {
		t.Fatalf("state = %v, want PLAIN", m.State())
	}
	if err := m.Authenticate(); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := m.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %v, want ACTIVE", m.State())
	}
	if err := m.Begin(); err == nil {
		t.Fatalf("ACTIVE is terminal")
	}
}

func TestMachineFailFromAnyState(t *testing.T) {
	for _, steps := range []int{0, 1, 2, 3} {
		m := NewMachine()
		if steps > 0 {
			_ = m.Begin()
		}
		if steps > 1 {
			_ = m.Resolve(Configuration{Secured: true, EncryptionAlgorithm: AlgorithmNone})
		}
		if steps > 2 {
			_ = m.Authenticate()
		}
		err := m.Fail(errors.TransportError, nil)
		if m.State() != StateFailed {
			t.Fatalf("steps=%d: state = %v, want FAILED", steps, m.State())
		}
		if !errors.Is(errors.Negotiation, err) || errors.ReasonOf(err) != errors.TransportError {
			t.Fatalf("steps=%d: unexpected error %v", steps, err)
		}
		if err := m.Begin(); err == nil {
			t.Fatalf("FAILED is terminal")
		}
	}
}

type negotiated struct {
	cfg Configuration
	err error
}

func runPair(t *testing.T, client, server Offer) (negotiated, negotiated, *Machine, *Machine) {
	t.Helper()
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()
	deadline := time.Now().Add(5 * time.Second)
	c.SetDeadline(deadline)
	s.SetDeadline(deadline)

	cm, sm := NewMachine(), NewMachine()
	done := make(chan negotiated, 1)
	go func() {
		cfg, err := Server(s, sm, server)
		if err != nil {
			s.Close()
		}
		done <- negotiated{cfg, err}
	}()
	cfg, err := Client(c, cm, client)
	if err != nil {
		c.Close()
	}
	return negotiated{cfg, err}, <-done, cm, sm
}

func TestExchangeSecured(t *testing.T) {
	cres, sres, cm, sm := runPair(t, Offer{Policy: Require}, Offer{Policy: DontCare})
	if cres.err != nil || sres.err != nil {
		t.Fatalf("client err %v, server err %v", cres.err, sres.err)
	}
	if cres.cfg != sres.cfg {
		t.Fatalf("client and server disagree: %+v vs %+v", cres.cfg, sres.cfg)
	}
	if cm.State() != StateSecured || sm.State() != StateSecured {
		t.Fatalf("states %v %v", cm.State(), sm.State())
	}
	if cres.cfg.EncryptionAlgorithm != "AES-256-CBC" || cres.cfg.KeySize != 32 {
		t.Fatalf("unexpected cfg %+v", cres.cfg)
	}
}

func TestExchangePolicyMismatch(t *testing.T) {
	cres, sres, cm, sm := runPair(t, Offer{Policy: Refuse}, Offer{Policy: Require})
	if errors.ReasonOf(cres.err) != errors.PolicyMismatch {
		t.Fatalf("client err = %v, want policy-mismatch", cres.err)
	}
	if errors.ReasonOf(sres.err) != errors.PolicyMismatch {
		t.Fatalf("server err = %v, want policy-mismatch", sres.err)
	}
	if cm.State() != StateFailed || sm.State() != StateFailed {
		t.Fatalf("both machines must be FAILED, got %v %v", cm.State(), sm.State())
	}
	if cm.Reason() != errors.PolicyMismatch {
		t.Fatalf("client reason = %v", cm.Reason())
	}
}

func TestExchangePlain(t *testing.T) {
	cres, sres, cm, _ := runPair(t, Offer{Policy: DontCare}, Offer{Policy: Refuse})
	if cres.err != nil || sres.err != nil {
		t.Fatalf("client err %v, server err %v", cres.err, sres.err)
	}
	if cres.cfg.Secured || cm.State() != StatePlain {
		t.Fatalf("expected PLAIN, got %+v in %v", cres.cfg, cm.State())
	}
}

func TestExchangeTransportError(t *testing.T) {
	c, s := net.Pipe()
	s.Close()
	m := NewMachine()
	_, err := Client(c, m, Offer{Policy: DontCare})
	if errors.ReasonOf(err) != errors.TransportError {
		t.Fatalf("expected transport-error, got %v", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %v", m.State())
	}
}

func authPair(t *testing.T, creds Credentials, accounts map[string]string) (error, error, *Machine) {
	t.Helper()
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()
	deadline := time.Now().Add(5 * time.Second)
	c.SetDeadline(deadline)
	s.SetDeadline(deadline)

	cm, sm := NewMachine(), NewMachine()
	for _, m := range []*Machine{cm, sm} {
		_ = m.Begin()
		_ = m.Resolve(Plain())
	}

	lookup := func(user, zone string) (string, bool) {
		pw, ok := accounts[user+"#"+zone]
		return pw, ok
	}
	done := make(chan error, 1)
	go func() {
		_, err := Verify(s, sm, lookup)
		done <- err
	}()
	cerr := Authenticate(c, cm, creds)
	return cerr, <-done, cm
}

func TestAuthenticateAccepted(t *testing.T) {
	accounts := map[string]string{"rods#tempZone": "rods"}
	cerr, serr, cm := authPair(t, Credentials{User: "rods", Zone: "tempZone", Password: "rods"}, accounts)
	if cerr != nil || serr != nil {
		t.Fatalf("client err %v, server err %v", cerr, serr)
	}
	if cm.State() != StateActive {
		t.Fatalf("state = %v, want ACTIVE", cm.State())
	}
}

func TestAuthenticateRejected(t *testing.T) {
	accounts := map[string]string{"rods#tempZone": "rods"}
	cerr, serr, cm := authPair(t, Credentials{User: "rods", Zone: "tempZone", Password: "wrong"}, accounts)
	if errors.ReasonOf(cerr) != errors.CredentialRejected {
		t.Fatalf("client err = %v, want credential-rejected", cerr)
	}
	if errors.ReasonOf(serr) != errors.CredentialRejected {
		t.Fatalf("server err = %v, want credential-rejected", serr)
	}
	if cm.State() != StateFailed {
		t.Fatalf("state = %v", cm.State())
	}
}

func TestComputeProofBindsIdentity(t *testing.T) {
	nonce := make([]byte, authNonceSize)
	a := ComputeProof("pw", "alice", "z", nonce)
	b := ComputeProof("pw", "alicez", "", nonce)
	if string(a) == string(b) {
		t.Fatalf("proof must separate user and zone")
	}
}
