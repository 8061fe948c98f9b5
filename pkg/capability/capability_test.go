package capability

import (
	"errors"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

func testScope(t *testing.T, minWei string) Scope { // A
	t.Helper()
	s, err := DecryptScope(policy.PolicySet{
		policy.NativeBalanceAtLeast("ethereum", minWei),
	})
	if err != nil {
		t.Fatalf("DecryptScope: %v", err)
	}
	return s
}

func testSet(scope Scope, expires time.Time) *SessionCredentialSet { // A
	return &SessionCredentialSet{
		Credentials: map[string]NodeCredential{
			"node-0": {NodeID: "node-0", Token: "t"},
		},
		Scope:     scope,
		Address:   "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		IssuedAt:  expires.Add(-time.Hour),
		ExpiresAt: expires,
	}
}

func TestScopeCovers(t *testing.T) { // A
	a := testScope(t, "0")
	b := testScope(t, "1")

	if !a.Covers(a) {
		t.Fatal("scope must cover itself")
	}
	if a.Covers(b) {
		t.Fatal("scope for one policy must not cover another")
	}
	wild := Scope{Resource: WildcardResource, Ability: AbilityDecrypt}
	if !wild.Covers(a) {
		t.Fatal("wildcard must cover any resource")
	}
	other := Scope{Resource: a.Resource, Ability: "pkp-signing"}
	if other.Covers(a) {
		t.Fatal("different ability must not cover")
	}
}

func TestCheck(t *testing.T) { // A
	now := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	a := testScope(t, "0")
	b := testScope(t, "1")

	if err := testSet(a, now.Add(time.Minute)).Check(now, a); err != nil {
		t.Fatalf("Check valid: %v", err)
	}

	err := testSet(a, now).Check(now, a)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Check at expiry = %v, want ErrSessionExpired", err)
	}

	err = testSet(a, now.Add(time.Minute)).Check(now, b)
	if !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("Check other scope = %v, want ErrScopeMismatch", err)
	}

	var nilSet *SessionCredentialSet
	if !errors.Is(nilSet.Check(now, a), ErrNoCredentials) {
		t.Fatal("nil set must report ErrNoCredentials")
	}
}

func TestCheckExpiryWinsOverScope(t *testing.T) { // A
	now := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	set := testSet(testScope(t, "0"), now.Add(-time.Second))

	err := set.Check(now, testScope(t, "1"))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Check = %v, want ErrSessionExpired", err)
	}
}

func TestCloneDoesNotShareCredentials(t *testing.T) { // A
	set := testSet(testScope(t, "0"), time.Now().Add(time.Hour))
	cp := set.Clone()
	cp.Credentials["node-1"] = NodeCredential{NodeID: "node-1"}
	if len(set.Credentials) != 1 {
		t.Fatal("clone mutated the original credential map")
	}
}
