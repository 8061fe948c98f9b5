package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

func testEnvelope(t *testing.T) EncryptedEnvelope { // A
	t.Helper()
	p, err := policy.New(policy.NativeBalanceAtLeast("ethereum", "0"))
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("Irys + Lit is fire"))
	return EncryptedEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString([]byte("opaque")),
		DataHash:   hex.EncodeToString(sum[:]),
		Policy:     p,
	}
}

func TestMarshalLayout(t *testing.T) { // A
	e := testEnvelope(t)
	b, err := e.Marshal()
	require.NoError(t, err)

	s := string(b)
	require.True(t, strings.HasPrefix(s, `{"cipherText":"`), s)
	require.Contains(t, s, `"dataToEncryptHash":"`+e.DataHash+`"`)
	require.Contains(t, s, `"accessControlConditions":[{"contractAddress":""`)
	require.False(t, strings.HasSuffix(s, "\n"))
}

func TestRoundTripIsByteIdentical(t *testing.T) { // A
	e := testEnvelope(t)
	first, err := e.Marshal()
	require.NoError(t, err)

	back, err := Unmarshal(first)
	require.NoError(t, err)
	require.True(t, e.Equal(back))

	second, err := back.Marshal()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestUnmarshalRejects(t *testing.T) { // A
	good, err := testEnvelope(t).Marshal()
	require.NoError(t, err)

	for name, in := range map[string]string{
		"empty":     "",
		"not json":  "nope",
		"truncated": string(good[:len(good)/2]),
		"trailing":  string(good) + "{}",
		"unknown":   strings.Replace(string(good), `{"cipherText"`, `{"extra":1,"cipherText"`, 1),
		"no hash":   `{"cipherText":"eA==","accessControlConditions":[]}`,
		"bad hash":  strings.Replace(string(good), `"dataToEncryptHash":"`, `"dataToEncryptHash":"zz`, 1),
		"no policy": `{"cipherText":"eA==","dataToEncryptHash":"` + strings.Repeat("ab", 32) + `"}`,
	} {
		if _, err := Unmarshal([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: Unmarshal = %v, want ErrMalformed", name, err)
		}
	}
}

func TestMarshalValidates(t *testing.T) { // A
	e := testEnvelope(t)
	e.Policy = nil
	_, err := e.Marshal()
	require.ErrorIs(t, err, ErrMalformed)
	require.ErrorIs(t, err, policy.ErrEmptyPolicy)
}

func TestEqualDetectsPolicySwap(t *testing.T) { // A
	a := testEnvelope(t)
	b := a.Clone()
	b.Policy[0].ReturnValueTest.Value = "1"
	require.False(t, a.Equal(b))
	require.Equal(t, "0", a.Policy[0].ReturnValueTest.Value, "clone shares policy")
}

func TestRoundTripProperty(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		ct := rapid.SliceOfN(rapid.Byte(), 1, 256).Draw(t, "ciphertext")
		hash := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "hash")
		minWei := rapid.StringMatching(`[0-9]{1,30}`).Draw(t, "minWei")
		chain := rapid.SampledFrom(policy.Chains()).Draw(t, "chain")

		p, err := policy.New(policy.NativeBalanceAtLeast(chain, minWei))
		if err != nil {
			t.Fatalf("policy: %v", err)
		}
		e := EncryptedEnvelope{
			Ciphertext: base64.StdEncoding.EncodeToString(ct),
			DataHash:   hex.EncodeToString(hash),
			Policy:     p,
		}
		b, err := e.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		back, err := Unmarshal(b)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		again, err := back.Marshal()
		if err != nil {
			t.Fatalf("re-marshal: %v", err)
		}
		if string(b) != string(again) {
			t.Fatalf("not byte identical:\n%s\n%s", b, again)
		}
	})
}
