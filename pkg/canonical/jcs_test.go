package canonical

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	wpjcs "github.com/gowebpki/jcs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_KeyOrderingAndEscaping(t *testing.T) {
	got, err := JCS(map[string]interface{}{
		"b":   1,
		"a":   "x",
		"url": "https://example.com/?a=1&b=<2>",
	})
	require.NoError(t, err)
	// Keys sorted, HTML characters not escaped.
	assert.Equal(t, `{"a":"x","b":1,"url":"https://example.com/?a=1&b=<2>"}`, string(got))
}

func TestJCS_NumberFormatting(t *testing.T) {
	cases := map[string]string{
		`0`:          "0",
		`1`:          "1",
		`-17`:        "-17",
		`0.5`:        "0.5",
		`0.1`:        "0.1",
		`1.0`:        "1",
		`1e21`:       "1e+21",
		`0.000001`:   "0.000001",
		`1e-7`:       "1e-7",
		`123456789`:  "123456789",
		`2.5e-10`:    "2.5e-10",
		`-1234.5678`: "-1234.5678",
	}
	for in, want := range cases {
		var v interface{}
		dec := json.NewDecoder(jsonReader(in))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&v), in)
		got, err := JCS(v)
		require.NoError(t, err, in)
		assert.Equal(t, want, string(got), "input %s", in)
	}
}

func TestJCS_RejectsNonFinite(t *testing.T) {
	_, err := JCS(map[string]interface{}{"bad": json.Number("1e400")})
	require.Error(t, err)
	var ce *CanonicalizeError
	assert.ErrorAs(t, err, &ce)
}

func TestJCS_NullAndNesting(t *testing.T) {
	got, err := JCS(map[string]interface{}{
		"z": nil,
		"a": []interface{}{true, false, nil, "s"},
		"m": map[string]interface{}{"y": 2, "x": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[true,false,null,"s"],"m":{"x":1,"y":2},"z":null}`, string(got))
}

func TestJCS_StructTagsRespected(t *testing.T) {
	type doc struct {
		B string `json:"beta"`
		A string `json:"alpha"`
		C string `json:"-"`
	}
	got, err := JCS(doc{B: "2", A: "1", C: "dropped"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"1","beta":"2"}`, string(got))
}

// The RFC 8785 reference transform and our implementation must agree byte
// for byte on anything either side would emit.
func TestJCS_MatchesReferenceTransform(t *testing.T) {
	inputs := []string{
		`{"b":1,"a":"x"}`,
		`{"nested":{"z":[1,2,3],"a":{"k":"v"}},"top":true}`,
		`{"num":0.1,"big":1e21,"small":0.000001,"neg":-42}`,
		`{"unicode":"héllo   world","tab":"a\tb","quote":"\""}`,
		`[null,true,false,"",0,{"":"empty key"}]`,
		`{"amounts":[1250,99,0],"currency":"USD","settled":false}`,
	}
	for _, raw := range inputs {
		want, err := wpjcs.Transform([]byte(raw))
		require.NoError(t, err, raw)

		var v interface{}
		dec := json.NewDecoder(jsonReader(raw))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&v), raw)
		got, err := JCS(v)
		require.NoError(t, err, raw)

		assert.Equal(t, string(want), string(got), "input %s", raw)
	}
}

func TestJCS_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("deterministic", prop.ForAll(
		func(m map[string]int64) bool {
			a, err1 := JCS(m)
			b, err2 := JCS(m)
			return err1 == nil && err2 == nil && string(a) == string(b)
		},
		gen.MapOf(gen.Identifier(), gen.Int64()),
	))

	properties.Property("canonical form is a fixpoint", prop.ForAll(
		func(m map[string]string) bool {
			first, err := JCS(m)
			if err != nil {
				return false
			}
			var decoded interface{}
			dec := json.NewDecoder(jsonReader(string(first)))
			dec.UseNumber()
			if err := dec.Decode(&decoded); err != nil {
				return false
			}
			second, err := JCS(decoded)
			return err == nil && string(first) == string(second)
		},
		gen.MapOf(gen.Identifier(), gen.AnyString()),
	))

	properties.Property("agrees with the reference transform", prop.ForAll(
		func(m map[string]int64) bool {
			raw, err := json.Marshal(m)
			if err != nil {
				return false
			}
			want, err := wpjcs.Transform(raw)
			if err != nil {
				return false
			}
			got, err := JCS(m)
			return err == nil && string(got) == string(want)
		},
		gen.MapOf(gen.Identifier(), gen.Int64()),
	))

	properties.TestingRun(t)
}

func TestCanonicalHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashBytes_KnownVector(t *testing.T) {
	// SHA-256 of the empty string.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}

func jsonReader(s string) io.Reader { return strings.NewReader(s) }

func TestHMAC_SignAndVerify(t *testing.T) {
	secret := []byte("whsec_test")
	msg := []byte("1700000000\n{\"id\":\"obx_1\"}")
	sig := HMACHex(secret, msg)
	assert.True(t, HMACEqual(secret, msg, sig))
	assert.False(t, HMACEqual(secret, []byte("tampered"), sig))
	assert.False(t, HMACEqual([]byte("other"), msg, sig))
	assert.False(t, HMACEqual(secret, msg, "not-hex"))
}
