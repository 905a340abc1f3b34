package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysUTF16(t *testing.T) {
	m := Map{
		"b":   Int(2),
		"a":   Int(1),
		"aa":  Int(3),
		"A":   Int(0),
		"\u00e7":   String("cedilla"),
		"\ufb03": String("ffi ligature"),
	}

	data, err := MarshalCanonical(m)
	require.NoError(t, err)
	assert.Equal(t,
		"{\"A\":0,\"a\":1,\"aa\":3,\"b\":2,\"\u00e7\":\"cedilla\",\"\ufb03\":\"ffi ligature\"}",
		string(data))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	data, err := MarshalCanonical(Map{"q": String(`a<b>&"c"`)})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&\"c\""}`, string(data))
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	// Build the same map twice with different insertion order.
	m1 := Map{}
	m1["x"] = List{Int(1), Bool(true), String("s")}
	m1["y"] = Map{"inner": Int(7)}

	m2 := Map{}
	m2["y"] = Map{"inner": Int(7)}
	m2["x"] = List{Int(1), Bool(true), String("s")}

	d1, err := MarshalCanonical(m1)
	require.NoError(t, err)
	d2, err := MarshalCanonical(m2)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestUnmarshalValue_RejectsFloatsAndNull(t *testing.T) {
	_, err := UnmarshalValue([]byte(`1.5`))
	assert.Error(t, err)

	_, err = UnmarshalValue([]byte(`null`))
	assert.Error(t, err)

	_, err = UnmarshalValue([]byte(`{"ok":1,"bad":2.5}`))
	assert.Error(t, err)

	v, err := UnmarshalValue([]byte(`{"n":42}`))
	require.NoError(t, err)
	assert.Equal(t, Map{"n": Int(42)}, v)
}

func TestMarshalCanonical_RoundTrip(t *testing.T) {
	original := Map{
		"permissions": List{
			Map{"field": String("Account.Rating"), "editable": Bool(false)},
			Map{"field": String("Account.Owner"), "editable": Bool(true)},
		},
		"count": Int(9),
	}

	data, err := MarshalCanonical(original)
	require.NoError(t, err)

	parsed, err := UnmarshalValue(data)
	require.NoError(t, err)

	again, err := MarshalCanonical(parsed)
	require.NoError(t, err)
	assert.Equal(t, data, again, "canonical form must be a fixed point")
}

func TestRegionHash_InsensitiveToKeyOrder(t *testing.T) {
	a := Map{"one": Int(1), "two": Int(2), "three": Int(3)}
	b := Map{"three": Int(3), "one": Int(1), "two": Int(2)}

	ha, err := RegionHash(a)
	require.NoError(t, err)
	hb, err := RegionHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	hc, err := RegionHash(Map{"one": Int(1), "two": Int(2), "three": Int(4)})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}
