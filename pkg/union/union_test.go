package union

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/determined-ai/trialsched/pkg/ptrs"
)

type optionA struct {
	Size int  `json:"size"`
	Flag bool `json:"flag"`
}

func (o *optionA) SetDefaults() {
	o.Size = 3
	o.Flag = true
}

type optionB struct {
	Name string `json:"name"`
}

type testUnion struct {
	A       *optionA `union:"type,a" json:"-"`
	B       *optionB `union:"type,b" json:"-"`
	Regular *string  `json:"regular"`
	Omitted *string  `json:"omitted,omitempty"`
}

func TestMarshalOmitEmpty(t *testing.T) {
	out, err := Marshal(testUnion{B: &optionB{Name: "x"}, Omitted: ptrs.Ptr("kept")})
	require.NoError(t, err)
	require.Equal(t, `{"name":"x","omitted":"kept","regular":null,"type":"b"}`, string(out))

	type badUnion struct {
		A       *optionA `union:"type,a" json:"-"`
		BadType *string  `json:"badType,string"`
	}
	_, err = Marshal(badUnion{A: &optionA{}, BadType: ptrs.Ptr("bad")})
	require.ErrorContains(t, err, "features not supported")
}

func TestUnmarshalAppliesDefaults(t *testing.T) {
	var u testUnion
	require.NoError(t, Unmarshal([]byte(`{"type": "a", "flag": false}`), &u))
	require.NotNil(t, u.A)
	require.Nil(t, u.B)
	require.Equal(t, 3, u.A.Size)
	require.False(t, u.A.Flag)
}

func TestUnmarshalSwitchesMember(t *testing.T) {
	u := testUnion{A: &optionA{}}
	require.NoError(t, Unmarshal([]byte(`{"type": "b", "name": "n", "regular": "r"}`), &u))
	require.Nil(t, u.A)
	require.Equal(t, "n", u.B.Name)
}

func TestUnmarshalErrors(t *testing.T) {
	var u testUnion
	require.ErrorContains(t, Unmarshal([]byte(`{"type": "c"}`), &u), "unexpected type: c")
	require.ErrorContains(t, Unmarshal([]byte(`{"type": 1}`), &u), "type must be a string")
	require.ErrorContains(t, Unmarshal([]byte(`{"type": "b", "size": 2}`), &u),
		`unknown field "size"`)
}
