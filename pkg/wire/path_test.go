package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		depth int
	}{
		{"/", "/", 0},
		{"", "/", 0},
		{"/3", "/3", 1},
		{"/3/0", "/3/0", 2},
		{"/3/0/15", "/3/0/15", 3},
		{"/3/0/7/1", "/3/0/7/1", 4},
		{"/1/0/", "/1/0", 2},
	}
	for _, tt := range tests {
		p, err := ParsePath(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, p.String())
		assert.Equal(t, tt.depth, p.Depth())
	}
}

func TestParsePathErrors(t *testing.T) {
	for _, in := range []string{"3/0", "/a", "/3/0/1/2/3", "/70000", "/3//0"} {
		_, err := ParsePath(in)
		assert.ErrorIs(t, err, ErrInvalidPath, in)
	}
}

func TestPathRelations(t *testing.T) {
	res := MustParsePath("/3/0/15")
	assert.True(t, res.StartsWith(MustParsePath("/3")))
	assert.True(t, res.StartsWith(RootPath))
	assert.True(t, res.StartsWith(res))
	assert.False(t, res.StartsWith(MustParsePath("/3/1")))
	assert.False(t, MustParsePath("/3").StartsWith(res))

	assert.Equal(t, MustParsePath("/3/0"), res.Parent())
	assert.Equal(t, RootPath, RootPath.Parent())

	child, err := res.Append(2)
	require.NoError(t, err)
	assert.True(t, child.IsResourceInstance())
	_, err = child.Append(1)
	assert.ErrorIs(t, err, ErrInvalidPath)

	obj, ok := res.ObjectID()
	assert.True(t, ok)
	assert.Equal(t, uint16(3), obj)
	_, ok = MustParsePath("/3").InstanceID()
	assert.False(t, ok)
}

func TestPathAsMapKey(t *testing.T) {
	m := map[Path]int{}
	m[MustParsePath("/3/0/15")] = 1
	m[NewPath(3, 0, 15)]++
	assert.Len(t, m, 1)
	assert.Equal(t, 2, m[MustParsePath("/3/0/15")])
}

func TestPathText(t *testing.T) {
	var p Path
	require.NoError(t, p.UnmarshalText([]byte("/1/0")))
	text, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "/1/0", string(text))
}
