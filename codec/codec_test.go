package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reserveArgs struct {
	User  string   `json:"user"`
	Nodes []string `json:"nodes"`
	Hours int      `json:"hours"`
}

func TestJSONCodec(t *testing.T) {
	c := Default

	in := reserveArgs{User: "alice", Nodes: []string{"computer1", "computer2"}, Hours: 4}
	data, err := c.Encode(&in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"alice","nodes":["computer1","computer2"],"hours":4}`, string(data))

	var out reserveArgs
	require.NoError(t, c.Decode(data, &out))
	assert.Equal(t, in, out)
}

func TestJSONCodecDecodeGarbage(t *testing.T) {
	var out reserveArgs
	assert.Error(t, Default.Decode([]byte("{not json"), &out))
}
