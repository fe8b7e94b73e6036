package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildResponseUsesPayloadID(t *testing.T) {
	payload, err := DecodeObject(`{"Id":5,"Did":7}`)
	require.NoError(t, err)
	reply, err := DecodeObject(`{"code":200}`)
	require.NoError(t, err)

	data, err := Encode(BuildResponse(payload, reply))
	require.NoError(t, err)
	assert.Equal(t, `{"Id":5,"c":200,"Did":7}`+"\n", string(data))
}

func TestBuildResponseFallsBackToBackendID(t *testing.T) {
	payload, err := DecodeObject(`{"Ans":"A","Did":7}`)
	require.NoError(t, err)
	reply, err := DecodeObject(`{"code":200,"id":99}`)
	require.NoError(t, err)

	data, err := Encode(BuildResponse(payload, reply))
	require.NoError(t, err)
	assert.Equal(t, `{"Id":99,"c":200,"Did":7}`+"\n", string(data))
}

func TestBuildResponseDefaults(t *testing.T) {
	data, err := Encode(BuildResponse(map[string]interface{}{"Ans": "A"}, map[string]interface{}{}))
	require.NoError(t, err)
	assert.Equal(t, `{"Id":0,"c":0,"Did":0}`+"\n", string(data))
}
