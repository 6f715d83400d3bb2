package types

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riot-framework/riot-core/errcode"
)

func TestParseCommandFromMap(t *testing.T) {
	c, err := ParseCommand(map[string]any{"op": "pulse", "pulse_ms": []int{100, 0, 50}})
	require.NoError(t, err)
	cmd, err := c.Decode()
	require.NoError(t, err)
	assert.Equal(t, PulseMillis(100, 0, 50), cmd)
}

func TestParseCommandFromCBOR(t *testing.T) {
	v := 0.5
	b, err := cbor.Marshal(Command{Op: OpValue, Value: &v})
	require.NoError(t, err)

	c, err := ParseCommand(b)
	require.NoError(t, err)
	cmd, err := c.Decode()
	require.NoError(t, err)
	assert.Equal(t, Value(0.5), cmd)
}

func TestDecodeErrors(t *testing.T) {
	_, err := ParseCommand(map[string]any{"state": "high"})
	assert.True(t, errors.Is(err, errcode.InvalidPayload))

	_, err = Command{Op: OpValue}.Decode()
	assert.True(t, errors.Is(err, errcode.InvalidParams))

	_, err = Command{Op: "launch"}.Decode()
	assert.True(t, errors.Is(err, errcode.UnsupportedOperation))

	cmd, err := Command{Op: OpSet, State: "toggle"}.Decode()
	require.NoError(t, err)
	assert.Equal(t, StateToggle, cmd)
}
