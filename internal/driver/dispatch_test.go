package driver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchUnknownCommand(t *testing.T) {
	d := newDriverForTest(t)
	_, err := d.Dispatch(context.Background(), "nonexistent", nil)
	require.Error(t, err)
}

func TestDispatchPowerRoutesToDriverMethod(t *testing.T) {
	d := newDriverForTest(t)
	res, err := d.Dispatch(context.Background(), "power", json.RawMessage(`{"action":"acpi"}`))
	require.NoError(t, err)
	result, ok := res.(Result)
	require.True(t, ok)
	assert.False(t, result.OK)
	assert.Equal(t, "Disconnected", result.Error)
}

func TestDispatchMalformedArgumentsIsError(t *testing.T) {
	d := newDriverForTest(t)
	_, err := d.Dispatch(context.Background(), "power", json.RawMessage(`not json`))
	assert.Error(t, err)
}
