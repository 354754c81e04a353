package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/powerslides/protocol"
)

func TestEmptyFilterAcceptsAll(t *testing.T) {
	f, err := Compile("")
	require.NoError(t, err)
	ok, err := f.Allow(Env{Type: "next"})
	require.NoError(t, err)
	assert.True(t, ok)

	var nilFilter *Filter
	ok, err = nilFilter.Allow(Env{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilter(t *testing.T) {
	f, err := Compile(`Type != "open_present" && Age < 30000`)
	require.NoError(t, err)

	now := time.UnixMilli(100000)
	state := &protocol.StateSnapshot{Current: protocol.Int(2), Total: protocol.Int(10)}

	ok, err := f.Allow(NewEnv(protocol.Command{Type: protocol.CommandNext, At: 90000}, state, now))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Allow(NewEnv(protocol.Command{Type: protocol.CommandOpenPresent, At: 90000}, state, now))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.Allow(NewEnv(protocol.Command{Type: protocol.CommandNext, At: 1000}, state, now))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterOnState(t *testing.T) {
	f, err := Compile(`Type != "next" || Current < Total`)
	require.NoError(t, err)
	now := time.Now()

	ok, err := f.Allow(NewEnv(protocol.Command{Type: protocol.CommandNext}, &protocol.StateSnapshot{Current: protocol.Int(10), Total: protocol.Int(10)}, now))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.Allow(NewEnv(protocol.Command{Type: protocol.CommandPrevious}, &protocol.StateSnapshot{Current: protocol.Int(10), Total: protocol.Int(10)}, now))
	require.NoError(t, err)
	assert.True(t, ok)

	env := NewEnv(protocol.Command{Type: protocol.CommandNext, From: "watch"}, nil, now)
	assert.Equal(t, 0, env.Total)
	assert.Equal(t, "watch", env.From)
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile(`Unknown == 1`)
	assert.Error(t, err)
	_, err = Compile(`Current + 1`)
	assert.Error(t, err)
	f, err := Compile(`From startsWith "ops"`)
	require.NoError(t, err)
	assert.Equal(t, `From startsWith "ops"`, f.String())
}
