package forward_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirror-relay/relay/internal/bridge"
	"github.com/mirror-relay/relay/internal/bridge/bridgetest"
	"github.com/mirror-relay/relay/internal/forward"
)

func TestSessionID(t *testing.T) {
	id := forward.SessionID{Value: 0x1a2b}
	assert.Equal(t, "00001a2b", id.Hex())
	assert.Equal(t, "scrcpy_00001a2b", id.SocketName())

	hex := regexp.MustCompile(`^[0-9a-f]{8}$`)
	for i := 0; i < 1000; i++ {
		id := forward.NewSessionID()
		assert.Less(t, id.Value, uint32(1<<31))
		assert.Regexp(t, hex, id.Hex())
	}
}

func TestBind_RemovesThenForwards(t *testing.T) {
	r := bridgetest.New()
	r.Fail("--remove", "listener 'tcp:8888' not found")
	m := forward.NewManager(bridge.New(r, 0), zerolog.Nop())

	require.NoError(t, m.Bind(context.Background(), "abc", 8888, "scrcpy_0000beef"))
	assert.Equal(t, []string{
		"forward --remove tcp:8888",
		"-s abc forward tcp:8888 localabstract:scrcpy_0000beef",
	}, r.Calls())
}

func TestBind_Failure(t *testing.T) {
	r := bridgetest.New()
	r.Fail("localabstract", "error: device 'abc' not found")
	m := forward.NewManager(bridge.New(r, 0), zerolog.Nop())

	err := m.Bind(context.Background(), "abc", 8888, "scrcpy_0000beef")
	var fErr *forward.Error
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, "error: device 'abc' not found", fErr.Stderr)
	assert.Equal(t, 8888, fErr.LocalPort)

	var bErr *bridge.Error
	assert.ErrorAs(t, err, &bErr, "cause stays reachable")
}

func TestUnbind_BestEffort(t *testing.T) {
	r := bridgetest.New()
	r.Fail("--remove", "not found")
	m := forward.NewManager(bridge.New(r, 0), zerolog.Nop())

	m.Unbind(context.Background(), 8888)
	assert.Equal(t, []string{"forward --remove tcp:8888"}, r.Calls())
}
