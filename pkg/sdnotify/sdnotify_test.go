package sdnotify

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyNoopWithoutNotifySocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.NotPanics(t, Ready)
	assert.NotPanics(t, Reloading)
	assert.NotPanics(t, Stopping)
}

func TestInheritedListenerAbsentWithoutListenFDs(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")
	_ = os.Getpid()

	listener, err := InheritedListener()
	assert.NoError(t, err)
	assert.Nil(t, listener)
}
