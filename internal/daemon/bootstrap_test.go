package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDetachedCommand verifies the child runs in its own session with the marker set
func TestDetachedCommand(t *testing.T) {
	cmd := detachedCommand("/usr/local/bin/screenledger", []string{"serve", "--config", "/etc/screenledger.yaml"})

	assert.Equal(t, []string{"/usr/local/bin/screenledger", "serve", "--config", "/etc/screenledger.yaml"}, cmd.Args)
	assert.True(t, cmd.SysProcAttr.Setsid)
	assert.Nil(t, cmd.Stdout)
	assert.Contains(t, cmd.Env, detachedEnv+"=1")
}

func TestIsDetachedChild(t *testing.T) {
	t.Setenv(detachedEnv, "")
	assert.False(t, IsDetachedChild())

	t.Setenv(detachedEnv, "1")
	assert.True(t, IsDetachedChild())
}
