package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试桩：记录调用并按需失败的接线服务
type stubAttacher struct {
	err       error
	pid       int
	container string
	calls     int
}

func (s *stubAttacher) Attach(pid int, containerID string) error {
	s.calls++
	s.pid = pid
	s.container = containerID
	return s.err
}

func TestAttachOrDegradePassesArgs(t *testing.T) {
	stub := &stubAttacher{}
	require.NoError(t, AttachOrDegrade(stub, 4321, "abc123", false))
	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, 4321, stub.pid)
	assert.Equal(t, "abc123", stub.container)
}

func TestAttachFailureDegradesByDefault(t *testing.T) {
	// 未显式要求联网：失败只降级为无网络，run继续
	stub := &stubAttacher{err: errors.New("bus unreachable")}
	require.NoError(t, AttachOrDegrade(stub, 1, "abc123", false))
}

func TestAttachFailureFatalWhenRequired(t *testing.T) {
	stub := &stubAttacher{err: errors.New("bus unreachable")}
	err := AttachOrDegrade(stub, 1, "abc123", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "abc123")
}
