package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 把注册表与proc读取重定向到临时目录
func setupStore(t *testing.T) {
	t.Helper()
	base := t.TempDir()
	oldContainers, oldProc := ContainersPath, ProcPath
	ContainersPath = filepath.Join(base, "containers")
	ProcPath = filepath.Join(base, "proc")
	require.NoError(t, os.MkdirAll(ContainersPath, 0755))
	require.NoError(t, os.MkdirAll(ProcPath, 0755))
	t.Cleanup(func() {
		ContainersPath, ProcPath = oldContainers, oldProc
	})
}

// 伪造/proc/<pid>/stat。comm带空格，检验从右括号起算的字段切分
func writeProcStat(t *testing.T, pid int, startTime uint64) {
	t.Helper()
	dir := filepath.Join(ProcPath, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0755))
	stat := fmt.Sprintf("%d (test proc) S 1 1 1 0 -1 4194560 1 0 0 0 0 0 0 0 20 0 1 0 %d 1000 1 18446744073709551615",
		pid, startTime)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0644))
}

func removeProc(t *testing.T, pid int) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(ProcPath, strconv.Itoa(pid))))
}

func TestStagedRecordThenFinalize(t *testing.T) {
	setupStore(t)

	// 预写阶段：记录先于任何内核对象存在
	info, err := RecordContainerInfo("sha256abc", []string{"sh", "-c", "top"}, "", "", Limits{Memory: "100m"})
	require.NoError(t, err)
	assert.Len(t, info.Id, 12)
	assert.Equal(t, CREATED, info.Status)
	assert.Zero(t, info.Pid)
	assert.FileExists(t, filepath.Join(ContainersPath, info.Id, ConfigName))

	// 就绪检查点之后登记存活身份
	writeProcStat(t, 1234, 42)
	require.NoError(t, FinalizeContainerInfo(info.Id, 1234, "/sys/fs/cgroup/rocker/"+info.Id))

	got, err := GetContainerInfo(info.Id)
	require.NoError(t, err)
	assert.Equal(t, RUNNING, got.Status)
	assert.Equal(t, 1234, got.Pid)
	assert.Equal(t, uint64(42), got.PidStartTime)
	assert.Equal(t, "sh -c top", got.Command)
	assert.Equal(t, "100m", got.Limits.Memory)
}

func TestLivenessRecycledPidReportsExited(t *testing.T) {
	setupStore(t)
	info, err := RecordContainerInfo("img", []string{"top"}, "", "", Limits{})
	require.NoError(t, err)
	writeProcStat(t, 1234, 42)
	require.NoError(t, FinalizeContainerInfo(info.Id, 1234, ""))

	// 同一PID被内核复用给了无关进程：启动时刻指纹不再吻合
	writeProcStat(t, 1234, 99)

	got, err := GetContainerInfo(info.Id)
	require.NoError(t, err)
	assert.Equal(t, EXITED, got.Status)
	assert.Zero(t, got.Pid)

	// 降级结果已回写，不是只在内存里装了一下
	persisted, err := readRecord(info.Id)
	require.NoError(t, err)
	assert.Equal(t, EXITED, persisted.Status)
}

func TestLivenessDeadPidReportsExited(t *testing.T) {
	setupStore(t)
	info, err := RecordContainerInfo("img", []string{"top"}, "", "", Limits{})
	require.NoError(t, err)
	writeProcStat(t, 4321, 7)
	require.NoError(t, FinalizeContainerInfo(info.Id, 4321, ""))

	removeProc(t, 4321)

	got, err := GetContainerInfo(info.Id)
	require.NoError(t, err)
	assert.Equal(t, EXITED, got.Status)
}

func TestLivenessMatchStaysRunning(t *testing.T) {
	setupStore(t)
	info, err := RecordContainerInfo("img", []string{"top"}, "", "", Limits{})
	require.NoError(t, err)
	writeProcStat(t, 555, 13)
	require.NoError(t, FinalizeContainerInfo(info.Id, 555, ""))

	got, err := GetContainerInfo(info.Id)
	require.NoError(t, err)
	assert.Equal(t, RUNNING, got.Status)
	assert.Equal(t, 555, got.Pid)
}

func TestPartialStateDetected(t *testing.T) {
	setupStore(t)
	// 目录在、记录不在：注册表与内核对象脱节，报告而不修复
	require.NoError(t, os.MkdirAll(filepath.Join(ContainersPath, "deadbeef0000"), 0755))

	_, err := GetContainerInfo("deadbeef0000")
	require.ErrorIs(t, err, ErrPartialState)

	// 撕裂记录不拖垮列表
	info, err := RecordContainerInfo("img", []string{"top"}, "", "", Limits{})
	require.NoError(t, err)
	containers, err := ListContainers()
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, info.Id, containers[0].Id)
}

func TestResolveContainerByIDAndName(t *testing.T) {
	setupStore(t)
	info, err := RecordContainerInfo("img", []string{"top"}, "web", "", Limits{})
	require.NoError(t, err)

	byID, err := ResolveContainer(info.Id)
	require.NoError(t, err)
	assert.Equal(t, info.Id, byID.Id)

	byName, err := ResolveContainer("web")
	require.NoError(t, err)
	assert.Equal(t, info.Id, byName.Id)

	_, err = ResolveContainer("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImageInUse(t *testing.T) {
	setupStore(t)
	info, err := RecordContainerInfo("sha256abc", []string{"top"}, "", "", Limits{})
	require.NoError(t, err)

	// 任何状态的记录都算引用，含exited
	require.NoError(t, MarkExited(info.Id))
	inUse, err := ImageInUse("sha256abc")
	require.NoError(t, err)
	assert.True(t, inUse)

	require.NoError(t, RemoveRecord(info.Id))
	inUse, err = ImageInUse("sha256abc")
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestRemoveRecordNotFound(t *testing.T) {
	setupStore(t)
	err := RemoveRecord("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id, err := generateContainerID()
		require.NoError(t, err)
		require.Len(t, id, 12)
		require.False(t, seen[id])
		seen[id] = true
	}
}
