package cgroups

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 把cgroup层级重定向到临时目录
func setupCgroupRoot(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	old := CgroupRoot
	CgroupRoot = filepath.Join(base, "rocker")
	t.Cleanup(func() { CgroupRoot = old })
	return base
}

func TestNewResourceConfig(t *testing.T) {
	res, err := NewResourceConfig("100m", 0.5, 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(100*1024*1024), res.MemoryBytes)
	assert.Equal(t, 0.5, res.CPUs)
	assert.Equal(t, 64, res.PidsMax)

	// 全部缺省即不限制
	res, err = NewResourceConfig("", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, res.MemoryBytes)
	assert.Zero(t, res.CPUs)
	assert.Zero(t, res.PidsMax)
}

func TestNewResourceConfigInvalid(t *testing.T) {
	// 坏参数必须在任何namespace操作前失败
	_, err := NewResourceConfig("12xyz", 0, 0)
	require.ErrorIs(t, err, ErrInvalidLimit)

	_, err = NewResourceConfig("", -1, 0)
	require.ErrorIs(t, err, ErrInvalidLimit)

	_, err = NewResourceConfig("", 0, -5)
	require.ErrorIs(t, err, ErrInvalidLimit)
}

func TestCheckControllers(t *testing.T) {
	base := setupCgroupRoot(t)

	// 父节点文件缺失：统一层级不可用
	require.ErrorIs(t, Check(), ErrControllerUnavailable)

	// 控制器不齐
	require.NoError(t, os.WriteFile(filepath.Join(base, "cgroup.controllers"), []byte("cpuset cpu memory"), 0644))
	require.ErrorIs(t, Check(), ErrControllerUnavailable)

	// 齐了
	require.NoError(t, os.WriteFile(filepath.Join(base, "cgroup.controllers"), []byte("cpuset cpu io memory pids"), 0644))
	require.NoError(t, Check())
}

func TestSetWritesControllerFiles(t *testing.T) {
	setupCgroupRoot(t)
	mgr := NewCgroupManager("abc123")
	fullPath, err := mgr.Create()
	require.NoError(t, err)

	res, err := NewResourceConfig("100m", 1.5, 32)
	require.NoError(t, err)
	require.NoError(t, mgr.Set(res))

	content, err := os.ReadFile(filepath.Join(fullPath, "memory.max"))
	require.NoError(t, err)
	assert.Equal(t, "104857600", string(content))

	content, err = os.ReadFile(filepath.Join(fullPath, "cpu.max"))
	require.NoError(t, err)
	assert.Equal(t, "150000 100000", string(content))

	content, err = os.ReadFile(filepath.Join(fullPath, "pids.max"))
	require.NoError(t, err)
	assert.Equal(t, "32", string(content))
}

func TestSetOmittedLimitsLeaveDefaults(t *testing.T) {
	setupCgroupRoot(t)
	mgr := NewCgroupManager("abc123")
	fullPath, err := mgr.Create()
	require.NoError(t, err)

	res, err := NewResourceConfig("", 0, 0)
	require.NoError(t, err)
	require.NoError(t, mgr.Set(res))

	// 未给出的限制不写文件，保持层级继承的默认值
	assert.NoFileExists(t, filepath.Join(fullPath, "memory.max"))
	assert.NoFileExists(t, filepath.Join(fullPath, "cpu.max"))
	assert.NoFileExists(t, filepath.Join(fullPath, "pids.max"))
}

func TestApplyWritesPid(t *testing.T) {
	setupCgroupRoot(t)
	mgr := NewCgroupManager("abc123")
	fullPath, err := mgr.Create()
	require.NoError(t, err)

	require.NoError(t, mgr.Apply(4321))
	content, err := os.ReadFile(filepath.Join(fullPath, "cgroup.procs"))
	require.NoError(t, err)
	assert.Equal(t, "4321", string(content))
}

func TestDestroy(t *testing.T) {
	setupCgroupRoot(t)
	mgr := NewCgroupManager("abc123")
	fullPath, err := mgr.Create()
	require.NoError(t, err)

	require.NoError(t, mgr.Destroy())
	assert.NoDirExists(t, fullPath)

	// 不存在时幂等
	require.NoError(t, mgr.Destroy())
}

func TestDestroySoftFailure(t *testing.T) {
	setupCgroupRoot(t)
	mgr := NewCgroupManager("abc123")
	fullPath, err := mgr.Create()
	require.NoError(t, err)
	// 叶子里还有东西时删不掉：软失败，报告但不中止调用方
	require.NoError(t, os.WriteFile(filepath.Join(fullPath, "cgroup.procs"), []byte("999"), 0644))

	require.NoError(t, mgr.Destroy())
	assert.DirExists(t, fullPath)
}
