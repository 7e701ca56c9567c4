package container

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// overlay不可用时的完整拷贝路径：副本必须与源树完全独立
func TestCopyTreeProducesIsolatedCopy(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "mnt")

	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "sh"), []byte("#!/bin/sh"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc"), []byte("conf"), 0600))
	require.NoError(t, os.Symlink("bin/sh", filepath.Join(src, "sh")))

	require.NoError(t, copyTree(src, dst))

	// 内容与权限保留
	content, err := os.ReadFile(filepath.Join(dst, "bin", "sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh", string(content))
	fi, err := os.Stat(filepath.Join(dst, "bin", "sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), fi.Mode().Perm())
	fi, err = os.Stat(filepath.Join(dst, "etc"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	// 符号链接按链接拷贝，不展开
	link, err := os.Readlink(filepath.Join(dst, "sh"))
	require.NoError(t, err)
	assert.Equal(t, "bin/sh", link)

	// 改副本不动源树
	require.NoError(t, os.WriteFile(filepath.Join(dst, "bin", "sh"), []byte("mutated"), 0755))
	content, err = os.ReadFile(filepath.Join(src, "bin", "sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh", string(content))
}

func TestReadProcStartTimeParsesCommWithSpaces(t *testing.T) {
	setupStore(t)
	writeProcStat(t, 77, 123456)

	st, err := readProcStartTime(77)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), st)
}

func TestProcessAliveRejectsMismatch(t *testing.T) {
	setupStore(t)
	writeProcStat(t, 88, 5)

	assert.True(t, processAlive(88, 5))
	assert.False(t, processAlive(88, 6))
	assert.False(t, processAlive(0, 5))
	assert.False(t, processAlive(89, 5))
}
