package container

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// NewWorkSpace 基于镜像rootfs为容器构建私有工作副本
// 优先overlay写时复制：镜像层只读做lowerdir，容器写入全部落在upper层，
// 同一镜像起多个容器互不可见也动不了镜像本体。宿主文件系统不支持overlay时退化为完整拷贝
func NewWorkSpace(info *ContainerInfo, imageRootfs string) error {
	base := filepath.Join(containerDir(info.Id), FsDirName)
	upper := filepath.Join(base, "upper")
	work := filepath.Join(base, "work")
	mnt := filepath.Join(base, "mnt")

	dirs := "lowerdir=" + imageRootfs + ",upperdir=" + upper + ",workdir=" + work
	if err := syscall.Mount("overlay", mnt, "overlay", 0, dirs); err != nil {
		log.Warnf("overlay挂载失败，退化为完整拷贝: %v", err)
		if err := copyTree(imageRootfs, mnt); err != nil {
			return fmt.Errorf("容器 %q: 工作副本拷贝异常: %w", info.Id, err)
		}
	}

	if info.Volume != "" {
		volumePaths := strings.Split(info.Volume, ":")
		if len(volumePaths) == 2 && volumePaths[0] != "" && volumePaths[1] != "" {
			if err := mountVolume(volumePaths, mnt); err != nil {
				return err
			}
			log.Infof("容器持久化路径 %q 挂载成功", volumePaths)
		} else {
			return fmt.Errorf("容器持久化挂载参数 %q 错误", info.Volume)
		}
	}

	return nil
}

// 实现宿主机与容器内部目录挂载
func mountVolume(volumePaths []string, mnt string) error {
	parentPath := volumePaths[0]
	if err := os.MkdirAll(parentPath, 0777); err != nil {
		return fmt.Errorf("宿主机目录 %s 创建异常: %w", parentPath, err)
	}
	containerVolumePath := filepath.Join(mnt, volumePaths[1])
	if err := os.MkdirAll(containerVolumePath, 0777); err != nil {
		return fmt.Errorf("容器目录 %s 创建异常: %w", containerVolumePath, err)
	}
	if err := syscall.Mount(parentPath, containerVolumePath, "bind", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("用户文件挂载点创建异常: %w", err)
	}
	return nil
}

// UnmountWorkSpace 容器退出后卸载挂载点，upper层保留以便检视
func UnmountWorkSpace(info *ContainerInfo) {
	mnt := filepath.Join(containerDir(info.Id), FsDirName, "mnt")
	if info.Volume != "" {
		volumePaths := strings.Split(info.Volume, ":")
		if len(volumePaths) == 2 {
			_ = syscall.Unmount(filepath.Join(mnt, volumePaths[1]), syscall.MNT_DETACH)
		}
	}
	// 使用延迟卸载，避免因挂载点繁忙导致失败
	_ = syscall.Unmount(mnt, syscall.MNT_DETACH)
}

// DeleteWorkSpace 卸载并删除容器工作副本。用户挂载的宿主机目录本体不动
func DeleteWorkSpace(info *ContainerInfo) error {
	UnmountWorkSpace(info)
	base := filepath.Join(containerDir(info.Id), FsDirName)
	if err := os.RemoveAll(base); err != nil {
		return fmt.Errorf("删除工作副本 %s 异常: %w", base, err)
	}
	return nil
}

// copyTree 递归拷贝目录树，保留权限与符号链接。overlay不可用时的完整拷贝路径
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case fi.IsDir():
			return os.MkdirAll(target, fi.Mode().Perm())
		case fi.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case fi.Mode().IsRegular():
			return copyFile(path, target, fi.Mode().Perm())
		default:
			// 设备节点等特殊文件跳过，镜像里本就不该带
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
