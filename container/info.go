package container

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// 生成容器ID：6字节随机数的hex编码，生成后不复用
func generateContainerID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成容器ID异常: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func containerDir(id string) string {
	return filepath.Join(ContainersPath, id)
}

// RecordContainerInfo 预写容器记录，启用于任何内核对象创建之前
// 先落盘再动内核，进程中途被杀时留下的是可检出的半成品记录而非无主资源
func RecordContainerInfo(imageID string, cmdArry []string, containerName string, volume string, limits Limits) (*ContainerInfo, error) {
	containerID, err := generateContainerID()
	if err != nil {
		return nil, err
	}
	if containerName == "" {
		containerName = containerID
	}

	dirPath := containerDir(containerID)
	info := &ContainerInfo{
		Id:          containerID,
		Name:        containerName,
		ImageID:     imageID,
		Command:     strings.Join(cmdArry, " "),
		CreatedTime: time.Now().Format("2006-01-02 15:04:05"),
		Status:      CREATED,
		RootfsPath:  filepath.Join(dirPath, FsDirName, "mnt"),
		Limits:      limits,
		Volume:      volume,
	}

	// 工作副本的三层目录与记录一起建好
	for _, sub := range []string{"upper", "work", "mnt"} {
		if err := os.MkdirAll(filepath.Join(dirPath, FsDirName, sub), 0755); err != nil {
			return nil, fmt.Errorf("容器目录 %s 创建异常: %w", dirPath, err)
		}
	}
	if err := writeRecord(info); err != nil {
		return nil, err
	}
	return info, nil
}

// 记录落盘。先写临时文件再rename，读侧永远不会看到半截JSON
func writeRecord(info *ContainerInfo) error {
	jsonBytes, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("序列化容器状态信息异常: %w", err)
	}
	configPath := filepath.Join(containerDir(info.Id), ConfigName)
	tmpPath := configPath + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("写入容器状态信息异常: %w", err)
	}
	return os.Rename(tmpPath, configPath)
}

func readRecord(id string) (*ContainerInfo, error) {
	content, err := os.ReadFile(filepath.Join(containerDir(id), ConfigName))
	if err != nil {
		return nil, err
	}
	var info ContainerInfo
	if err := json.Unmarshal(content, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FinalizeContainerInfo 容器进程确认启动且根切换完成后，登记存活进程身份
// 只能在init进程到达就绪检查点之后调用，保证注册表不会出现namespace只建了一半的running记录
func FinalizeContainerInfo(id string, pid int, cgroupPath string) error {
	info, err := readRecord(id)
	if err != nil {
		return fmt.Errorf("容器 %q: %w", id, ErrNotFound)
	}
	startTime, err := readProcStartTime(pid)
	if err != nil {
		return fmt.Errorf("容器 %q: 读取进程 %d 启动指纹异常: %w", id, pid, err)
	}
	info.Pid = pid
	info.PidStartTime = startTime
	info.CgroupPath = cgroupPath
	info.Status = RUNNING
	return writeRecord(info)
}

// 读取/proc/<pid>/stat第22字段starttime。comm字段可能含空格，从右括号之后再切分
func readProcStartTime(pid int) (uint64, error) {
	content, err := os.ReadFile(filepath.Join(ProcPath, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}
	idx := bytes.LastIndexByte(content, ')')
	if idx < 0 {
		return 0, fmt.Errorf("proc stat格式异常")
	}
	fields := strings.Fields(string(content[idx+1:]))
	// 右括号后第一个字段是state(第3字段)，starttime是第22字段
	if len(fields) < 20 {
		return 0, fmt.Errorf("proc stat字段不足")
	}
	return strconv.ParseUint(fields[19], 10, 64)
}

// 进程是否仍是记录里的那一个。PID存在但启动时刻不吻合说明已被内核复用
func processAlive(pid int, startTime uint64) bool {
	if pid <= 0 {
		return false
	}
	now, err := readProcStartTime(pid)
	return err == nil && now == startTime
}

// revalidate 读取时校验running记录的存活性，指纹失配即降为exited并回写
// 记录保留，退出的容器在显式删除前始终可查
func revalidate(info *ContainerInfo) {
	if info.Status != RUNNING {
		return
	}
	if processAlive(info.Pid, info.PidStartTime) {
		return
	}
	info.Status = EXITED
	info.Pid = 0
	if err := writeRecord(info); err != nil {
		log.Errorf("更新容器 %s 状态异常: %v", info.Id, err)
	}
}

// GetContainerInfo 按ID读取单条记录并校验存活性
func GetContainerInfo(id string) (*ContainerInfo, error) {
	if _, err := os.Stat(containerDir(id)); err != nil {
		return nil, fmt.Errorf("容器 %q: %w", id, ErrNotFound)
	}
	info, err := readRecord(id)
	if err != nil {
		// 目录在而记录不可读：注册表与内核对象脱节，报告而不猜测哪边是权威
		return nil, fmt.Errorf("容器 %q: %v: %w", id, err, ErrPartialState)
	}
	revalidate(info)
	return info, nil
}

// ResolveContainer 按ID或容器名定位记录
func ResolveContainer(idOrName string) (*ContainerInfo, error) {
	if info, err := GetContainerInfo(idOrName); err == nil {
		return info, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	all, err := ListContainers()
	if err != nil {
		return nil, err
	}
	for _, info := range all {
		if info.Name == idOrName {
			return info, nil
		}
	}
	return nil, fmt.Errorf("容器 %q: %w", idOrName, ErrNotFound)
}

// ListContainers 获取全部容器记录，逐条校验存活性
// 撕裂的记录单独报告，不拖垮整个列表，也绝不自动修复
func ListContainers() ([]*ContainerInfo, error) {
	entries, err := os.ReadDir(ContainersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取目录 %s 异常: %w", ContainersPath, err)
	}

	var containers []*ContainerInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := GetContainerInfo(entry.Name())
		if err != nil {
			log.Errorf("%v", err)
			continue
		}
		containers = append(containers, info)
	}
	return containers, nil
}

// UpdateContainerInfo 整条回写记录
func UpdateContainerInfo(info *ContainerInfo) error {
	return writeRecord(info)
}

// MarkExited 容器init进程终止后落盘退出状态
func MarkExited(id string) error {
	info, err := readRecord(id)
	if err != nil {
		return fmt.Errorf("容器 %q: %w", id, ErrNotFound)
	}
	info.Status = EXITED
	info.Pid = 0
	return writeRecord(info)
}

// RemoveRecord 删除容器记录及其整个子树
func RemoveRecord(id string) error {
	if _, err := os.Stat(containerDir(id)); err != nil {
		return fmt.Errorf("容器 %q: %w", id, ErrNotFound)
	}
	return os.RemoveAll(containerDir(id))
}

// ImageInUse 是否仍有容器记录引用该镜像。任何状态的记录都算引用，包括exited
func ImageInUse(imageID string) (bool, error) {
	containers, err := ListContainers()
	if err != nil {
		return false, err
	}
	for _, info := range containers {
		if info.ImageID == imageID {
			return true, nil
		}
	}
	return false, nil
}
