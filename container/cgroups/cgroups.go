package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	log "github.com/sirupsen/logrus"
)

const (
	cgroupProcsFile   = "cgroup.procs"       // v2进程管理文件
	cgroupControllers = "cgroup.controllers" // 父节点已委派的控制器列表
	cgroupMemoryMax   = "memory.max"         // 内存限制文件
	cgroupCPUMax      = "cpu.max"            // CPU配额文件，格式: quota period
	cgroupPidsMax     = "pids.max"           // 进程数限制文件
	cpuPeriod         = 100000
)

var (
	ErrInvalidLimit          = errors.New("InvalidLimit")
	ErrControllerUnavailable = errors.New("ControllerUnavailable")
)

// CgroupRoot v2统一挂载点下本运行时的父节点，每个容器一个叶子（测试可覆写）
var CgroupRoot = "/sys/fs/cgroup/rocker"

// ResourceConfig 统一资源配置，均为解析校验后的值，零值表示不限制
type ResourceConfig struct {
	MemoryBytes uint64
	CPUs        float64
	PidsMax     int
}

// NewResourceConfig 解析并校验run的限制入参
// 非法值必须在任何namespace操作之前失败，坏参数不能产生启动了一半的容器
func NewResourceConfig(mem string, cpus float64, pids int) (*ResourceConfig, error) {
	res := &ResourceConfig{}
	if mem != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(mem)); err != nil || v.Bytes() == 0 {
			return nil, fmt.Errorf("内存限制 %q: %w", mem, ErrInvalidLimit)
		}
		res.MemoryBytes = v.Bytes()
	}
	if cpus < 0 {
		return nil, fmt.Errorf("cpu限制 %v: %w", cpus, ErrInvalidLimit)
	}
	res.CPUs = cpus
	if pids < 0 {
		return nil, fmt.Errorf("进程数限制 %d: %w", pids, ErrInvalidLimit)
	}
	res.PidsMax = pids
	return res, nil
}

// Check 校验父节点已委派cpu/memory/pids控制器
// 缺失是运行时级别的失败，而不是建到某个容器才暴露的问题
func Check() error {
	content, err := os.ReadFile(path.Join(path.Dir(CgroupRoot), cgroupControllers))
	if err != nil {
		return fmt.Errorf("cgroup v2统一层级不可用: %v: %w", err, ErrControllerUnavailable)
	}
	available := make(map[string]bool)
	for _, name := range strings.Fields(string(content)) {
		available[name] = true
	}
	for _, need := range []string{"cpu", "memory", "pids"} {
		if !available[need] {
			return fmt.Errorf("控制器 %q 未委派: %w", need, ErrControllerUnavailable)
		}
	}
	return nil
}

type CgroupManager struct {
	Path string // 相对CgroupRoot的叶子路径，即容器ID
}

func NewCgroupManager(containerID string) *CgroupManager {
	return &CgroupManager{Path: containerID}
}

func (c *CgroupManager) FullPath() string {
	return path.Join(CgroupRoot, c.Path)
}

// Create 在本运行时的父节点下新建叶子
func (c *CgroupManager) Create() (string, error) {
	fullPath := c.FullPath()
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("create cgroup dir failed: %w", err)
	}
	return fullPath, nil
}

// Set 将限制写入各控制器接口文件。未给出的限制保持层级继承的默认值，不人为设上限
func (c *CgroupManager) Set(res *ResourceConfig) error {
	fullPath := c.FullPath()

	if res.MemoryBytes > 0 {
		target := path.Join(fullPath, cgroupMemoryMax)
		if err := os.WriteFile(target, []byte(strconv.FormatUint(res.MemoryBytes, 10)), 0644); err != nil {
			return fmt.Errorf("set memory limit failed: %w", err)
		}
	}

	if res.CPUs > 0 {
		target := path.Join(fullPath, cgroupCPUMax)
		content := fmt.Sprintf("%d %d", int64(res.CPUs*cpuPeriod), cpuPeriod)
		if err := os.WriteFile(target, []byte(content), 0644); err != nil {
			return fmt.Errorf("set cpu quota failed: %w", err)
		}
	}

	if res.PidsMax > 0 {
		target := path.Join(fullPath, cgroupPidsMax)
		if err := os.WriteFile(target, []byte(strconv.Itoa(res.PidsMax)), 0644); err != nil {
			return fmt.Errorf("set pids limit failed: %w", err)
		}
	}

	return nil
}

// Apply 添加进程到cgroup。必须在该进程exec用户命令之前完成，限制不允许有空窗
func (c *CgroupManager) Apply(pid int) error {
	targetFile := path.Join(c.FullPath(), cgroupProcsFile)
	if err := os.WriteFile(targetFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to add process %d to cgroup: %w", pid, err)
	}
	return nil
}

// Destroy 删除cgroup叶子。仍有进程滞留时软失败：报告但不中止调用方的删除流程
func (c *CgroupManager) Destroy() error {
	fullPath := c.FullPath()
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(fullPath); err != nil {
		log.Warnf("remove cgroup %s failed: %v", fullPath, err)
	}
	return nil
}
