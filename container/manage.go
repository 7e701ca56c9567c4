package container

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"rocker/container/cgroups"
	"rocker/nsenter"
)

// ExecContainer 重入存活容器的namespace集合执行命令
// 重入不创建任何namespace，只按存活进程的句柄加入既有的；cgroup归属随之继承，无需重建
func ExecContainer(idOrName string, cmdArry []string) error {
	info, err := ResolveContainer(idOrName)
	if err != nil {
		return err
	}
	// 存活校验不信任注册表的陈旧数据，指纹失配一律按已退出处理
	if info.Status != RUNNING || !processAlive(info.Pid, info.PidStartTime) {
		return fmt.Errorf("容器 %q: %w", info.Id, ErrContainerNotRunning)
	}

	// 重入前按创建时捕获的限制做一次一致性回写，防止限制被带外改动
	res, err := cgroups.NewResourceConfig(info.Limits.Memory, info.Limits.CPUs, info.Limits.PidsLimit)
	if err != nil {
		return fmt.Errorf("容器 %q: 记录中的限制已不合法: %w", info.Id, err)
	}
	if err := cgroups.NewCgroupManager(info.Id).Set(res); err != nil {
		log.Warnf("容器 %s 限制一致性回写异常: %v", info.Id, err)
	}

	// 通过环境变量向cgo定义的nsenter传递参数，它会在Go运行时启动前完成setns
	cmd := exec.Command("/proc/self/exe", "exec")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	containerEnvs := getEnvsByPid(info.Pid)
	cmd.Env = append(os.Environ(),
		append(containerEnvs,
			nsenter.EnvExecPid+"="+strconv.Itoa(info.Pid),
			nsenter.EnvExecCmd+"="+strings.Join(cmdArry, " "))...)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitCodeJoinFailed {
			// 任一namespace加入失败都在命令执行前整体中止，不存在半重入的进程
			return fmt.Errorf("容器 %q: %w", info.Id, ErrNamespaceJoinFailed)
		}
		return fmt.Errorf("容器 %q: 执行命令异常: %w", info.Id, err)
	}
	return nil
}

// 根据进程PID获取其environments，使重入的命令看到与容器内一致的环境
func getEnvsByPid(pid int) []string {
	path := fmt.Sprintf("%s/%d/environ", ProcPath, pid)
	contentBytes, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("读取proc文件 %s 异常: %v", path, err)
		return nil
	}
	// environ的分隔符是NUL字符
	return strings.Split(string(contentBytes), "\x00")
}

// StopContainer 向容器init进程发送SIGTERM并落盘退出状态
func StopContainer(idOrName string) error {
	info, err := ResolveContainer(idOrName)
	if err != nil {
		return err
	}
	if info.Status != RUNNING {
		log.Infof("容器 %s 已为 %s", info.Id, info.Status)
		return nil
	}
	if err := syscall.Kill(info.Pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("容器 %q: 进程 %d 中止异常: %w", info.Id, info.Pid, err)
	}
	if err := MarkExited(info.Id); err != nil {
		return err
	}
	UnmountWorkSpace(info)
	log.Infof("容器 %s 已停止", info.Id)
	return nil
}

// RemoveContainer 删除已退出的容器：工作副本、cgroup、记录依序释放
// 这是唯一回收容器资源的路径，退出的容器在此之前始终可查
func RemoveContainer(idOrName string) error {
	info, err := ResolveContainer(idOrName)
	if err != nil {
		return err
	}
	if info.Status == RUNNING {
		return fmt.Errorf("容器 %q: %w", info.Id, ErrContainerRunning)
	}
	if err := DeleteWorkSpace(info); err != nil {
		return err
	}
	// 进程已退出，cgroup应当为空；滞留时软失败并保留记录删除
	if err := cgroups.NewCgroupManager(info.Id).Destroy(); err != nil {
		log.Warnf("容器 %s cgroup销毁异常: %v", info.Id, err)
	}
	if err := RemoveRecord(info.Id); err != nil {
		return err
	}
	log.Infof("容器 %s 已删除", info.Id)
	return nil
}
