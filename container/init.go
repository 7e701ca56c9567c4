package container

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// NewContainerProcess 创建容器init进程（不启动）
// 返回命令管道写端与就绪管道读端：容器进程在根切换完成后向fd4写一个就绪字节，
// 之后阻塞在fd3上等待用户命令。父进程只有在登记记录并完成cgroup attach后才发送命令，
// 因此用户命令开始执行时限制必然已经生效
func NewContainerProcess(info *ContainerInfo, createTTY bool) (*exec.Cmd, *os.File, *os.File, error) {
	// 容器进程与宿主机进程通过管道互相传递参数。命令管道容器读宿主写，就绪管道反之
	cmdRead, cmdWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("管道创建异常: %w", err)
	}
	readyRead, readyWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("管道创建异常: %w", err)
	}

	initCmd, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("获取初始化进程异常: %w", err)
	}

	// 通过/proc/self/exe再调用自身并传递init，在全新namespace集合中启动容器init
	cmd := exec.Command(initCmd, "init")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUTS | // 主机名与域名隔离
			syscall.CLONE_NEWNET | // 网络namespace仅在此创建，接线交给外部服务
			syscall.CLONE_NEWPID | // 独立PID空间
			syscall.CLONE_NEWIPC | // System V IPC与POSIX消息队列隔离
			syscall.CLONE_NEWNS, // mount挂载视图独立
	}
	if createTTY {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	// 一般文件描述符有3个，这里手动追加：fd3命令管道读端，fd4就绪管道写端
	cmd.ExtraFiles = []*os.File{cmdRead, readyWrite}
	cmd.Dir = info.RootfsPath // init进程以工作副本挂载点为起始目录
	cmd.Env = append(os.Environ(), EnvContainerID+"="+info.Id)

	return cmd, cmdWrite, readyRead, nil
}

// RunContainerInitProcess 初始化容器进程。在新namespace集合内执行：
// 根切换 -> 设置主机名 -> 发出就绪信号 -> 等待放行 -> exec用户命令
func RunContainerInitProcess() error {
	if err := setupMount(); err != nil {
		log.Errorf("%v", err)
		return err
	}

	if id := os.Getenv(EnvContainerID); id != "" {
		if err := syscall.Sethostname([]byte(id)); err != nil {
			log.Warnf("设置容器主机名异常: %v", err)
		}
	}

	// 就绪检查点：此后注册表才允许出现running记录
	ready := os.NewFile(uintptr(4), "ready")
	if _, err := ready.Write([]byte{0}); err != nil {
		return fmt.Errorf("就绪管道写入异常: %w", err)
	}
	_ = ready.Close()

	// 阻塞等待父进程放行。父进程完成finalize与cgroup attach后才会写入并关闭命令管道
	cmdArry := readCommand()
	if len(cmdArry) == 0 {
		return fmt.Errorf("运行容器参数异常, command参数为空")
	}

	// 寻找命令绝对路径避免异常，例如sh实际为/bin/sh
	path, err := exec.LookPath(cmdArry[0])
	if err != nil {
		log.Errorf("容器命令 %q 不存在: %v", cmdArry[0], err)
		os.Exit(ExitCodeNotFound)
	}

	// syscall.Exec将用户命令替换掉init进程，使其成为隔离空间内的1号进程
	if err := syscall.Exec(path, cmdArry, os.Environ()); err != nil {
		log.Errorf("容器命令执行异常: %v", err)
		os.Exit(ExitCodeExecErr)
	}
	return nil
}

// 从文件描述符获取命令管道并读取args
func readCommand() []string {
	pipe := os.NewFile(uintptr(3), "pipe")
	defer pipe.Close()
	msg, err := io.ReadAll(pipe)
	if err != nil {
		log.Errorf("初始化命令管道读取异常: %v", err)
		return nil
	}
	msgStr := strings.TrimSpace(string(msg))
	if msgStr == "" {
		return nil
	}
	return strings.Split(msgStr, " ")
}

// 设置容器环境的初始挂载
func setupMount() error {
	nowPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("当前路径获取异常: %v", err)
	}

	// 使用pivotRoot实现基于根的完整隔离。此后容器内任何路径都无法触达宿主机文件系统
	if err := pivotRoot(nowPath); err != nil {
		return fmt.Errorf("pivotRoot挂载失败: %v", err)
	}

	// MS_NOEXEC 本文件系统中不允许运行其他程序
	// MS_NOSUID 运行程序时不允许set-user-id与set-group-id
	// MS_NODEV 禁止访问挂载文件系统中的设备文件
	defaultMountFlags := syscall.MS_NOEXEC | syscall.MS_NOSUID | syscall.MS_NODEV

	// 基于已隔离的mount namespace再挂载，只对自身可见
	if err := syscall.Mount("proc", "/proc", "proc", uintptr(defaultMountFlags), ""); err != nil {
		return fmt.Errorf("proc挂载异常: %v", err)
	}
	// tmpfs挂到/dev，内存态、临时且安全
	if err := syscall.Mount("tmpfs", "/dev", "tmpfs", syscall.MS_NOSUID|syscall.MS_STRICTATIME, "mode=755"); err != nil {
		return fmt.Errorf("tmpfs挂载异常: %v", err)
	}

	return nil
}

// 改变当前进程的根文件系统
func pivotRoot(path string) error {
	// mount namespace只隔离了挂载视图，容器内的/仍指向宿主机根文件系统
	// pivot_root使工作副本在逻辑上与宿主机彻底分离

	// 把自身bind挂载一次，让新根成为独立挂载点
	if err := syscall.Mount(path, path, "bind", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("mount rootfs to itself error: %v", err)
	}

	// 旧根的暂存位置
	pivotDir := filepath.Join(path, ".pivot_root")
	if err := os.Mkdir(pivotDir, 0777); err != nil && !os.IsExist(err) {
		return err
	}
	// systemd之后mount namespace默认shared，必须显式声明私有传播，否则卸载会泄露回宿主机
	if err := syscall.Mount("", "/", "", syscall.MS_PRIVATE|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("设置私有传播类型失败: %v", err)
	}
	// 根切换：path成为新根，旧根移入pivotDir
	if err := syscall.PivotRoot(path, pivotDir); err != nil {
		return fmt.Errorf("根切换错误: %v", err)
	}
	// 切换工作目录到新根，避免停留在旧根文件系统中
	if err := syscall.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %v", err)
	}
	// 懒卸载并删除旧根，断开宿主机最后的可达路径
	pivotDir = filepath.Join("/", ".pivot_root")
	if err := syscall.Unmount(pivotDir, syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount pivot_root dir: %v", err)
	}
	return os.Remove(pivotDir)
}
