package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"rocker/container"
	"rocker/container/cgroups"
	"rocker/image"
	"rocker/network"
)

// RunOptions run子命令的全部入参
type RunOptions struct {
	TTY       bool
	Detach    bool
	Name      string
	Volume    string
	Mem       string
	CPUs      float64
	PidsLimit int
	Net       bool
	Username  string
	Password  string
}

// RunC 驱动run全流程。步骤严格串行：
// 限制校验 -> 镜像物化 -> 预写记录 -> cgroup建立 -> 工作副本 -> 启动init ->
// 就绪检查点 -> 登记存活身份 -> cgroup attach -> 网络接线 -> 放行用户命令 -> 等待退出
// 外部观察者看到running记录时，容器的namespace与限制必然已全部就位
func RunC(cmdArry []string, imgName string, opts *RunOptions) error {
	// 限制先校验，坏参数不碰任何内核对象
	res, err := cgroups.NewResourceConfig(opts.Mem, opts.CPUs, opts.PidsLimit)
	if err != nil {
		return err
	}

	// 显式要求联网时预检网桥，省得容器起完才发现接不上
	if opts.Net {
		up, err := network.BridgeUp()
		if err != nil {
			return err
		}
		if !up {
			return fmt.Errorf("网桥 %s 不存在或未启用，无法满足联网要求", network.BridgeName)
		}
	}

	img, err := image.Ensure(imgName, opts.Username, opts.Password)
	if err != nil {
		return err
	}

	// 预写容器记录：内核对象创建之前注册表先留痕
	limits := container.Limits{Memory: opts.Mem, CPUs: opts.CPUs, PidsLimit: opts.PidsLimit}
	info, err := container.RecordContainerInfo(img.ID, cmdArry, opts.Name, opts.Volume, limits)
	if err != nil {
		return err
	}

	mgr := cgroups.NewCgroupManager(info.Id)
	cleanup := func() {
		_ = container.DeleteWorkSpace(info)
		_ = mgr.Destroy()
		_ = container.RemoveRecord(info.Id)
	}

	cgroupPath, err := mgr.Create()
	if err != nil {
		cleanup()
		return err
	}
	if err := mgr.Set(res); err != nil {
		cleanup()
		return err
	}

	if err := container.NewWorkSpace(info, img.RootfsPath); err != nil {
		cleanup()
		return err
	}

	processCmd, writePipe, readyPipe, err := container.NewContainerProcess(info, opts.TTY)
	if err != nil {
		cleanup()
		return err
	}
	if err := processCmd.Start(); err != nil {
		cleanup()
		return fmt.Errorf("容器初始化进程启动失败: %w", err)
	}
	// 子进程侧的管道端父进程不再持有，否则就绪管道永远读不到EOF
	for _, f := range processCmd.ExtraFiles {
		_ = f.Close()
	}

	kill := func() {
		_ = processCmd.Process.Kill()
		_ = processCmd.Wait()
	}

	// 就绪检查点：init进程根切换完成后写入一个字节。提前EOF说明初始化半途夭折
	buf := make([]byte, 1)
	if n, _ := readyPipe.Read(buf); n == 0 {
		_ = processCmd.Wait()
		cleanup()
		return fmt.Errorf("容器 %q: 初始化进程未到达就绪检查点", info.Id)
	}
	_ = readyPipe.Close()

	pid := processCmd.Process.Pid

	// 登记存活身份。顺序固定：就绪之后、attach完成之前，
	// 注册表不会出现namespace只建了一半的running记录
	if err := container.FinalizeContainerInfo(info.Id, pid, cgroupPath); err != nil {
		kill()
		cleanup()
		return err
	}

	// 用户命令放行之前进程必须已在cgroup内，限制不允许有哪怕短暂的空窗
	if err := mgr.Apply(pid); err != nil {
		kill()
		cleanup()
		return err
	}

	// 网络接线走外部服务；未显式要求联网时失败仅降级
	if err := network.AttachOrDegrade(network.BusAttacher{}, pid, info.Id, opts.Net); err != nil {
		kill()
		cleanup()
		return err
	}

	// 放行：向命令管道写入用户命令并关闭，init进程随即exec
	if err := sendInitCommand(cmdArry, writePipe); err != nil {
		kill()
		cleanup()
		return err
	}

	if opts.Detach {
		log.Infof("容器 %s 已后台运行, PID %d", info.Id, pid)
		_ = processCmd.Process.Release()
		fmt.Println(info.Id)
		return nil
	}

	_ = processCmd.Wait()
	exitCode := processCmd.ProcessState.ExitCode()

	if exitCode == container.ExitCodeNotFound || exitCode == container.ExitCodeExecErr {
		// 用户命令定位或执行失败，整次run作废：工作副本、cgroup、记录全部回收
		cleanup()
		return fmt.Errorf("容器 %q: %w", info.Id, container.ErrExecFailed)
	}

	_ = container.MarkExited(info.Id)
	container.UnmountWorkSpace(info)
	log.Infof("容器 %s 退出, 状态码 %d", info.Id, exitCode)
	return nil
}

// 容器init进程启动完成后，通过管道向其发送用户在run输入的命令参数
func sendInitCommand(cmdArry []string, writePipe *os.File) error {
	command := strings.Join(cmdArry, " ")
	log.Infof("正在启动容器命令: %s", command)
	if _, err := writePipe.WriteString(command); err != nil {
		return fmt.Errorf("命令管道写入异常 %q: %w", command, err)
	}
	return writePipe.Close()
}
