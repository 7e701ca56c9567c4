package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/urfave/cli"

	"rocker/container"
	"rocker/container/cgroups"
	"rocker/image"
)

// InitCommand 不可显式调用。容器进程在执行/proc/self/exe init后触发
var InitCommand = cli.Command{
	Name:   "init",
	Hidden: true,
	Action: func(c *cli.Context) error {
		err := container.RunContainerInitProcess()
		if err != nil {
			// 初始化失败时把挂了一半的工作目录摘干净再退出
			nowPath, _ := os.Getwd()
			_ = syscall.Unmount(nowPath, syscall.MNT_DETACH)
		}
		return err
	},
}

// RunCommand 基于镜像运行容器，包含namespace隔离与cgroup资源限制
var RunCommand = cli.Command{
	Name:  "run",
	Usage: `基于镜像创建一个容器: rocker run [选项] <镜像> <命令...>`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "it",
			Usage: `开启交互式终端`,
		},
		cli.BoolFlag{
			Name:  "d",
			Usage: `后台运行`,
		},
		cli.StringFlag{
			Name:  "name",
			Usage: `容器名称`,
		},
		cli.StringFlag{
			Name:  "v",
			Usage: `宿主机与容器挂载, host:container`,
		},
		cli.StringFlag{
			Name:  "mem",
			Usage: `内存上限, 如 100m`,
		},
		cli.Float64Flag{
			Name:  "cpus",
			Usage: `CPU核数上限, 如 0.5`,
		},
		cli.IntFlag{
			Name:  "pids-limit",
			Usage: `最大进程数`,
		},
		cli.BoolFlag{
			Name:  "net",
			Usage: `要求接入容器网络, 接线失败时中止运行`,
		},
		cli.StringFlag{
			Name:  "username, u",
			Usage: `镜像仓库用户名`,
		},
		cli.StringFlag{
			Name:  "password, p",
			Usage: `镜像仓库密码`,
		},
	},
	Action: func(c *cli.Context) error {
		if len(c.Args()) < 2 {
			return fmt.Errorf("缺少镜像或command参数")
		}
		// 控制器委派在任何容器工作开始前整体校验
		if err := cgroups.Check(); err != nil {
			return err
		}

		args := []string(c.Args())
		imgName := args[0]
		cmdArry := args[1:]

		opts := &RunOptions{
			TTY:       c.Bool("it"),
			Detach:    c.Bool("d"),
			Name:      c.String("name"),
			Volume:    c.String("v"),
			Mem:       c.String("mem"),
			CPUs:      c.Float64("cpus"),
			PidsLimit: c.Int("pids-limit"),
			Net:       c.Bool("net"),
			Username:  c.String("username"),
			Password:  c.String("password"),
		}
		if opts.TTY && opts.Detach {
			return fmt.Errorf("不可同时指定 'it' 交互终端 与 'd' 后台运行")
		}
		return RunC(cmdArry, imgName, opts)
	},
}

// ExecCommand 在存活容器的namespace内执行命令
var ExecCommand = cli.Command{
	Name:  "exec",
	Usage: "进入容器执行命令: rocker exec <容器ID> <命令...>",
	Action: func(c *cli.Context) error {
		// 带ROCKER_PID环境变量再入时，cgo的nsenter构造函数已在Go运行时前完成一切，
		// 到不了这里；走到这里的都是操作员的首次调用
		if len(c.Args()) < 2 {
			return fmt.Errorf("缺少容器ID或command参数")
		}
		args := []string(c.Args())
		return container.ExecContainer(args[0], args[1:])
	},
}

// ListCommand 显示所有容器，含已退出未删除的
var ListCommand = cli.Command{
	Name:  "ps",
	Usage: "显示所有容器",
	Action: func(c *cli.Context) error {
		return container.PrintContainers()
	},
}

// ImagesCommand 显示所有可用镜像
var ImagesCommand = cli.Command{
	Name:  "images",
	Usage: "显示所有镜像",
	Action: func(c *cli.Context) error {
		return image.PrintImages()
	},
}

// RmiCommand 删除镜像。仍被任何容器记录引用时拒绝
var RmiCommand = cli.Command{
	Name:  "rmi",
	Usage: "删除不再被引用的镜像: rocker rmi <镜像ID>",
	Action: func(c *cli.Context) error {
		if len(c.Args()) < 1 {
			return fmt.Errorf("缺少镜像ID")
		}
		id := c.Args().Get(0)
		img, err := image.GetImage(id)
		if err == nil {
			// 引用完整性：任何状态的容器记录都算引用，含exited
			inUse, err := container.ImageInUse(img.ID)
			if err != nil {
				return err
			}
			if inUse {
				return fmt.Errorf("镜像 %q: %w", id, image.ErrImageInUse)
			}
		}
		return image.Delete(id)
	},
}

// StopCommand 停止正在运行的容器
var StopCommand = cli.Command{
	Name:  "stop",
	Usage: "停止正在运行的容器: rocker stop <容器ID>",
	Action: func(c *cli.Context) error {
		if len(c.Args()) < 1 {
			return fmt.Errorf("缺少容器ID")
		}
		return container.StopContainer(c.Args().Get(0))
	},
}

// RemoveCommand 删除已退出的容器
var RemoveCommand = cli.Command{
	Name:  "rm",
	Usage: "删除已退出的容器: rocker rm <容器ID>",
	Action: func(c *cli.Context) error {
		if len(c.Args()) < 1 {
			return fmt.Errorf("缺少容器ID")
		}
		return container.RemoveContainer(c.Args().Get(0))
	},
}
