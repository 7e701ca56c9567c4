package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"rocker/container"
	"rocker/image"
)

const (
	appName = "rocker"
	usage   = `rocker是一个无守护进程的极简容器运行时
			   每次调用都是短命进程，当前状态完全依靠磁盘上的注册表重建`
)

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = usage

	app.Commands = []cli.Command{
		InitCommand,
		RunCommand,
		ExecCommand,
		ListCommand,
		ImagesCommand,
		RmiCommand,
		StopCommand,
		RemoveCommand,
	}

	// 设置日志输出
	app.Before = func(ctx *cli.Context) error {
		log.SetOutput(os.Stdout)
		log.SetLevel(log.InfoLevel)
		log.SetReportCaller(true) // 启用调用者信息
		log.SetFormatter(&log.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			CallerPrettyfier: func(f *runtime.Frame) (string, string) { // 处理调用者信息
				filename := filepath.Base(f.File)
				funcName := filepath.Base(f.Function)
				return "", fmt.Sprintf(" [%s:%d:%s]", filename, f.Line, funcName)
			},
			ForceColors:  true,
			ForceQuote:   true,
			DisableQuote: false,
		})

		// namespace与cgroup操作都需要root
		if os.Geteuid() != 0 {
			return fmt.Errorf("rocker需要root权限运行")
		}
		return initDirs()
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// 状态根目录先于任何命令就位
func initDirs() error {
	for _, dir := range []string{container.ContainersPath, image.ImagesPath, image.TmpPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录 %s 异常: %w", dir, err)
		}
	}
	return nil
}
