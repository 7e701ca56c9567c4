package container

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
)

// PrintContainers 列出全部容器。退出的容器保留显示，直到被显式删除
func PrintContainers() error {
	containers, err := ListContainers()
	if err != nil {
		return err
	}

	// 格式化输出
	w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
	fmt.Fprint(w, "ID\tNAME\tPID\tSTATUS\tIMAGE\tCOMMAND\tCREATED\n")
	for _, item := range containers {
		pid := "-"
		if item.Status == RUNNING {
			pid = strconv.Itoa(item.Pid)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			item.Id,
			item.Name,
			pid,
			item.Status,
			shortID(item.ImageID),
			item.Command,
			item.CreatedTime)
	}
	if err := w.Flush(); err != nil {
		log.Errorf("容器信息刷写异常 %v", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
