package image

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
)

// PrintImages 列出全部可用镜像
func PrintImages() error {
	images, err := ListImages()
	if err != nil {
		return err
	}

	// 格式化输出
	w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
	fmt.Fprint(w, "ID\tNAMES\tCREATED\n")
	for _, img := range images {
		id := img.ID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, strings.Join(img.Names, ","), img.CreatedTime)
	}
	if err := w.Flush(); err != nil {
		log.Errorf("镜像信息刷写异常 %v", err)
	}
	return nil
}
