package image

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
)

// 镜像存储布局（测试可覆写）
// images/<hash>/rootfs 解压后的文件系统树，images/<hash>/image.json 元数据
var (
	ImagesPath = "/var/lib/rocker/images"
	TmpPath    = "/var/lib/rocker/tmp"
)

const recordName = "image.json"

// Image 镜像记录。ID是归档内容哈希，两个不同名字指向相同内容时共享存储
type Image struct {
	ID          string   `json:"id"`          // 内容哈希，sha256 hex
	Names       []string `json:"names"`       // 引用同一内容的全部镜像名
	RootfsPath  string   `json:"rootfs_path"` // 解压后的只读文件系统树
	CreatedTime string   `json:"create_time"`
}

func imageDir(id string) string {
	return filepath.Join(ImagesPath, id)
}

// Materialize 把归档字节流物化为可用的rootfs，按内容哈希去重
// 归档边落盘边计算哈希；哈希命中已有镜像时跳过解压只追加名字别名。
// image.json最后写入，作为完成标记：崩溃留下的半成品目录会被下一次物化直接覆盖重解
func Materialize(name string, archive io.Reader) (*Image, error) {
	if err := os.MkdirAll(TmpPath, 0755); err != nil {
		return nil, fmt.Errorf("创建暂存目录异常: %w", err)
	}
	spool, err := os.CreateTemp(TmpPath, "materialize-*.tar")
	if err != nil {
		return nil, fmt.Errorf("创建暂存文件异常: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	digester := digest.SHA256.Digester()
	if _, err := io.Copy(spool, io.TeeReader(archive, digester.Hash())); err != nil {
		return nil, fmt.Errorf("镜像 %q: 归档读取异常: %w", name, err)
	}
	id := digester.Digest().Encoded()

	dir := imageDir(id)
	if img, err := readImageRecord(dir); err == nil {
		// 内容命中，按名去重后复用既有解压结果
		if !containsName(img.Names, name) {
			img.Names = append(img.Names, name)
			if err := writeImageRecord(dir, img); err != nil {
				return nil, err
			}
		}
		log.Infof("镜像 %s 内容已存在，复用 %s", name, id[:12])
		return img, nil
	}

	// 半成品目录（无image.json）直接清掉重解
	rootfs := filepath.Join(dir, "rootfs")
	if err := os.RemoveAll(rootfs); err != nil {
		return nil, fmt.Errorf("镜像 %q: 清理残留目录异常: %w", name, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("暂存文件回绕异常: %w", err)
	}
	if err := extractTar(spool, rootfs); err != nil {
		os.RemoveAll(rootfs)
		os.Remove(dir)
		return nil, fmt.Errorf("镜像 %q: %v: %w", name, err, ErrInvalidArchive)
	}

	img := &Image{
		ID:          id,
		Names:       []string{name},
		RootfsPath:  rootfs,
		CreatedTime: time.Now().Format("2006-01-02 15:04:05"),
	}
	if err := writeImageRecord(dir, img); err != nil {
		return nil, err
	}
	log.Infof("镜像 %s 物化完成: %s", name, id[:12])
	return img, nil
}

// Delete 删除镜像。引用检查由调用方委托State Store完成
// 删除顺序固定：先摘记录再删目录，半途被杀时重复Delete或重新Materialize都能收尾
func Delete(id string) error {
	dir, err := resolveDir(id)
	if err != nil {
		return err
	}
	// image.json先行移除，残留目录从此视为半成品
	if err := os.Remove(filepath.Join(dir, recordName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("镜像 %q: 移除记录异常: %w", id, err)
	}
	if err := os.RemoveAll(filepath.Join(dir, "rootfs")); err != nil {
		return fmt.Errorf("镜像 %q: 删除rootfs异常: %w", id, err)
	}
	return os.Remove(dir)
}

// GetImage 按完整ID或前缀定位镜像记录
func GetImage(id string) (*Image, error) {
	dir, err := resolveDir(id)
	if err != nil {
		return nil, err
	}
	img, err := readImageRecord(dir)
	if err != nil {
		return nil, fmt.Errorf("镜像 %q: %w", id, ErrNotFound)
	}
	return img, nil
}

// FindByName 按镜像名查找已物化的镜像
func FindByName(name string) (*Image, error) {
	images, err := ListImages()
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		if containsName(img.Names, name) {
			return img, nil
		}
	}
	return nil, fmt.Errorf("镜像 %q: %w", name, ErrNotFound)
}

// ListImages 列出全部完整镜像。无image.json的目录是半成品，跳过不列
func ListImages() ([]*Image, error) {
	entries, err := os.ReadDir(ImagesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取目录 %s 异常: %w", ImagesPath, err)
	}
	var images []*Image
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		img, err := readImageRecord(imageDir(entry.Name()))
		if err != nil {
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

// 按ID前缀定位镜像目录。目录存在即认，哪怕记录已摘除，使半途删除可以续作
func resolveDir(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("镜像 %q: %w", id, ErrNotFound)
	}
	if _, err := os.Stat(imageDir(id)); err == nil {
		return imageDir(id), nil
	}
	entries, err := os.ReadDir(ImagesPath)
	if err != nil {
		return "", fmt.Errorf("镜像 %q: %w", id, ErrNotFound)
	}
	var match string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), id) {
			if match != "" {
				return "", fmt.Errorf("镜像ID前缀 %q 有歧义", id)
			}
			match = entry.Name()
		}
	}
	if match == "" {
		return "", fmt.Errorf("镜像 %q: %w", id, ErrNotFound)
	}
	return imageDir(match), nil
}

func readImageRecord(dir string) (*Image, error) {
	content, err := os.ReadFile(filepath.Join(dir, recordName))
	if err != nil {
		return nil, err
	}
	var img Image
	if err := json.Unmarshal(content, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func writeImageRecord(dir string, img *Image) error {
	jsonBytes, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("序列化镜像记录异常: %w", err)
	}
	recordPath := filepath.Join(dir, recordName)
	tmpPath := recordPath + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("写入镜像记录异常: %w", err)
	}
	return os.Rename(tmpPath, recordPath)
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// extractTar 解压tar归档到dest，gzip自动识别
// 路径逐项清洗，归档内容永远落在dest之下
func extractTar(r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}

	br := newPeekReader(r)
	if br.isGzip() {
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer gzr.Close()
		return extractTarStream(tar.NewReader(gzr), dest)
	}
	return extractTarStream(tar.NewReader(br), dest)
}

func extractTarStream(tr *tar.Reader, dest string) error {
	entries := 0
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		entries++

		targetPath, err := sanitizePath(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("create dir %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return fmt.Errorf("create parent dir: %w", err)
			}
			f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create file %s: %w", header.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("write file %s: %w", header.Name, err)
			}
			f.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return fmt.Errorf("create parent dir: %w", err)
			}
			if err := os.Symlink(header.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("create symlink %s: %w", header.Name, err)
			}
		case tar.TypeLink:
			linkSrc, err := sanitizePath(dest, header.Linkname)
			if err != nil {
				return err
			}
			if err := os.Link(linkSrc, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("create hardlink %s: %w", header.Name, err)
			}
		default:
			// 设备节点等特殊类型跳过，运行时不在宿主机上复刻它们
			log.Debugf("跳过归档条目 %s (类型 %d)", header.Name, header.Typeflag)
		}
	}
	if entries == 0 {
		return fmt.Errorf("归档为空或不是tar格式")
	}
	return nil
}

// 防目录穿越：清洗后的路径必须仍在dest之下
func sanitizePath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean("/"+name))
	if target != filepath.Clean(dest) && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("归档路径 %q 越界", name)
	}
	return target, nil
}

// peekReader 预读两个字节识别gzip魔数，再原样回放
type peekReader struct {
	r    io.Reader
	head []byte
	off  int
}

func newPeekReader(r io.Reader) *peekReader {
	head := make([]byte, 2)
	n, _ := io.ReadFull(r, head)
	return &peekReader{r: r, head: head[:n]}
}

func (p *peekReader) isGzip() bool {
	return len(p.head) == 2 && p.head[0] == 0x1f && p.head[1] == 0x8b
}

func (p *peekReader) Read(buf []byte) (int, error) {
	if p.off < len(p.head) {
		n := copy(buf, p.head[p.off:])
		p.off += n
		return n, nil
	}
	return p.r.Read(buf)
}
