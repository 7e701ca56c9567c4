package image

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	registryname "github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	log "github.com/sirupsen/logrus"
)

// Source 归档来源边界：给定镜像名，产出一个tar字节流
// 传输本身不属于核心，满足tar格式的任何流在Materialize眼里都是合法输入
type Source interface {
	Fetch(name string) (io.ReadCloser, error)
}

// TarballSource 本地tar包来源。运维把 <镜像名>.tar 放进镜像目录即可直接使用
type TarballSource struct {
	Dir string
}

func (s TarballSource) Fetch(name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Dir, name+".tar"))
	if err != nil {
		return nil, fmt.Errorf("镜像 %q: %w", name, ErrNotFound)
	}
	return f, nil
}

// RegistrySource 镜像仓库来源：拉取后把镜像各层压平为单个tar流
type RegistrySource struct {
	Username string
	Password string
}

func (s RegistrySource) Fetch(name string) (io.ReadCloser, error) {
	ref, err := registryname.ParseReference(name)
	if err != nil {
		return nil, fmt.Errorf("镜像名 %q 解析异常: %w", name, err)
	}
	opts := []remote.Option{}
	if s.Username != "" {
		opts = append(opts, remote.WithAuth(&authn.Basic{
			Username: s.Username,
			Password: s.Password,
		}))
	}
	img, err := remote.Image(ref, opts...)
	if err != nil {
		return nil, fmt.Errorf("镜像 %q: 仓库拉取异常: %w", name, err)
	}
	// Extract把各层合并为最终文件系统视图的tar流，whiteout已处理
	return mutate.Extract(img), nil
}

// Ensure 按名称得到可用镜像：已物化则复用，否则依次尝试本地tar包与远端仓库
func Ensure(name, username, password string) (*Image, error) {
	if img, err := FindByName(name); err == nil {
		return img, nil
	}

	sources := []Source{
		TarballSource{Dir: ImagesPath},
		RegistrySource{Username: username, Password: password},
	}
	var lastErr error
	for _, src := range sources {
		stream, err := src.Fetch(name)
		if err != nil {
			lastErr = err
			continue
		}
		img, err := Materialize(name, stream)
		stream.Close()
		if err != nil {
			return nil, err
		}
		return img, nil
	}
	log.Errorf("镜像 %s 获取失败: %v", name, lastErr)
	return nil, lastErr
}
