package container

import "errors"

// 错误种类。所有失败都带着容器ID包装后上抛，由命令入口以非零码退出
var (
	ErrNotFound            = errors.New("NotFound")
	ErrContainerNotRunning = errors.New("ContainerNotRunning")
	ErrContainerRunning    = errors.New("ContainerRunning")
	ErrExecFailed          = errors.New("ExecFailed")
	ErrNamespaceJoinFailed = errors.New("NamespaceJoinFailed")
	ErrPartialState        = errors.New("PartialStateDetected")
)
