package network

import (
	"errors"
	"fmt"
	"net"

	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// 网络接线由系统总线上的外部服务完成：容器的net namespace在clone时已创建，
// 这里只是把namespace交给服务去接通连通性。加入namespace是对进程句柄的一次性调用，
// 本进程不持有任何namespace所有权
const (
	BridgeName = "rocker0"

	busName   = "io.rocker.Network1"
	busPath   = "/io/rocker/Network1"
	busMethod = "io.rocker.Network1.Attach"
)

// Attacher 外部网络接线服务的边界，测试用桩替换
type Attacher interface {
	Attach(pid int, containerID string) error
}

// BusAttacher 通过系统总线调用外部接线服务
type BusAttacher struct{}

func (BusAttacher) Attach(pid int, containerID string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("连接系统总线异常: %w", err)
	}
	obj := conn.Object(busName, dbus.ObjectPath(busPath))
	if call := obj.Call(busMethod, 0, uint32(pid), containerID); call.Err != nil {
		return fmt.Errorf("接线服务调用异常: %w", call.Err)
	}
	return nil
}

// AttachOrDegrade 请求接线。未显式要求联网时，失败只降级为无网络运行而非中止
// 显式要求联网（--net）时失败即失败
func AttachOrDegrade(a Attacher, pid int, containerID string, required bool) error {
	if err := a.Attach(pid, containerID); err != nil {
		if required {
			return fmt.Errorf("容器 %q: 网络接线失败: %w", containerID, err)
		}
		log.Warnf("容器 %s 网络接线失败，降级为无网络运行: %v", containerID, err)
	}
	return nil
}

// BridgeUp 检查rocker0网桥是否存在且UP，作为显式联网运行前的预检
func BridgeUp() (bool, error) {
	link, err := netlink.LinkByName(BridgeName)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("查询网桥 %s 异常: %w", BridgeName, err)
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}
