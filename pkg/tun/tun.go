// Package tun 提供数据平面使用的 TUN 设备
package tun

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/iniwex5/netlink"
	"github.com/songgao/water"
	"github.com/vishvananda/netns"

	"github.com/iniwex5/esp-go/pkg/logger"
)

const (
	minMTU = 576
	maxMTU = 65535
)

var ErrInvalidMTU = errors.New("MTU 超出范围")

// Config TUN 设备配置
type Config struct {
	Name  string // 为空时由内核分配
	MTU   int    // 0 表示不修改
	NetNS string // 非空时在该命名空间内创建
}

func (c Config) validate() error {
	if c.MTU != 0 && (c.MTU < minMTU || c.MTU > maxMTU) {
		return fmt.Errorf("%w: %d", ErrInvalidMTU, c.MTU)
	}
	return nil
}

// Device 封装 water 的 TUN 接口，满足 DataPlane 需要的 io.ReadWriter
type Device struct {
	iface *water.Interface
	name  string
}

// Open 创建 TUN 设备并拉起链路
// 同名设备已存在时先删除，处理上次异常退出的残留
func Open(cfg Config) (*Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var dev *Device
	err := inNamespace(cfg.NetNS, func() error {
		if cfg.Name != "" {
			if link, err := netlink.LinkByName(cfg.Name); err == nil {
				_ = netlink.LinkDel(link)
			}
		}

		wc := water.Config{DeviceType: water.TUN}
		wc.Name = cfg.Name
		iface, err := water.New(wc)
		if err != nil {
			return fmt.Errorf("创建 TUN 设备失败: %w", err)
		}
		d := &Device{iface: iface, name: iface.Name()}

		if err := d.configure(cfg.MTU); err != nil {
			iface.Close()
			return err
		}
		dev = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("TUN 设备已就绪", logger.String("name", dev.name), logger.Int("mtu", cfg.MTU),
		logger.String("netns", cfg.NetNS))
	return dev, nil
}

func (d *Device) configure(mtu int) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("获取接口 %s 失败: %w", d.name, err)
	}
	if mtu != 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("设置 %s MTU 失败: %w", d.name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("启用 %s 失败: %w", d.name, err)
	}
	return nil
}

// inNamespace 在指定命名空间内执行 fn，name 为空时直接执行
// 需要 CAP_SYS_ADMIN；fn 期间 goroutine 锁定在当前线程
func inNamespace(name string, fn func() error) error {
	if name == "" {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("获取原始 netns 失败: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("打开 netns %s 失败: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("切换 netns 失败: %w", err)
	}
	defer func() {
		if err := netns.Set(origin); err != nil {
			logger.Error("恢复原始 netns 失败", logger.Err(err))
		}
	}()
	return fn()
}

// Read 读取一个 IP 报文
func (d *Device) Read(p []byte) (int, error) {
	return d.iface.Read(p)
}

// Write 写入一个 IP 报文
func (d *Device) Write(p []byte) (int, error) {
	return d.iface.Write(p)
}

// Close 关闭设备，阻塞在 Read 上的数据平面循环随之退出
func (d *Device) Close() error {
	return d.iface.Close()
}

// Name 设备名
func (d *Device) Name() string {
	return d.name
}
