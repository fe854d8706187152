package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/iniwex5/netlink"

	"github.com/iniwex5/esp-go/pkg/ipsec"
	"github.com/iniwex5/esp-go/pkg/logger"
	"github.com/iniwex5/esp-go/pkg/sa"
	"github.com/iniwex5/esp-go/pkg/xfrm"
)

// offloadStates 出站和入站两个隧道模式 XFRM state，ESP-in-UDP 端口取自套接字
func offloadStates(out, in *sa.SecurityAssociation, local, remote *net.UDPAddr, ifid int) ([]*netlink.XfrmState, error) {
	if local.IP == nil || local.IP.IsUnspecified() {
		return nil, errors.New("kernel_offload 需要明确的本地地址")
	}
	outSt, err := xfrm.StateFor(out, xfrm.StateConfig{
		Src: local.IP, Dst: remote.IP, Mode: netlink.XFRM_MODE_TUNNEL, Ifid: ifid,
		EncapSrcPort: local.Port, EncapDstPort: remote.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("出站 XFRM state: %w", err)
	}
	inSt, err := xfrm.StateFor(in, xfrm.StateConfig{
		Src: remote.IP, Dst: local.IP, Mode: netlink.XFRM_MODE_TUNNEL, Ifid: ifid,
		EncapSrcPort: remote.Port, EncapDstPort: local.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("入站 XFRM state: %w", err)
	}
	return []*netlink.XfrmState{outSt, inSt}, nil
}

// installOffload 设置 UDP_ENCAP 并下发 state，返回的 Installer 负责退出时删除
func installOffload(transport *ipsec.UDPTransport, out, in *sa.SecurityAssociation, ifid int) (*xfrm.Installer, error) {
	states, err := offloadStates(out, in, transport.LocalAddr(), transport.RemoteAddr(), ifid)
	if err != nil {
		return nil, err
	}
	if err := transport.SetUDPEncap(); err != nil {
		return nil, err
	}
	inst := xfrm.NewInstaller()
	if err := inst.Install(states...); err != nil {
		return nil, err
	}
	logger.Info("SA 已下发到内核", logger.SPI(out.SPI()), logger.Int("ifid", ifid))
	return inst, nil
}

type keepaliveSender interface {
	SendKeepalive() error
}

// keepalive 按间隔发送 NAT-keepalive 直到 ctx 结束
func keepalive(ctx context.Context, s keepaliveSender, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SendKeepalive(); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Warn("发送 NAT-keepalive 失败", logger.Err(err))
			}
		}
	}
}
