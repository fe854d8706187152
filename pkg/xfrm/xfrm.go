// Package xfrm 把 SA 导出为 Linux 内核 XFRM state 并负责下发和回滚
package xfrm

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/iniwex5/netlink"
	"go.uber.org/multierr"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/logger"
	"github.com/iniwex5/esp-go/pkg/sa"
)

var (
	ErrLegacy      = errors.New("旧式 ESP 不能下发到内核")
	ErrUnsupported = errors.New("内核没有对应的算法")
)

// defaultReplayWindow SA 未配置窗口时内核使用的大小
const defaultReplayWindow = 32

// StateConfig SA 本身不携带的 XFRM 参数
type StateConfig struct {
	Src net.IP // 本机地址
	Dst net.IP // 对端地址

	Mode netlink.Mode // 隧道模式会同时设置 AFUnspec
	Ifid int          // XFRM interface ID

	// ESP-in-UDP 封装 (NAT-T)，两个端口都非零才启用
	EncapSrcPort int
	EncapDstPort int

	// 生命周期 (秒)，Soft 触发 rekey，Hard 强制删除
	TimeLimitSoft uint64
	TimeLimitHard uint64

	SADir netlink.SADir
}

// StateFor 根据 SA 的算法和密钥构造 XFRM state
func StateFor(sav *sa.SecurityAssociation, cfg StateConfig) (*netlink.XfrmState, error) {
	if sav.Legacy() {
		return nil, ErrLegacy
	}

	window := sav.ReplayWindow()
	if window <= 0 {
		window = defaultReplayWindow
	}

	state := &netlink.XfrmState{
		Src:          cfg.Src,
		Dst:          cfg.Dst,
		Proto:        netlink.XFRM_PROTO_ESP,
		Mode:         cfg.Mode,
		Spi:          int(sav.SPI()),
		ReplayWindow: window,
		Ifid:         cfg.Ifid,
		AFUnspec:     cfg.Mode == netlink.XFRM_MODE_TUNNEL,
		SADir:        cfg.SADir,
		Limits: netlink.XfrmStateLimits{
			TimeSoft: cfg.TimeLimitSoft,
			TimeHard: cfg.TimeLimitHard,
		},
	}

	cipher := sav.Cipher()
	if cipher.XFRMName == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, cipher.Name)
	}

	// 内核的 key 同样包含 salt / nonce
	if sav.IsAEAD() {
		state.Aead = &netlink.XfrmStateAlgo{
			Name:   cipher.XFRMName,
			Key:    clone(sav.CipherKey()),
			ICVLen: cipher.TagSize * 8,
		}
	} else {
		state.Crypt = &netlink.XfrmStateAlgo{
			Name: cipher.XFRMName,
			Key:  clone(sav.CipherKey()),
		}
		if auth := sav.Auth(); auth.ID != algo.None {
			if auth.XFRMName == "" {
				return nil, fmt.Errorf("%w: %s", ErrUnsupported, auth.Name)
			}
			state.Auth = &netlink.XfrmStateAlgo{
				Name:        auth.XFRMName,
				Key:         clone(sav.AuthKey()),
				TruncateLen: auth.TagSize * 8,
			}
		}
	}

	if cfg.EncapSrcPort != 0 && cfg.EncapDstPort != 0 {
		state.Encap = &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: cfg.EncapSrcPort,
			DstPort: cfg.EncapDstPort,
		}
	}

	return state, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Installer 下发 XFRM state，记录回滚函数
type Installer struct {
	add func(*netlink.XfrmState) error
	del func(*netlink.XfrmState) error

	undos []func() error
}

// NewInstaller 使用 netlink 下发到当前网络命名空间
func NewInstaller() *Installer {
	return &Installer{add: netlink.XfrmStateAdd, del: netlink.XfrmStateDel}
}

// Install 依次下发；中途失败时撤销本次已下发的部分
func (in *Installer) Install(states ...*netlink.XfrmState) error {
	var undos []func() error
	for _, st := range states {
		if err := in.add(st); err != nil {
			err = fmt.Errorf("添加 XFRM SA (spi=0x%x src=%v dst=%v) 失败: %w", uint32(st.Spi), st.Src, st.Dst, err)
			return multierr.Append(err, rollback(undos))
		}
		undos = append(undos, in.remover(st))
		logger.Debug("已下发 XFRM SA", logger.SPI(uint32(st.Spi)), logger.Stringer("dst", st.Dst))
	}
	in.undos = append(in.undos, undos...)
	return nil
}

// remover 只保留定位 SA 所需的字段，不再持有密钥
func (in *Installer) remover(st *netlink.XfrmState) func() error {
	key := &netlink.XfrmState{Src: st.Src, Dst: st.Dst, Proto: st.Proto, Spi: st.Spi}
	return func() error {
		// SA 不存在 (rekey 后已被替换删除) 视为正常
		if err := in.del(key); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("删除 XFRM SA (spi=0x%x) 失败: %w", uint32(key.Spi), err)
		}
		return nil
	}
}

// Cleanup 逆序删除所有已下发的 SA
func (in *Installer) Cleanup() error {
	err := rollback(in.undos)
	in.undos = nil
	return err
}

func rollback(undos []func() error) error {
	var err error
	for i := len(undos) - 1; i >= 0; i-- {
		err = multierr.Append(err, undos[i]())
	}
	return err
}
