package ipsec

import (
	"github.com/google/gopacket/layers"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/cryptodev"
	"github.com/iniwex5/esp-go/pkg/sa"
)

// pending 跨越异步边界的请求上下文
// 持有 SA (出站还有策略) 的强引用，由 finish 恰好释放一次；
// 回调闭包是唯一的持有者，结束后不再复用
type pending struct {
	t   *Transform
	dir Direction

	sav    *sa.SecurityAssociation
	saRef  *sa.Ref
	polRef *sa.Ref

	req     cryptodev.Request
	layout  Layout
	seq     uint32
	retries int

	protoOffset int               // 外层头中 next-protocol 字节位置，-1 表示没有
	nextProto   layers.IPProtocol // 入站恢复出的下一个头部

	// 入站独立 MAC 时保存收到的 ICV，后端把计算结果写回报文里的同一位置
	tag [algo.MaxTagSize]byte

	complete func(p *pending) *Error // 后端成功后的收尾，返回错误表示丢弃
	finish   func(p *pending, err *Error)
}

// acquire 原子地检查 SA / 策略存活并取得引用，任一失败时不留下引用
func (t *Transform) acquire(dir Direction, sav *sa.SecurityAssociation, pol *sa.Policy) (*pending, *Error) {
	saRef, err := sav.Acquire()
	if err != nil {
		return nil, newError(ReasonSADead, sav.SPI(), err)
	}
	p := &pending{t: t, dir: dir, sav: sav, saRef: saRef}
	if pol != nil {
		polRef, err := pol.Acquire()
		if err != nil {
			saRef.Release()
			return nil, newError(ReasonPolicyDead, sav.SPI(), err)
		}
		p.polRef = polRef
	}
	return p, nil
}

// release 归还引用，Ref 的所有权转移保证不会重复释放
func (p *pending) release() {
	p.polRef.Release()
	p.saRef.Release()
}

// dispatch 首次提交；失败时由调用方同步返回错误
func (p *pending) dispatch() *Error {
	p.req.Session = p.sav.CryptoSession()
	if err := p.t.backend.Dispatch(&p.req, p.callback); err != nil {
		return submitError(p.sav.SPI(), err)
	}
	return nil
}

// callback 后端完成回调，可能运行在任意 goroutine 上
// Busy 是唯一会重新提交的状态，次数受 MaxBusyRetries 限制
func (p *pending) callback(r cryptodev.Result) {
	spi := p.sav.SPI()
	switch r.Status {
	case cryptodev.StatusOK:
		p.finish(p, p.complete(p))

	case cryptodev.StatusBusy:
		if p.retries >= p.t.cfg.MaxBusyRetries {
			p.finish(p, newError(ReasonBackend, spi, cryptodev.ErrRetryExhausted))
			return
		}
		p.retries++
		p.t.stats.retry(p.dir)
		if r.Session != 0 && r.Session != p.req.Session {
			p.sav.SetCryptoSession(r.Session)
			p.req.Session = r.Session
		}
		if err := p.t.backend.Dispatch(&p.req, p.callback); err != nil {
			p.finish(p, submitError(spi, err))
		}

	default:
		p.finish(p, completionError(spi, r.Err))
	}
}
