package ipsec

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/cryptodev"
	"github.com/iniwex5/esp-go/pkg/sa"
)

// fakeBackend 包装软件后端：计数提交、注入 Busy / 硬错误 / 同步拒绝，可暂停执行
type fakeBackend struct {
	inner *cryptodev.Software

	submits atomic.Int32
	frees   atomic.Int32
	busy    atomic.Int32 // 剩余要注入的 Busy 次数

	mu      sync.Mutex
	hardErr error
	refuse  error
	gate    chan struct{} // 非 nil 时请求等到 gate 关闭才执行
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	inner, err := cryptodev.NewSoftware(&cryptodev.Config{Workers: 8, ReleaseTimeout: time.Second})
	if err != nil {
		t.Fatalf("创建软件后端失败: %v", err)
	}
	t.Cleanup(func() { _ = inner.Close() })
	return &fakeBackend{inner: inner}
}

func (f *fakeBackend) NewSession(p cryptodev.SessionParams) (cryptodev.SessionID, error) {
	return f.inner.NewSession(p)
}

func (f *fakeBackend) FreeSession(id cryptodev.SessionID) error {
	f.frees.Add(1)
	return f.inner.FreeSession(id)
}

func (f *fakeBackend) Dispatch(req *cryptodev.Request, cb cryptodev.Callback) error {
	f.submits.Add(1)
	f.mu.Lock()
	refuse, hardErr, gate := f.refuse, f.hardErr, f.gate
	f.mu.Unlock()

	if refuse != nil {
		return refuse
	}
	if f.busy.Load() > 0 {
		f.busy.Add(-1)
		go cb(cryptodev.Result{Status: cryptodev.StatusBusy, Session: req.Session})
		return nil
	}
	if hardErr != nil {
		go cb(cryptodev.Result{Status: cryptodev.StatusError, Session: req.Session, Err: hardErr})
		return nil
	}
	if gate != nil {
		go func() {
			<-gate
			if err := f.inner.Dispatch(req, cb); err != nil {
				cb(cryptodev.Result{Status: cryptodev.StatusError, Err: err})
			}
		}()
		return nil
	}
	return f.inner.Dispatch(req, cb)
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func key(n int, b byte) []byte { return bytes.Repeat([]byte{b}, n) }

// newSA 创建 SA 并在 Transform 上初始化
func newSA(t *testing.T, tr *Transform, cfg sa.Config) *sa.SecurityAssociation {
	t.Helper()
	sav, err := sa.New(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Init(sav))
	return sav
}

// pair 同一组参数的出站和入站 SA
func pair(t *testing.T, tr *Transform, cfg sa.Config) (out, in *sa.SecurityAssociation) {
	t.Helper()
	return newSA(t, tr, cfg), newSA(t, tr, cfg)
}

func cbcSHA1(spi uint32) sa.Config {
	return sa.Config{
		SPI:    spi,
		Cipher: algo.AESCBC, CipherKey: key(16, 0x11),
		Auth: algo.HMACSHA1_96, AuthKey: key(20, 0x22),
		ReplayWindow: 64,
	}
}

func gcm16(spi uint32) sa.Config {
	return sa.Config{
		SPI:    spi,
		Cipher: algo.AESGCM16, CipherKey: key(20, 0x33),
		ReplayWindow: 64,
	}
}

const waitTimeout = 5 * time.Second

type outcome[T any] struct {
	res T
	err error
}

// seal 同步等待一次出站变换
func seal(t *testing.T, tr *Transform, sav *sa.SecurityAssociation, pol *sa.Policy, pkt *Packet) (OutputResult, error) {
	t.Helper()
	ch := make(chan outcome[OutputResult], 1)
	if err := tr.Output(pkt, sav, pol, func(res OutputResult, err error) {
		ch <- outcome[OutputResult]{res, err}
	}); err != nil {
		return OutputResult{}, err
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-time.After(waitTimeout):
		t.Fatal("等待出站完成超时")
		return OutputResult{}, nil
	}
}

// open 同步等待一次入站变换
func open(t *testing.T, tr *Transform, sav *sa.SecurityAssociation, pkt *Packet) (InputResult, error) {
	t.Helper()
	ch := make(chan outcome[InputResult], 1)
	if err := tr.Input(pkt, sav, func(res InputResult, err error) {
		ch <- outcome[InputResult]{res, err}
	}); err != nil {
		return InputResult{}, err
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-time.After(waitTimeout):
		t.Fatal("等待入站完成超时")
		return InputResult{}, nil
	}
}

// ipv4Payload 构造一个看起来像 IPv4 报文的隧道载荷
func ipv4Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	if n > 0 {
		b[0] = 0x45
	}
	return b
}

// sealTunnel 隧道模式封装，返回独立的 ESP 报文副本
func sealTunnel(t *testing.T, tr *Transform, sav *sa.SecurityAssociation, payload []byte) []byte {
	t.Helper()
	pkt := TunnelPacket(append([]byte(nil), payload...))
	res, err := seal(t, tr, sav, nil, &pkt)
	require.NoError(t, err)
	return append([]byte(nil), res.Buf...)
}

func espPacket(buf []byte) *Packet {
	return &Packet{Buf: append([]byte(nil), buf...), ProtoOffset: -1, Family: FamilyIPv4}
}

func requireNoRefs(t *testing.T, savs ...*sa.SecurityAssociation) {
	t.Helper()
	for _, s := range savs {
		require.Zero(t, s.Refs(), "SA 0x%08x 仍有在途引用", s.SPI())
	}
}
