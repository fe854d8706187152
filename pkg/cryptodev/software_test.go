package cryptodev

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iniwex5/esp-go/pkg/algo"
)

func newTestBackend(t *testing.T) *Software {
	t.Helper()
	b, err := NewSoftware(&Config{Workers: 2, ReleaseTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func wait(t *testing.T, b Backend, req *Request) Result {
	t.Helper()
	ch := make(chan Result, 1)
	require.NoError(t, b.Dispatch(req, func(r Result) { ch <- r }))
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("等待回调超时")
		return Result{}
	}
}

func TestEncryptDigestDecrypt(t *testing.T) {
	b := newTestBackend(t)
	sid, err := b.NewSession(SessionParams{
		Cipher: algo.AESCBC, CipherKey: bytes.Repeat([]byte{1}, 16),
		Auth: algo.HMACSHA1_96, AuthKey: bytes.Repeat([]byte{2}, 20),
	})
	require.NoError(t, err)

	// [IV 16][数据 32][MAC 12]
	buf := make([]byte, 16+32+12)
	copy(buf[:16], bytes.Repeat([]byte{9}, 16))
	plain := bytes.Repeat([]byte("0123456789abcdef"), 2)
	copy(buf[16:48], plain)

	r := wait(t, b, &Request{Session: sid, Buf: buf, Descs: []Descriptor{
		{Op: OpEncrypt, Offset: 16, Length: 32, IVOffset: 0},
		{Op: OpDigest, Offset: 0, Length: 48, InjectOffset: 48},
	}})
	require.Equal(t, StatusOK, r.Status, "err=%v", r.Err)
	require.NotEqual(t, plain, buf[16:48])
	tag := append([]byte(nil), buf[48:]...)

	r = wait(t, b, &Request{Session: sid, Buf: buf, Descs: []Descriptor{
		{Op: OpDigest, Offset: 0, Length: 48, InjectOffset: 48},
		{Op: OpDecrypt, Offset: 16, Length: 32, IVOffset: 0},
	}})
	require.Equal(t, StatusOK, r.Status)
	require.Equal(t, plain, buf[16:48])
	require.Equal(t, tag, buf[48:])
}

func TestSealOpen(t *testing.T) {
	b := newTestBackend(t)
	sid, err := b.NewSession(SessionParams{Cipher: algo.ChaCha20Poly1305, CipherKey: bytes.Repeat([]byte{3}, 36)})
	require.NoError(t, err)

	// [AAD 8][IV 8][数据 20][标签 16]
	buf := make([]byte, 8+8+20+16)
	copy(buf[16:36], "twenty bytes of data")
	seal := Descriptor{Op: OpSeal, Offset: 16, Length: 20, IVOffset: 8, AADOffset: 0, AADLength: 8}
	require.Equal(t, StatusOK, wait(t, b, &Request{Session: sid, Buf: buf, Descs: []Descriptor{seal}}).Status)

	tampered := append([]byte(nil), buf...)
	tampered[0] ^= 1
	open := Descriptor{Op: OpOpen, Offset: 16, Length: 36, IVOffset: 8, AADOffset: 0, AADLength: 8}
	r := wait(t, b, &Request{Session: sid, Buf: tampered, Descs: []Descriptor{open}})
	require.Equal(t, StatusError, r.Status)
	require.ErrorIs(t, r.Err, ErrAuth)

	r = wait(t, b, &Request{Session: sid, Buf: buf, Descs: []Descriptor{open}})
	require.Equal(t, StatusOK, r.Status)
	require.Equal(t, "twenty bytes of data", string(buf[16:36]))
}

func TestBadDescriptorIsHardError(t *testing.T) {
	b := newTestBackend(t)
	sid, err := b.NewSession(SessionParams{Cipher: algo.NullCipher, Auth: algo.HMACMD5_96, AuthKey: make([]byte, 16)})
	require.NoError(t, err)

	r := wait(t, b, &Request{Session: sid, Buf: make([]byte, 8), Descs: []Descriptor{
		{Op: OpDigest, Offset: 0, Length: 8, InjectOffset: 4},
	}})
	require.Equal(t, StatusError, r.Status)
	require.ErrorIs(t, r.Err, ErrBadRequest)
}

func TestMigrateReportsBusy(t *testing.T) {
	b := newTestBackend(t)
	sid, err := b.NewSession(SessionParams{Cipher: algo.NullCipher, Auth: algo.HMACMD5_96, AuthKey: make([]byte, 16)})
	require.NoError(t, err)
	nid, err := b.Migrate(sid)
	require.NoError(t, err)

	req := &Request{Session: sid, Buf: make([]byte, 20), Descs: []Descriptor{
		{Op: OpDigest, Offset: 0, Length: 8, InjectOffset: 8},
	}}
	r := wait(t, b, req)
	require.Equal(t, StatusBusy, r.Status)
	require.Equal(t, nid, r.Session)

	req.Session = r.Session
	require.Equal(t, StatusOK, wait(t, b, req).Status)

	require.NoError(t, b.FreeSession(nid))
	require.ErrorIs(t, b.FreeSession(nid), ErrUnknownSession)
}

func TestUnknownSession(t *testing.T) {
	b := newTestBackend(t)
	r := wait(t, b, &Request{Session: 42, Buf: make([]byte, 4)})
	require.Equal(t, StatusError, r.Status)
	require.ErrorIs(t, r.Err, ErrUnknownSession)
}

func TestDispatchAfterClose(t *testing.T) {
	b, err := NewSoftware(&Config{Workers: 1, ReleaseTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Dispatch(&Request{}, func(Result) {}), ErrClosed)
}

func TestNonblockingOverload(t *testing.T) {
	b, err := NewSoftware(&Config{Workers: 1, Nonblocking: true, ReleaseTimeout: time.Second})
	require.NoError(t, err)
	defer b.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, b.Dispatch(&Request{Session: 99}, func(Result) {
		close(started)
		<-block
	}))
	<-started
	require.ErrorIs(t, b.Dispatch(&Request{Session: 99}, func(Result) {}), ErrNoResources)
	close(block)
}

// 在回调里同步重新提交不能占用 worker 池
func TestBusyResubmitFromCallback(t *testing.T) {
	for _, nb := range []bool{false, true} {
		b, err := NewSoftware(&Config{Workers: 1, Nonblocking: nb, ReleaseTimeout: time.Second})
		require.NoError(t, err)

		sid, err := b.NewSession(SessionParams{Cipher: algo.NullCipher, Auth: algo.HMACMD5_96, AuthKey: make([]byte, 16)})
		require.NoError(t, err)
		nid, err := b.Migrate(sid)
		require.NoError(t, err)

		req := &Request{Session: sid, Buf: make([]byte, 20), Descs: []Descriptor{
			{Op: OpDigest, Offset: 0, Length: 8, InjectOffset: 8},
		}}
		done := make(chan Result, 1)
		var cb Callback
		cb = func(r Result) {
			if r.Status != StatusBusy {
				done <- r
				return
			}
			req.Session = r.Session
			if err := b.Dispatch(req, cb); err != nil {
				done <- Result{Status: StatusError, Err: err}
			}
		}
		require.NoError(t, b.Dispatch(req, cb))

		select {
		case r := <-done:
			require.Equal(t, StatusOK, r.Status, "nonblocking=%v err=%v", nb, r.Err)
			require.Equal(t, nid, req.Session)
		case <-time.After(5 * time.Second):
			t.Fatalf("nonblocking=%v: 重新提交后没有完成", nb)
		}
		require.EqualValues(t, 2, b.Stats().Dispatched)
		require.NoError(t, b.Close())
	}
}
