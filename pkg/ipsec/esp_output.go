package ipsec

import (
	"encoding/binary"
	"io"

	"github.com/google/gopacket/layers"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/cryptodev"
	"github.com/iniwex5/esp-go/pkg/sa"
)

// OutputResult 出站完成结果
type OutputResult struct {
	Buf  []byte // 外层头 + 完整 ESP 报文，可直接发送
	Skip int    // ESP 头在 Buf 中的偏移
	Seq  uint32 // 旧式 ESP 为 0
}

// OutputDone 出站完成回调，成功和失败都恰好调用一次
type OutputDone func(OutputResult, error)

// Output 封装 pkt.Buf[pkt.Skip:]
//
// 同步返回错误时 done 不会被调用；返回 nil 后结果经 done 异步送达，
// 可能早于 Output 返回。序列号在任何异步步骤之前分配，
// 同一 SA 上先提交的报文序列号一定更小。
func (t *Transform) Output(pkt *Packet, sav *sa.SecurityAssociation, pol *sa.Policy, done OutputDone) error {
	spi := sav.SPI()
	if pkt.Skip < 0 || pkt.Skip > len(pkt.Buf) {
		return t.fail(Outbound, newError(ReasonTruncated, spi, nil), 0)
	}

	// 长度检查在任何修改之前
	rawLen := len(pkt.Buf) - pkt.Skip
	l, err := EncryptLayout(sav, pkt.Skip, rawLen, pkt.Family)
	if err != nil {
		return t.fail(Outbound, newError(ReasonTooLarge, spi, err), 0)
	}

	p, ferr := t.acquire(Outbound, sav, pol)
	if ferr != nil {
		return t.fail(Outbound, ferr, 0)
	}

	var seq uint32
	if !sav.Legacy() {
		if seq, err = sav.NextSequence(); err != nil {
			p.release()
			return t.fail(Outbound, newError(ReasonWrap, spi, err), 0)
		}
	}

	// IV 和随机填充先取出来，失败时报文保持原样
	npad := l.PadLen - trailerLen
	scratch := make([]byte, l.IVLen+npad)
	random := scratch[:l.IVLen]
	if sav.PaddingPolicy() == sa.PaddingRandom {
		random = scratch
	}
	if _, err := io.ReadFull(t.cfg.Rand, random); err != nil {
		p.release()
		return t.fail(Outbound, newError(ReasonBackend, spi, err), seq)
	}

	nextProto := pkt.nextProto()
	buf := grow(pkt.Buf, l.TotalLen)
	copy(buf[l.PayloadOffset:l.PayloadOffset+rawLen], buf[l.Skip:l.Skip+rawLen])

	binary.BigEndian.PutUint32(buf[l.Skip:], spi)
	if !sav.Legacy() {
		binary.BigEndian.PutUint32(buf[l.Skip+4:], seq)
	}
	copy(buf[l.IVOffset:l.PayloadOffset], scratch[:l.IVLen])

	pad := buf[l.PayloadOffset+rawLen : l.TrailerOffset]
	switch sav.PaddingPolicy() {
	case sa.PaddingSequential:
		for i := range pad {
			pad[i] = byte(i + 1)
		}
	case sa.PaddingRandom:
		copy(pad, scratch[l.IVLen:])
	default:
		clear(pad)
	}
	buf[l.TrailerOffset] = byte(npad)
	buf[l.TrailerOffset+1] = byte(nextProto)
	clear(buf[l.TagOffset:])

	pkt.Buf = buf
	pkt.setNextProto(layers.IPProtocolESP)

	p.layout = l
	p.seq = seq
	p.req.Buf = buf
	p.req.Descs = outputDescriptors(sav, l)
	p.complete = func(p *pending) *Error {
		p.sav.AddTraffic(p.layout.PayloadLen)
		return nil
	}
	p.finish = func(p *pending, err *Error) {
		p.release()
		if err != nil {
			done(OutputResult{}, t.fail(Outbound, err, p.seq))
			return
		}
		t.stats.done(Outbound, p.layout.PayloadLen)
		done(OutputResult{Buf: p.req.Buf, Skip: p.layout.Skip, Seq: p.seq}, nil)
	}

	if derr := p.dispatch(); derr != nil {
		p.release()
		return t.fail(Outbound, derr, seq)
	}
	return nil
}

func outputDescriptors(sav *sa.SecurityAssociation, l Layout) []cryptodev.Descriptor {
	if sav.IsAEAD() {
		// AAD = SPI + Seq，标签紧跟在密文之后
		return []cryptodev.Descriptor{{
			Op:        cryptodev.OpSeal,
			Offset:    l.PayloadOffset,
			Length:    l.CipherLen,
			IVOffset:  l.IVOffset,
			AADOffset: l.Skip,
			AADLength: HeaderLen,
		}}
	}
	descs := []cryptodev.Descriptor{{
		Op:       cryptodev.OpEncrypt,
		Offset:   l.PayloadOffset,
		Length:   l.CipherLen,
		IVOffset: l.IVOffset,
	}}
	if sav.Auth().ID != algo.None {
		// 先加密后认证，MAC 覆盖 ESP 头、IV 和密文
		descs = append(descs, cryptodev.Descriptor{
			Op:           cryptodev.OpDigest,
			Offset:       l.Skip,
			Length:       l.HeaderLen + l.CipherLen,
			InjectOffset: l.TagOffset,
		})
	}
	return descs
}

// grow 把 b 扩展到 n 字节，容量足够时原地扩展
func grow(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}
	nb := make([]byte, n)
	copy(nb, b)
	return nb
}
