package ipsec

import (
	"crypto/hmac"
	"encoding/binary"

	"github.com/google/gopacket/layers"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/cryptodev"
	"github.com/iniwex5/esp-go/pkg/sa"
)

// InputResult 入站完成结果
type InputResult struct {
	Buf       []byte // 外层头 + 明文，ESP 头、IV、填充、尾部和 ICV 均已剥离
	NextProto layers.IPProtocol
	Skip      int // 原 ESP 头偏移，即明文起始位置
	Seq       uint32
}

// InputDone 入站完成回调，成功和失败都恰好调用一次
type InputDone func(InputResult, error)

// Input 解封装 pkt.Buf[pkt.Skip:] 处的 ESP 报文
//
// 长度和重放预检查同步完成，失败时直接返回错误且不会提交给后端，done 也不会被调用。
// 重放窗口只在完整性校验通过后更新。
func (t *Transform) Input(pkt *Packet, sav *sa.SecurityAssociation, done InputDone) error {
	spi := sav.SPI()
	if pkt.Skip < 0 || pkt.Skip > len(pkt.Buf) {
		return t.fail(Inbound, newError(ReasonTruncated, spi, nil), 0)
	}

	l, err := DecryptLayout(sav, pkt.Skip, len(pkt.Buf)-pkt.Skip)
	if err != nil {
		return t.fail(Inbound, newError(ReasonBadLength, spi, err), 0)
	}
	// SPI 已在调用方按 SPI 查找 SA 时匹配
	var seq uint32
	if !sav.Legacy() {
		seq = binary.BigEndian.Uint32(pkt.Buf[pkt.Skip+4:])
		// 只读预检查，明显的重放不必浪费一次加密操作
		if sav.Authenticated() && !sav.CheckReplay(seq) {
			return t.fail(Inbound, newError(ReasonReplay, spi, nil), seq)
		}
	}

	p, ferr := t.acquire(Inbound, sav, nil)
	if ferr != nil {
		return t.fail(Inbound, ferr, seq)
	}
	p.layout = l
	p.seq = seq
	p.protoOffset = pkt.ProtoOffset
	if p.protoOffset >= pkt.Skip {
		p.protoOffset = -1
	}
	p.req.Buf = pkt.Buf
	p.req.Descs = t.inputDescriptors(p)
	p.complete = t.inputComplete
	p.finish = func(p *pending, err *Error) {
		p.release()
		if err != nil {
			done(InputResult{}, t.fail(Inbound, err, p.seq))
			return
		}
		t.stats.done(Inbound, len(p.req.Buf)-p.layout.Skip)
		done(InputResult{
			Buf:       p.req.Buf,
			NextProto: p.nextProto,
			Skip:      p.layout.Skip,
			Seq:       p.seq,
		}, nil)
	}

	if derr := p.dispatch(); derr != nil {
		p.release()
		return t.fail(Inbound, derr, seq)
	}
	return nil
}

func (t *Transform) inputDescriptors(p *pending) []cryptodev.Descriptor {
	l := p.layout
	if p.sav.IsAEAD() {
		return []cryptodev.Descriptor{{
			Op:        cryptodev.OpOpen,
			Offset:    l.PayloadOffset,
			Length:    l.CipherLen + l.TagLen,
			IVOffset:  l.IVOffset,
			AADOffset: l.Skip,
			AADLength: HeaderLen,
		}}
	}

	var descs []cryptodev.Descriptor
	if p.sav.Auth().ID != algo.None {
		// 提交前取出收到的 ICV，后端把计算出的摘要写回同一位置
		copy(p.tag[:l.TagLen], p.req.Buf[l.TagOffset:l.TagOffset+l.TagLen])
		descs = append(descs, cryptodev.Descriptor{
			Op:           cryptodev.OpDigest,
			Offset:       l.Skip,
			Length:       l.HeaderLen + l.CipherLen,
			InjectOffset: l.TagOffset,
		})
	}
	return append(descs, cryptodev.Descriptor{
		Op:       cryptodev.OpDecrypt,
		Offset:   l.PayloadOffset,
		Length:   l.CipherLen,
		IVOffset: l.IVOffset,
	})
}

// inputComplete 后端成功后：校验 ICV -> 更新重放窗口 -> 检查填充 -> 剥离
func (t *Transform) inputComplete(p *pending) *Error {
	sav, l, buf := p.sav, p.layout, p.req.Buf
	spi := sav.SPI()

	if !sav.IsAEAD() && sav.Auth().ID != algo.None {
		if !hmac.Equal(buf[l.TagOffset:l.TagOffset+l.TagLen], p.tag[:l.TagLen]) {
			return newError(ReasonAuth, spi, nil)
		}
	}

	if !sav.Legacy() && sav.Authenticated() && !sav.UpdateReplay(p.seq) {
		return newError(ReasonReplay, spi, nil)
	}

	npad := int(buf[l.TrailerOffset])
	if npad+trailerLen > l.CipherLen {
		return newError(ReasonBadPad, spi, nil)
	}
	// 顺序填充可以自校验，密钥不对时大概率在这里发现；这不是完整性保护
	if sav.PaddingPolicy() == sa.PaddingSequential && !sav.IsAEAD() {
		for i, b := range buf[l.TrailerOffset-npad : l.TrailerOffset] {
			if b != byte(i+1) {
				return newError(ReasonDecrypt, spi, nil)
			}
		}
	}

	p.nextProto = layers.IPProtocol(buf[l.TrailerOffset+1])
	plainLen := l.CipherLen - trailerLen - npad
	copy(buf[l.Skip:], buf[l.PayloadOffset:l.PayloadOffset+plainLen])
	p.req.Buf = buf[:l.Skip+plainLen]
	if p.protoOffset >= 0 {
		p.req.Buf[p.protoOffset] = byte(p.nextProto)
	}
	sav.AddTraffic(plainLen)
	return nil
}
