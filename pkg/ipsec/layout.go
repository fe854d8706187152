package ipsec

import (
	"github.com/iniwex5/esp-go/pkg/sa"
)

// ESP 报文格式
// 新式: [ SPI (4) | Seq (4) | IV | Payload | Padding | PadLen (1) | NextHeader (1) ] [ ICV ]
// 旧式: [ SPI (4) | IV | Payload | Padding | PadLen (1) | NextHeader (1) ] [ ICV ]
const (
	LegacyHeaderLen = 4
	HeaderLen       = 8
	trailerLen      = 2
)

// BaseHeaderLen 不含 IV 的 ESP 头长度
func BaseHeaderLen(legacy bool) int {
	if legacy {
		return LegacyHeaderLen
	}
	return HeaderLen
}

// Layout 一次变换用到的长度和偏移，偏移都相对整个缓冲区 (含外层头)
type Layout struct {
	Skip      int // 外层头长度，ESP 头从这里开始
	HeaderLen int // ESP 头 + IV
	IVLen     int
	BlockSize int
	TagLen    int

	// 出站为明文长度；入站为密文长度 (含填充和 2 字节尾部)
	PayloadLen int
	// 出站为填充长度 (含 2 字节尾部)；入站解密前未知，为 0
	PadLen int
	// 变换后 (出站) 或收到的 (入站) 缓冲区总长
	TotalLen int

	IVOffset      int
	PayloadOffset int
	CipherLen     int // 加密区域长度
	TrailerOffset int // PadLen 字节所在位置
	TagOffset     int
}

// PadLength 出站填充长度，包含 PadLen 和 NextHeader 两个字节
func PadLength(rawLen, blockSize int) int {
	return ((blockSize - ((rawLen + trailerLen) % blockSize)) % blockSize) + trailerLen
}

func newLayout(sav *sa.SecurityAssociation, skip int) Layout {
	ivLen := sav.IVLen()
	base := BaseHeaderLen(sav.Legacy())
	return Layout{
		Skip:          skip,
		HeaderLen:     base + ivLen,
		IVLen:         ivLen,
		BlockSize:     sav.Cipher().BlockSize,
		TagLen:        sav.TagLen(),
		IVOffset:      skip + base,
		PayloadOffset: skip + base + ivLen,
	}
}

// EncryptLayout 计算出站布局；结果超过地址族上限时返回 ErrPacketTooLarge
func EncryptLayout(sav *sa.SecurityAssociation, skip, rawLen int, family Family) (Layout, error) {
	l := newLayout(sav, skip)
	l.PayloadLen = rawLen
	l.PadLen = PadLength(rawLen, l.BlockSize)
	l.CipherLen = rawLen + l.PadLen
	l.TrailerOffset = l.PayloadOffset + l.CipherLen - trailerLen
	l.TagOffset = l.PayloadOffset + l.CipherLen
	l.TotalLen = l.TagOffset + l.TagLen
	if l.TotalLen > family.MaxPacket() {
		return Layout{}, ErrPacketTooLarge
	}
	return l, nil
}

// DecryptLayout 计算入站布局，espLen 为外层头之后的全部字节数
// 密文长度必须为正且按块对齐，长度由对端控制，不满足时返回 ErrPayloadNotBlockAligned
func DecryptLayout(sav *sa.SecurityAssociation, skip, espLen int) (Layout, error) {
	l := newLayout(sav, skip)
	n := espLen - l.HeaderLen - l.TagLen
	if n <= 0 || n%l.BlockSize != 0 {
		return Layout{}, ErrPayloadNotBlockAligned
	}
	l.PayloadLen = n
	l.CipherLen = n
	l.TrailerOffset = l.PayloadOffset + n - trailerLen
	l.TagOffset = l.PayloadOffset + n
	l.TotalLen = skip + espLen
	return l, nil
}
