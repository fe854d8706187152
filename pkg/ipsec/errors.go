package ipsec

import (
	"errors"
	"fmt"

	"github.com/iniwex5/esp-go/pkg/sa"
)

// 丢包原因对应的哨兵错误，调用方用 errors.Is 判断
var (
	ErrPayloadNotBlockAligned = errors.New("ESP 载荷长度未按块对齐")
	ErrPacketTooLarge         = errors.New("ESP 报文超过长度上限")
	ErrInvalidPadding         = errors.New("ESP 填充长度非法")
	ErrUnsupportedAlgorithm   = sa.ErrUnsupportedAlgorithm
	ErrAuthenticationFailed   = errors.New("ESP 完整性校验失败")
	ErrReplayDetected         = errors.New("ESP 重放报文")
	ErrDecryptionFailed       = errors.New("ESP 解密失败")
	ErrOutOfCryptoResources   = errors.New("加密后端资源不足")
	ErrSaDead                 = sa.ErrDead
	ErrPolicyDead             = sa.ErrPolicyDead
	ErrCryptoBackend          = errors.New("加密后端错误")
	ErrSequenceOverflow       = sa.ErrSequenceOverflow
	ErrSPIMismatch            = errors.New("ESP SPI 不匹配")
	ErrTruncated              = errors.New("IP 报文过短")
)

// Error 变换失败时返回的错误，携带统计原因和 SPI
type Error struct {
	Reason Reason
	SPI    uint32
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("esp spi=0x%08x %s: %v", e.SPI, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var reasonErrors = [...]error{
	ReasonBadLength:   ErrPayloadNotBlockAligned,
	ReasonTooLarge:    ErrPacketTooLarge,
	ReasonBadPad:      ErrInvalidPadding,
	ReasonUnsupported: ErrUnsupportedAlgorithm,
	ReasonAuth:        ErrAuthenticationFailed,
	ReasonReplay:      ErrReplayDetected,
	ReasonDecrypt:     ErrDecryptionFailed,
	ReasonNoResources: ErrOutOfCryptoResources,
	ReasonSADead:      ErrSaDead,
	ReasonPolicyDead:  ErrPolicyDead,
	ReasonBackend:     ErrCryptoBackend,
	ReasonWrap:        ErrSequenceOverflow,
	ReasonTruncated:   ErrTruncated,
	ReasonSPI:         ErrSPIMismatch,
}

// newError 以原因对应的哨兵为根；cause 非空时一并包装
func newError(reason Reason, spi uint32, cause error) *Error {
	err := reasonErrors[reason]
	switch {
	case cause == nil:
	case errors.Is(cause, err):
		err = cause
	default:
		err = fmt.Errorf("%w: %w", err, cause)
	}
	return &Error{Reason: reason, SPI: spi, Err: err}
}

// ReasonOf 取出错误的统计原因，非本包错误返回 ReasonNone
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}
