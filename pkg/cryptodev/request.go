package cryptodev

import (
	"errors"

	"github.com/iniwex5/esp-go/pkg/algo"
)

var (
	ErrNoResources    = errors.New("加密后端资源耗尽")
	ErrUnknownSession = errors.New("未知的加密会话")
	ErrBadRequest     = errors.New("加密请求描述符非法")
	ErrAuth           = errors.New("AEAD 认证失败")
	ErrClosed         = errors.New("加密后端已关闭")
	ErrRetryExhausted = errors.New("后端忙重试次数耗尽")
)

// SessionID 后端会话标识，0 表示无效
type SessionID = uint64

// Op 描述符操作
type Op uint8

const (
	OpEncrypt Op = iota + 1 // 原地加密 [Offset, Offset+Length)
	OpDecrypt               // 原地解密
	OpDigest                // 计算 MAC 并写到 InjectOffset
	OpSeal                  // AEAD 加密，标签写在密文之后
	OpOpen                  // AEAD 校验并解密，区域包含尾部标签
)

func (o Op) String() string {
	switch o {
	case OpEncrypt:
		return "encrypt"
	case OpDecrypt:
		return "decrypt"
	case OpDigest:
		return "digest"
	case OpSeal:
		return "seal"
	case OpOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Descriptor 单个加密操作，所有偏移都相对 Request.Buf
type Descriptor struct {
	Op     Op
	Offset int
	Length int

	IVOffset int // 加密 / AEAD

	AADOffset int // AEAD
	AADLength int

	InjectOffset int // OpDigest 结果写入位置
}

// Request 一次提交，描述符按顺序执行
type Request struct {
	Session SessionID
	Buf     []byte
	Descs   []Descriptor

	resubmit bool // 上次以 StatusBusy 完成，回调可能仍在 worker 上
}

// Status 完成状态
type Status uint8

const (
	StatusOK    Status = iota
	StatusBusy         // 会话被迁移，使用 Result.Session 重新提交
	StatusError        // 硬错误，见 Result.Err
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result 完成结果
type Result struct {
	Status  Status
	Session SessionID
	Err     error
}

// Callback 每个被接受的提交恰好回调一次，可能运行在任意 goroutine 上
type Callback func(Result)

// SessionParams 会话参数
type SessionParams struct {
	Cipher    algo.ID
	CipherKey []byte
	Auth      algo.ID
	AuthKey   []byte
}

// Backend 异步加密任务队列
type Backend interface {
	NewSession(p SessionParams) (SessionID, error)
	FreeSession(id SessionID) error
	// Dispatch 返回错误时不会回调
	Dispatch(req *Request, cb Callback) error
}
