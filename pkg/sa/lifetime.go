package sa

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/iniwex5/esp-go/pkg/logger"
)

// deadBit 与引用计数打包在同一个 int64 中，
// 使 "检查存活 + 增加引用" 成为一次 CAS
const deadBit = int64(1) << 62

// lifetime 引用计数 + 存活状态
type lifetime struct {
	v      atomic.Int64
	onFree func()
}

func (l *lifetime) acquire() bool {
	for {
		v := l.v.Load()
		if v&deadBit != 0 {
			return false
		}
		if l.v.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

func (l *lifetime) release() {
	if l.v.Add(-1) == deadBit && l.onFree != nil {
		l.onFree()
	}
}

// kill 只生效一次；没有在途引用时立即释放
func (l *lifetime) kill() bool {
	for {
		v := l.v.Load()
		if v&deadBit != 0 {
			return false
		}
		if l.v.CompareAndSwap(v, v|deadBit) {
			if v == 0 && l.onFree != nil {
				l.onFree()
			}
			return true
		}
	}
}

func (l *lifetime) refs() int {
	return int(l.v.Load() &^ deadBit)
}

func (l *lifetime) dead() bool {
	return l.v.Load()&deadBit != 0
}

// Ref 一次 Acquire 得到的强引用
// 释放权随 Ref 转移，Swap 保证底层计数只被减一次
type Ref struct {
	l atomic.Pointer[lifetime]
}

func newRef(l *lifetime) *Ref {
	r := &Ref{}
	r.l.Store(l)
	return r
}

// doubleRelease 在同一个 Ref 被释放两次时调用，测试中替换为 panic
var doubleRelease = func() {
	logger.Error("引用被重复释放", zap.Stack("stack"))
}

// Release 释放引用；重复调用是调用方的错误，记录后返回 false，计数不变
func (r *Ref) Release() bool {
	if r == nil {
		return false
	}
	l := r.l.Swap(nil)
	if l == nil {
		doubleRelease()
		return false
	}
	l.release()
	return true
}
