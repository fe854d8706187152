package replay

// Window 滑动抗重放窗口 (RFC 4303 3.4.3)
// 第 i 位表示序列号 lastSeq-i 已被接收。
// 非并发安全，由 SA 的锁保护。
type Window struct {
	size    uint32 // 窗口宽度 (位)
	lastSeq uint32 // 已接受的最大序列号
	count   uint64 // 已接受的报文数
	bits    []uint64
}

// New 创建宽度为 size 位的窗口，size 为 0 时返回 nil (关闭重放检查)
func New(size int) *Window {
	if size <= 0 {
		return nil
	}
	return &Window{
		size: uint32(size),
		bits: make([]uint64, (size+63)/64),
	}
}

// Size 窗口宽度
func (w *Window) Size() int { return int(w.size) }

// LastSeq 已接受的最大序列号
func (w *Window) LastSeq() uint32 { return w.lastSeq }

// Count 已接受的报文数
func (w *Window) Count() uint64 { return w.count }

func (w *Window) isSet(diff uint32) bool {
	return w.bits[diff/64]&(1<<(diff%64)) != 0
}

func (w *Window) set(diff uint32) {
	w.bits[diff/64] |= 1 << (diff % 64)
}

func (w *Window) reset() {
	for i := range w.bits {
		w.bits[i] = 0
	}
}

// shift 整体左移 n 位 (更旧的方向)，n < size
func (w *Window) shift(n uint32) {
	words, off := int(n/64), n%64
	for i := len(w.bits) - 1; i >= 0; i-- {
		src := i - words
		var v uint64
		if src >= 0 {
			v = w.bits[src] << off
			if off != 0 && src > 0 {
				v |= w.bits[src-1] >> (64 - off)
			}
		}
		w.bits[i] = v
	}
}

// Check 只读检查 seq 是否可接受，不修改窗口
func (w *Window) Check(seq uint32) bool {
	// 序列号 0 永远非法
	if seq == 0 {
		return false
	}
	// 第一个报文总是可以接受
	if w.count == 0 {
		return true
	}
	if seq > w.lastSeq {
		return true
	}
	diff := w.lastSeq - seq
	if diff >= w.size {
		return false // 太旧
	}
	return !w.isSet(diff)
}

// CheckAndUpdate 检查并记录 seq，只能在认证通过之后调用
func (w *Window) CheckAndUpdate(seq uint32) bool {
	if !w.Check(seq) {
		return false
	}

	switch {
	case w.count == 0:
		w.reset()
		w.lastSeq = seq
		w.set(0)
	case seq > w.lastSeq:
		diff := seq - w.lastSeq
		if diff < w.size {
			w.shift(diff)
		} else {
			w.reset()
		}
		w.set(0)
		w.lastSeq = seq
	default:
		w.set(w.lastSeq - seq)
	}
	w.count++
	return true
}
