package sa

import "errors"

// ErrPolicyDead 策略已被拆除
var ErrPolicyDead = errors.New("IPsec 策略已失效")

// Policy 出站方向引用 SA 的策略对象 (只关心生命周期)
type Policy struct {
	Name string
	lt   lifetime
}

func NewPolicy(name string) *Policy {
	return &Policy{Name: name}
}

// Acquire 原子地检查存活并增加引用
func (p *Policy) Acquire() (*Ref, error) {
	if !p.lt.acquire() {
		return nil, ErrPolicyDead
	}
	return newRef(&p.lt), nil
}

// Kill 标记策略失效，已持有的引用仍然有效
func (p *Policy) Kill() bool { return p.lt.kill() }

func (p *Policy) Dead() bool { return p.lt.dead() }

// Refs 当前在途引用数
func (p *Policy) Refs() int { return p.lt.refs() }
