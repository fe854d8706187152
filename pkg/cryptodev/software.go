package cryptodev

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/iniwex5/esp-go/pkg/logger"
)

// Config 软件后端配置
type Config struct {
	Workers int // worker 数量

	// Nonblocking 为 true 时池满立即返回 ErrNoResources；
	// 否则最多 MaxBlockingTasks 个提交者阻塞等待 (0 表示不限)
	Nonblocking      bool
	MaxBlockingTasks int

	ReleaseTimeout time.Duration // Close 等待在途任务的时间
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Workers:        runtime.NumCPU(),
		Nonblocking:    true,
		ReleaseTimeout: 3 * time.Second,
	}
}

type task struct {
	req *Request
	cb  Callback
}

// Software 基于 ants 协程池的纯软件加密后端
type Software struct {
	cfg  *Config
	pool *ants.PoolWithFunc
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[SessionID]*session
	migrated map[SessionID]SessionID // 旧会话 -> 新会话
	closed   bool

	nextID atomic.Uint64

	// Busy 后的重新提交不回到池里：回调在 worker 上同步调用 Dispatch 时
	// 阻塞池会等待自己，非阻塞池会误报资源耗尽
	resub sync.WaitGroup

	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
}

// NewSoftware 创建软件后端
func NewSoftware(cfg *Config) (*Software, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	s := &Software{
		cfg:      cfg,
		log:      logger.Named("cryptodev"),
		sessions: make(map[SessionID]*session),
		migrated: make(map[SessionID]SessionID),
	}

	pool, err := ants.NewPoolWithFunc(cfg.Workers, s.execute,
		ants.WithNonblocking(cfg.Nonblocking),
		ants.WithMaxBlockingTasks(cfg.MaxBlockingTasks),
		ants.WithPanicHandler(func(p interface{}) {
			s.log.Error("加密 worker panic", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("创建 worker 池失败: %w", err)
	}
	s.pool = pool

	s.log.Info("软件加密后端已启动", zap.Int("workers", cfg.Workers), zap.Bool("nonblocking", cfg.Nonblocking))
	return s, nil
}

// NewSession 创建会话并预构造算法实例
func (s *Software) NewSession(p SessionParams) (SessionID, error) {
	sess, err := newSession(p)
	if err != nil {
		return 0, err
	}
	id := s.nextID.Add(1)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return id, nil
}

// FreeSession 释放会话并清零密钥副本
func (s *Software) FreeSession(id SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	delete(s.sessions, id)
	for old, cur := range s.migrated {
		if cur == id || old == id {
			delete(s.migrated, old)
		}
	}
	sess.zeroize()
	return nil
}

// Migrate 把会话迁移到新 ID (模拟驱动重新分配会话)，
// 之后使用旧 ID 的请求以 StatusBusy 完成并携带新 ID
func (s *Software) Migrate(id SessionID) (SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, ErrUnknownSession
	}
	nid := s.nextID.Add(1)
	delete(s.sessions, id)
	s.sessions[nid] = sess
	s.migrated[id] = nid
	return nid, nil
}

// Dispatch 提交请求
func (s *Software) Dispatch(req *Request, cb Callback) error {
	if req == nil || cb == nil {
		return ErrBadRequest
	}
	if req.resubmit {
		return s.redispatch(req, cb)
	}
	if err := s.pool.Invoke(&task{req: req, cb: cb}); err != nil {
		switch {
		case errors.Is(err, ants.ErrPoolOverload):
			return ErrNoResources
		case errors.Is(err, ants.ErrPoolClosed):
			return ErrClosed
		default:
			return err
		}
	}
	s.dispatched.Add(1)
	return nil
}

func (s *Software) redispatch(req *Request, cb Callback) error {
	req.resubmit = false
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.resub.Add(1)
	s.mu.RUnlock()
	s.dispatched.Add(1)
	go func() {
		defer s.resub.Done()
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("加密重新提交 panic", zap.Any("panic", p))
			}
		}()
		s.execute(&task{req: req, cb: cb})
	}()
	return nil
}

func (s *Software) execute(arg interface{}) {
	t := arg.(*task)

	s.mu.RLock()
	sess, ok := s.sessions[t.req.Session]
	nid, moved := s.migrated[t.req.Session]
	s.mu.RUnlock()

	switch {
	case moved:
		t.req.resubmit = true
		t.cb(Result{Status: StatusBusy, Session: nid})
		return
	case !ok:
		s.failed.Add(1)
		t.cb(Result{Status: StatusError, Session: t.req.Session, Err: ErrUnknownSession})
		return
	}

	if err := sess.process(t.req); err != nil {
		s.failed.Add(1)
		t.cb(Result{Status: StatusError, Session: t.req.Session, Err: err})
		return
	}
	s.completed.Add(1)
	t.cb(Result{Status: StatusOK, Session: t.req.Session})
}

// Running 正在执行的 worker 数
func (s *Software) Running() int { return s.pool.Running() }

// Stats 计数快照
type Stats struct {
	Dispatched uint64
	Completed  uint64
	Failed     uint64
}

func (s *Software) Stats() Stats {
	return Stats{
		Dispatched: s.dispatched.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
	}
}

// Close 停止接受新请求并等待在途任务
func (s *Software) Close() error {
	err := s.pool.ReleaseTimeout(s.cfg.ReleaseTimeout)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.resub.Wait()

	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.zeroize()
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	return err
}
