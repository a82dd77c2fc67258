package subscription

import "sync"

// Disposer 显式的清理函数列表
//
// 组件在初始化时登记需要撤销的动作（取消订阅、停止定时器、关闭连接），
// Dispose 按登记顺序各执行一次。Dispose 之后再登记的函数立即执行。
type Disposer struct {
	mu       sync.Mutex
	fns      []func()
	disposed bool
}

// Add 登记清理函数
func (d *Disposer) Add(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		fn()
		return
	}
	d.fns = append(d.fns, fn)
	d.mu.Unlock()
}

// AddCloser 登记 io.Closer 风格的清理函数，错误交给 onErr
func (d *Disposer) AddCloser(close func() error, onErr func(error)) {
	d.Add(func() {
		if err := close(); err != nil && onErr != nil {
			onErr(err)
		}
	})
}

// Dispose 执行全部清理函数，重复调用无副作用
func (d *Disposer) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	fns := d.fns
	d.fns = nil
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Disposed 是否已执行清理
func (d *Disposer) Disposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}
