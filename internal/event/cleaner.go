package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/arrudagates/ponder/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 让普通函数满足 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	cleanOnce      sync.Once
	cleaning       bool
	timeout        time.Duration
	loggerShutdown Callable
	err            error
}

var cleanerInstance = newCleaner(10 * time.Second)

func NewCleaner() *Cleaner {
	return cleanerInstance
}

func newCleaner(timeout time.Duration) *Cleaner {
	return &Cleaner{timeout: timeout}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

func (c *Cleaner) AddFunc(f func(ctx context.Context) error) {
	c.Add(CallableFunc(f))
}

// SetTimeout 设置每个清理函数的超时
func (c *Cleaner) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Init 记录日志系统的关闭回调，它总是在所有清理函数之后执行
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggerShutdown = loggerShutdown
}

// Wait 阻塞直到 ctx 结束（通常是信号上下文），然后执行清理
func (c *Cleaner) Wait(ctx context.Context) error {
	<-ctx.Done()
	logger.Info("Received interrupt signal, shutting down")
	return c.Clean()
}

// Clean 按注册的逆序执行清理函数，多次调用只执行一次
func (c *Cleaner) Clean() error {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true // 阻止后续 Add
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		loggerShutdown := c.loggerShutdown
		timeout := c.timeout
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			func(idx int, callable Callable) {
				logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
				timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), timeout)
				defer cancelFunc()
				if err := callable.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
					errs = append(errs, fmt.Errorf("cleaner #%d: %w", idx+1, err))
				}
			}(i, cleanersCopy[i])
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := loggerShutdown.Invoke(shutdownCtx); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}
		c.err = errors.Join(errs...)
	})
	return c.err
}
