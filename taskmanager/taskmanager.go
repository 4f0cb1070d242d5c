// Package taskmanager owns every goroutine a node spawns and drives its shutdown.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const CName = "node.taskmanager"

var log = logger.NewNamed(CName)

var ErrClosed = errors.New("task manager closed")

// Func is the body of a task. It must return once ctx is done.
type Func func(ctx context.Context) error

// Kind classifies how a task is run and what its failure means.
type Kind uint8

const (
	Ordinary Kind = iota
	OrdinaryBlocking
	Essential
	EssentialBlocking
)

func (k Kind) Essential() bool { return k == Essential || k == EssentialBlocking }

func (k Kind) Blocking() bool { return k == OrdinaryBlocking || k == EssentialBlocking }

func (k Kind) String() string {
	switch k {
	case Ordinary:
		return "ordinary"
	case OrdinaryBlocking:
		return "ordinary-blocking"
	case Essential:
		return "essential"
	case EssentialBlocking:
		return "essential-blocking"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Task describes a spawned task.
type Task struct {
	Name string
	Kind Kind
}

// Spawner is the capability handed to subsystems that run background work.
type Spawner interface {
	Spawn(name string, fn Func)
	SpawnBlocking(name string, fn Func)
}

// TaskManager is the root owner of all node tasks. An essential task returning
// an error (or panicking) cancels every other task.
type TaskManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	tasks     []Task
	children  []*TaskManager
	keepAlive []keepAlive
	closed    bool
}

type keepAlive struct {
	name  string
	close func() error
}

func New(parent context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &TaskManager{ctx: gctx, cancel: cancel, group: group}
}

// Context is cancelled when the manager shuts down.
func (tm *TaskManager) Context() context.Context {
	return tm.ctx
}

func (tm *TaskManager) SpawnHandle() SpawnHandle {
	return SpawnHandle{tm: tm}
}

func (tm *TaskManager) SpawnEssentialHandle() SpawnHandle {
	return SpawnHandle{tm: tm, essential: true}
}

// Tasks returns the spawned tasks in spawn order.
func (tm *TaskManager) Tasks() []Task {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]Task(nil), tm.tasks...)
}

// AddChild ties the lifetime of another manager to this one: the child is
// closed with the parent and a child failure fails the parent.
func (tm *TaskManager) AddChild(child *TaskManager) {
	tm.mu.Lock()
	tm.children = append(tm.children, child)
	tm.mu.Unlock()

	tm.spawn("child-task-manager", Essential, func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- child.Wait() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return nil
		}
	})
}

// KeepAlive registers a resource released after every task has returned, in
// reverse registration order.
func (tm *TaskManager) KeepAlive(name string, closeFn func() error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.keepAlive = append(tm.keepAlive, keepAlive{name: name, close: closeFn})
}

func (tm *TaskManager) spawn(name string, kind Kind, fn Func) {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		log.Warn("spawn after close ignored", zap.String("task", name))
		return
	}
	tm.tasks = append(tm.tasks, Task{Name: name, Kind: kind})
	tm.mu.Unlock()

	log.Debug("spawn task", zap.String("task", name), zap.Stringer("kind", kind))

	tm.group.Go(func() (err error) {
		if kind.Blocking() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		defer func() {
			if r := recover(); r != nil {
				log.Error("task panicked",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("task %q panicked: %v", name, r)
			}
			if err == nil {
				return
			}
			if errors.Is(err, context.Canceled) && tm.ctx.Err() != nil {
				err = nil
				return
			}
			if !kind.Essential() {
				log.Warn("task failed", zap.String("task", name), zap.Error(err))
				err = nil
				return
			}
			log.Error("essential task failed", zap.String("task", name), zap.Error(err))
			err = fmt.Errorf("essential task %q failed: %w", name, err)
		}()
		return fn(tm.ctx)
	})
}

// Wait blocks until every task returned and reports the first essential failure.
func (tm *TaskManager) Wait() error {
	return tm.group.Wait()
}

// Close cancels all tasks, children first, and waits for them within ctx.
func (tm *TaskManager) Close(ctx context.Context) error {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return nil
	}
	tm.closed = true
	children := tm.children
	tm.mu.Unlock()

	var errs []error
	for i := len(children) - 1; i >= 0; i-- {
		if err := children[i].Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	tm.cancel()

	done := make(chan error, 1)
	go func() { done <- tm.group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		return errors.Join(append(errs, fmt.Errorf("wait tasks: %w", ctx.Err()))...)
	}

	tm.mu.Lock()
	resources := tm.keepAlive
	tm.keepAlive = nil
	tm.mu.Unlock()
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", resources[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// SpawnHandle spawns either ordinary or essential tasks.
type SpawnHandle struct {
	tm        *TaskManager
	essential bool
}

func (h SpawnHandle) Spawn(name string, fn Func) {
	kind := Ordinary
	if h.essential {
		kind = Essential
	}
	h.tm.spawn(name, kind, fn)
}

// SpawnBlocking runs fn on a dedicated OS thread.
func (h SpawnHandle) SpawnBlocking(name string, fn Func) {
	kind := OrdinaryBlocking
	if h.essential {
		kind = EssentialBlocking
	}
	h.tm.spawn(name, kind, fn)
}
