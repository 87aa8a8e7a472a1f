package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Workspace Session Driver (blocking-thread adapter)
// ============================================================================
//
// Owns two goroutines:
//   - listener: blocks on the subscription connection and schedules a
//     re-fetch for every workspace event
//   - fetcher:  performs the initial GET_WORKSPACES and every scheduled
//     re-fetch, pushing a Reset onto the event queue
//
// Scheduling is a capacity-1 token, so at most one re-fetch is in flight and
// any burst that arrives during it collapses into exactly one more.
//
// Every I/O error is reported once on the fatal channel. There is no
// reconnect.
// ============================================================================

type workspaceFetcher interface {
	GetWorkspaces() ([]i3Workspace, error)
}

type workspaceListener interface {
	ReadEvent() (uint32, []byte, error)
	Close() error
}

type workspaceDriver struct {
	fetcher  workspaceFetcher
	listener workspaceListener
	queue    *eventQueue
	logger   *slog.Logger

	refetch chan struct{}
	fatal   chan error

	wg sync.WaitGroup
}

func newWorkspaceDriver(fetcher workspaceFetcher, listener workspaceListener, queue *eventQueue, logger *slog.Logger) *workspaceDriver {
	return &workspaceDriver{
		fetcher:  fetcher,
		listener: listener,
		queue:    queue,
		logger:   logger,
		refetch:  make(chan struct{}, 1),
		fatal:    make(chan error, 1),
	}
}

// Fatal delivers the first I/O error the driver hits.
func (d *workspaceDriver) Fatal() <-chan error { return d.fatal }

// Start launches the fetcher and listener goroutines. They stop when ctx is
// canceled or after the first error.
func (d *workspaceDriver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.runFetcher(ctx)
	}()
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.runListener(ctx)
	}()

	// Closing the subscription connection unblocks the listener's read.
	go func() {
		<-ctx.Done()
		_ = d.listener.Close()
	}()
}

// Wait blocks until both goroutines have exited.
func (d *workspaceDriver) Wait() { d.wg.Wait() }

func (d *workspaceDriver) runFetcher(ctx context.Context) {
	if !d.fetch(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.refetch:
			if !d.fetch(ctx) {
				return
			}
		}
	}
}

func (d *workspaceDriver) fetch(ctx context.Context) bool {
	list, err := d.fetcher.GetWorkspaces()
	if err != nil {
		d.fail(ctx, err)
		return false
	}
	d.queue.Push(workspacesReset(list))
	return true
}

func (d *workspaceDriver) runListener(ctx context.Context) {
	for {
		typ, body, err := d.listener.ReadEvent()
		if err != nil {
			d.fail(ctx, fmt.Errorf("read workspace event: %w", err))
			return
		}
		if typ != i3EventWorkspace {
			continue
		}
		if !json.Valid(body) {
			d.fail(ctx, fmt.Errorf("parse workspace event: invalid JSON payload"))
			return
		}
		d.schedule()
	}
}

// schedule requests a re-fetch. It never blocks.
func (d *workspaceDriver) schedule() {
	select {
	case d.refetch <- struct{}{}:
	default:
	}
}

func (d *workspaceDriver) fail(ctx context.Context, err error) {
	// Errors caused by our own shutdown are not failures.
	if ctx.Err() != nil {
		d.logger.Debug("workspace driver stopped", "error", err)
		return
	}
	select {
	case d.fatal <- fmt.Errorf("workspace driver: %w", err):
	default:
	}
}

// ============================================================================
// Connection setup
// ============================================================================

// workspaceConns holds the three IPC connections, distinct from
// construction.
type workspaceConns struct {
	fetch   *i3Conn
	listen  *i3Conn
	command *i3CommandConn
}

// dialWorkspaces opens and prepares the fetch, subscription and command
// connections.
func dialWorkspaces(socketPath string, logger *slog.Logger) (*workspaceConns, error) {
	fetch, err := dialI3(socketPath)
	if err != nil {
		return nil, err
	}
	listen, err := dialI3(socketPath)
	if err != nil {
		fetch.Close()
		return nil, err
	}
	if err := listen.Subscribe("workspace"); err != nil {
		fetch.Close()
		listen.Close()
		return nil, err
	}
	cmd, err := dialI3(socketPath)
	if err != nil {
		fetch.Close()
		listen.Close()
		return nil, err
	}

	logger.Info("connected to window manager", "socket", socketPath)
	return &workspaceConns{
		fetch:   fetch,
		listen:  listen,
		command: newI3CommandConn(cmd, logger),
	}, nil
}

func (c *workspaceConns) Close() {
	_ = c.fetch.Close()
	_ = c.listen.Close()
	_ = c.command.Close()
}
