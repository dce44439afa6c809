// Copyright 2024 The lqhd Authors
// This file is part of the lqhd library.
//
// The lqhd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lqhd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lqhd library. If not, see <http://www.gnu.org/licenses/>.

// Package fsio is the file-system peer of spec.md §6.4: FSOPENREQ,
// FSCLOSEREQ, FSREADREQ/CONF/REF, FSWRITEREQ/CONF/REF, FSSYNCREQ/CONF.
// Each log part gets one worker goroutine processing its requests in
// order; replies are delivered on a channel carried in the request.
// Submit waits on that channel, so the caller (the redo log writer, the
// restart disk load and head search, replay's invalidation rewrite) blocks
// until the worker has done the I/O; no reply is routed through
// internal/lqh/dispatch.
package fsio

import (
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
)

// ReqKind enumerates the signal kinds this peer answers.
type ReqKind int

const (
	KindOpen ReqKind = iota
	KindClose
	KindRead
	KindWrite
	KindSync
)

// Request is one FS* signal. Reply is sent exactly once on Done.
type Request struct {
	Kind   ReqKind
	Path   string
	Offset int64
	Data   []byte // write payload, or read destination buffer sized by caller
	Sync   bool   // upgrade a write to write+fsync (spec.md §4.1 "write+sync")
	Done   chan Reply
}

// Reply carries the outcome of a Request back to the dispatcher.
type Reply struct {
	Err  error
	Data []byte // populated for KindRead
}

// Worker serialises all FS requests for one log part's files, the same way
// the source serialises file operations per log part.
type Worker struct {
	dir    string
	log    log.Logger
	reqs   chan *Request
	quit   chan struct{}
	files  map[string]*os.File
}

// NewWorker starts a worker rooted at dir (the part's log directory) and
// returns it. Call Close to stop it.
func NewWorker(dir string, logger log.Logger) *Worker {
	w := &Worker{
		dir:   dir,
		log:   logger,
		reqs:  make(chan *Request, 64),
		quit:  make(chan struct{}),
		files: make(map[string]*os.File),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	for {
		select {
		case req := <-w.reqs:
			req.Done <- w.handle(req)
		case <-w.quit:
			for _, f := range w.files {
				f.Close()
			}
			return
		}
	}
}

func (w *Worker) handle(req *Request) Reply {
	path := filepath.Join(w.dir, req.Path)
	switch req.Kind {
	case KindOpen:
		if _, err := w.open(req.Path, path); err != nil {
			return Reply{Err: err}
		}
		return Reply{}
	case KindClose:
		if f, ok := w.files[req.Path]; ok {
			err := f.Close()
			delete(w.files, req.Path)
			return Reply{Err: err}
		}
		return Reply{}
	case KindRead:
		f, err := w.open(req.Path, path)
		if err != nil {
			return Reply{Err: err}
		}
		buf := make([]byte, len(req.Data))
		n, err := f.ReadAt(buf, req.Offset)
		if err != nil && n == 0 {
			return Reply{Err: err}
		}
		return Reply{Data: buf[:n]}
	case KindWrite:
		f, err := w.open(req.Path, path)
		if err != nil {
			return Reply{Err: err}
		}
		if _, err := f.WriteAt(req.Data, req.Offset); err != nil {
			w.log.Error("fsio: write failed", "path", req.Path, "err", err)
			return Reply{Err: err}
		}
		if req.Sync {
			if err := f.Sync(); err != nil {
				return Reply{Err: err}
			}
		}
		return Reply{}
	case KindSync:
		f, err := w.open(req.Path, path)
		if err != nil {
			return Reply{Err: err}
		}
		return Reply{Err: f.Sync()}
	default:
		return Reply{Err: os.ErrInvalid}
	}
}

// open returns the cached handle for key, opening (and creating the part's
// directory) on first use. Every request kind auto-opens rather than
// requiring a prior KindOpen, since the single-threaded dispatcher issues
// FSWRITEREQ/FSSYNCREQ against a part's current file without a matching
// FSOPENREQ of its own (the source opens files during restart's file-scan
// phase; this worker instead opens lazily the first time a part touches a
// given file, which is equivalent from the caller's point of view).
func (w *Worker) open(key, fullPath string) (*os.File, error) {
	if f, ok := w.files[key]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	w.files[key] = f
	return f, nil
}

// Submit enqueues req and blocks the caller until the worker has handled it.
// Every caller in this repository calls it synchronously, including code
// running inside a signal handler.
func (w *Worker) Submit(req *Request) Reply {
	req.Done = make(chan Reply, 1)
	w.reqs <- req
	return <-req.Done
}

// Close stops the worker and closes all open files.
func (w *Worker) Close() { close(w.quit) }

// Lock acquires an exclusive lock on the data directory for the process
// lifetime, mirroring go-ethereum's datadir lock (teacher go.mod dependency
// github.com/gofrs/flock) so two lqhd processes never share a log directory.
func Lock(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(dir, "LOCK"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, os.ErrExist
	}
	return fl, nil
}
