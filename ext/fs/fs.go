// Package fs provides file system ops. Every path is checked against the
// context's read or write permission before it is touched.
package fs

import (
	"context"
	"os"
	"sync"

	"github.com/wippyai/opbridge/ops"
	"github.com/wippyai/opbridge/opstate"
	"github.com/wippyai/opbridge/permissions"
	"github.com/wippyai/opbridge/resource"
	"github.com/wippyai/opbridge/taskqueue"
)

// File is an open file in the resource table.
type File struct {
	resource.Base
	f *os.File
}

func (*File) Name() string { return "fsFile" }

func (r *File) Read(_ context.Context, p []byte) (int, error) { return r.f.Read(p) }

func (r *File) Write(_ context.Context, p []byte) (int, error) { return r.f.Write(p) }

func (r *File) Close() error { return r.f.Close() }

func (r *File) BackingHandle() (uintptr, bool) { return r.f.Fd(), true }

// appendQueues serializes appends per path so concurrent op_fs_append calls
// never interleave their writes.
type appendQueues struct {
	queues map[string]*taskqueue.Queue
	mu     sync.Mutex
}

func (a *appendQueues) get(path string) *taskqueue.Queue {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[path]
	if !ok {
		q = taskqueue.New()
		a.queues[path] = q
	}
	return q
}

// Extension returns the fs extension.
func Extension() ops.Extension {
	return ops.Extension{
		Name: "fs",
		Ops: []ops.Decl{
			ops.Sync("op_fs_open", opOpen),
			ops.Async("op_fs_read_file", opReadFile).OnPool(),
			ops.Async("op_fs_write_file", opWriteFile).OnPool(),
			ops.Async("op_fs_append", opAppend),
			ops.Sync("op_fs_stat", opStat),
			ops.Sync("op_fs_remove", opRemove),
		},
	}
}

func check(oc *ops.Ctx, n permissions.Name, path string) error {
	return opstate.Borrow[*permissions.Container](oc.State).Check(oc, n, path, oc.Op)
}

// OpenArgs are the options of op_fs_open. With no mode flag the file is
// opened read-only.
type OpenArgs struct {
	Path     string `json:"path"`
	Read     bool   `json:"read"`
	Write    bool   `json:"write"`
	Append   bool   `json:"append"`
	Create   bool   `json:"create"`
	Truncate bool   `json:"truncate"`
}

func (a OpenArgs) access() (read, write bool) {
	write = a.Write || a.Append
	return a.Read || !write, write
}

func (a OpenArgs) flags() int {
	read, write := a.access()

	var flag int
	switch {
	case read && write:
		flag = os.O_RDWR
	case write:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if a.Append {
		flag |= os.O_APPEND
	}
	if a.Create {
		flag |= os.O_CREATE
	}
	if a.Truncate {
		flag |= os.O_TRUNC
	}
	return flag
}

func opOpen(oc *ops.Ctx, a OpenArgs) (resource.Handle, error) {
	read, write := a.access()
	if read {
		if err := check(oc, permissions.Read, a.Path); err != nil {
			return 0, err
		}
	}
	if write {
		if err := check(oc, permissions.Write, a.Path); err != nil {
			return 0, err
		}
	}

	flag := a.flags()
	f, err := os.OpenFile(a.Path, flag, 0o644)
	if err != nil {
		return 0, err
	}
	h, err := oc.Resources().Add(&File{f: f})
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	return h, nil
}

type pathArgs struct {
	Path string `json:"path"`
}

func opReadFile(oc *ops.Ctx, a pathArgs) (string, error) {
	if err := check(oc, permissions.Read, a.Path); err != nil {
		return "", err
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type writeArgs struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

func opWriteFile(oc *ops.Ctx, a writeArgs) (any, error) {
	if err := check(oc, permissions.Write, a.Path); err != nil {
		return nil, err
	}
	return nil, os.WriteFile(a.Path, []byte(a.Data), 0o644)
}

func opAppend(oc *ops.Ctx, a writeArgs) (int, error) {
	if err := check(oc, permissions.Write, a.Path); err != nil {
		return 0, err
	}
	queues := opstate.GetOrInit(oc.State, func() *appendQueues {
		return &appendQueues{queues: make(map[string]*taskqueue.Queue)}
	})
	return taskqueue.Run(oc, queues.get(a.Path), func(context.Context) (int, error) {
		f, err := os.OpenFile(a.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return 0, err
		}
		n, err := f.WriteString(a.Data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return n, err
	})
}

// StatResult describes a file.
type StatResult struct {
	Size    int64  `json:"size"`
	Mode    uint32 `json:"mode"`
	MTimeMs int64  `json:"mtimeMs"`
	IsFile  bool   `json:"isFile"`
	IsDir   bool   `json:"isDirectory"`
}

func opStat(oc *ops.Ctx, a pathArgs) (StatResult, error) {
	if err := check(oc, permissions.Read, a.Path); err != nil {
		return StatResult{}, err
	}
	fi, err := os.Stat(a.Path)
	if err != nil {
		return StatResult{}, err
	}
	return StatResult{
		Size:    fi.Size(),
		Mode:    uint32(fi.Mode().Perm()),
		MTimeMs: fi.ModTime().UnixMilli(),
		IsFile:  fi.Mode().IsRegular(),
		IsDir:   fi.IsDir(),
	}, nil
}

func opRemove(oc *ops.Ctx, a pathArgs) (any, error) {
	if err := check(oc, permissions.Write, a.Path); err != nil {
		return nil, err
	}
	return nil, os.Remove(a.Path)
}
