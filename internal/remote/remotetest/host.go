// Package remotetest provides an in-memory host that interprets the commands
// issued by the deployment packages, for use in tests.
package remotetest

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/remote"
	"github.com/Kami/django-deployment-script/internal/shell"
)

type nodeKind int

const (
	kindDir nodeKind = iota
	kindFile
	kindLink
)

type node struct {
	kind   nodeKind
	data   []byte
	target string
}

// Call records one command issued against the host.
type Call struct {
	Command    shell.Command
	Privileged bool
}

// String renders the call the way it would be sent over the wire.
func (c Call) String() string {
	if c.Privileged {
		return "sudo " + c.Command.String()
	}
	return c.Command.String()
}

type failure struct {
	match  func(Call) bool
	status int
	stderr string
	times  int
}

// Host is an in-memory remote host. It is safe for concurrent use.
type Host struct {
	name string

	mu        sync.Mutex
	fs        map[string]*node
	calls     []Call
	uploads   []string
	failures  []*failure
	uploadErr error
}

var _ remote.Executor = (*Host)(nil)

// NewHost returns an empty host with only the root directory.
func NewHost(name string) *Host {
	return &Host{
		name: name,
		fs:   map[string]*node{"/": {kind: kindDir}},
	}
}

// Host implements remote.Executor.
func (h *Host) Host() string { return h.name }

// Close implements remote.Executor.
func (h *Host) Close() error { return nil }

// Run implements remote.Executor.
func (h *Host) Run(ctx context.Context, cmd shell.Command) (string, error) {
	return h.exec(ctx, Call{Command: cmd})
}

// RunPrivileged implements remote.Executor.
func (h *Host) RunPrivileged(ctx context.Context, cmd shell.Command) (string, error) {
	return h.exec(ctx, Call{Command: cmd, Privileged: true})
}

// Upload implements remote.Executor by copying the local file into the host.
func (h *Host) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return &deployerr.Error{Kind: deployerr.KindUpload, Host: h.name, Op: "upload", Err: err, ExitStatus: -1}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &deployerr.Error{Kind: deployerr.KindUpload, Host: h.name, Op: "upload", Err: err, ExitStatus: -1}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.uploadErr != nil {
		return &deployerr.Error{Kind: deployerr.KindUpload, Host: h.name, Op: "upload " + remotePath, Err: h.uploadErr, ExitStatus: -1}
	}
	if strings.HasSuffix(remotePath, "/") {
		remotePath = path.Join(remotePath, path.Base(localPath))
	}
	p := h.realpath(path.Clean(remotePath), true)
	parent, ok := h.fs[h.realpath(path.Dir(p), true)]
	if !ok || parent.kind != kindDir {
		return &deployerr.Error{Kind: deployerr.KindUpload, Host: h.name, Op: "upload " + remotePath, Err: os.ErrNotExist, ExitStatus: -1}
	}
	h.fs[p] = &node{kind: kindFile, data: data}
	h.uploads = append(h.uploads, p)
	return nil
}

// FailUploads makes every subsequent upload fail with err.
func (h *Host) FailUploads(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploadErr = err
}

// FailWhen makes calls matching match exit with status. times <= 0 fails forever.
func (h *Host) FailWhen(match func(Call) bool, status int, stderr string, times int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, &failure{match: match, status: status, stderr: stderr, times: times})
}

// FailProgram makes every call to program exit with status.
func (h *Host) FailProgram(program string, status int) {
	h.FailWhen(ProgramIs(program), status, program+": failed", 0)
}

// ProgramIs matches calls by program name.
func ProgramIs(program string) func(Call) bool {
	return func(c Call) bool { return c.Command.Program == program }
}

// Calls returns every recorded call in order.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Count returns how many recorded calls match.
func (h *Host) Count(match func(Call) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if match(c) {
			n++
		}
	}
	return n
}

// Uploads lists the remote paths written through Upload.
func (h *Host) Uploads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.uploads...)
}

// MkdirAll creates p and its parents.
func (h *Host) MkdirAll(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAll(path.Clean(p))
}

// WriteFile creates a file, creating parent directories.
func (h *Host) WriteFile(p string, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	h.mkdirAll(path.Dir(p))
	h.fs[p] = &node{kind: kindFile, data: []byte(data)}
}

// Symlink creates a link at p pointing at target.
func (h *Host) Symlink(target, p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	h.mkdirAll(path.Dir(p))
	h.fs[p] = &node{kind: kindLink, target: target}
}

// ReadLink returns the target of link p and whether p is a link.
func (h *Host) ReadLink(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.fs[path.Clean(p)]
	if !ok || n.kind != kindLink {
		return "", false
	}
	return n.target, true
}

// Exists reports whether p exists without following a final symlink.
func (h *Host) Exists(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.fs[h.realpath(path.Clean(p), false)]
	return ok
}

// IsDir reports whether p resolves to a directory.
func (h *Host) IsDir(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.fs[h.realpath(path.Clean(p), true)]
	return ok && n.kind == kindDir
}

// ReadFile returns the content of file p.
func (h *Host) ReadFile(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.fs[h.realpath(path.Clean(p), true)]
	if !ok || n.kind != kindFile {
		return "", false
	}
	return string(n.data), true
}

// List returns the sorted names directly under directory p.
func (h *Host) List(p string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.children(h.realpath(path.Clean(p), true))
}

func (h *Host) exec(ctx context.Context, call Call) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", h.fail(call, -1, "", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	for _, f := range h.failures {
		if f.times < 0 || !f.match(call) {
			continue
		}
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				f.times = -1
			}
		}
		return "", h.fail(call, f.status, f.stderr, fmt.Errorf("exit status %d", f.status))
	}
	out, status, stderr := h.interpret(call.Command)
	if status != 0 {
		return out, h.fail(call, status, stderr, fmt.Errorf("exit status %d", status))
	}
	return out, nil
}

func (h *Host) fail(call Call, status int, stderr string, err error) error {
	return &deployerr.Error{
		Kind:       deployerr.KindTransport,
		Host:       h.name,
		Op:         call.Command.String(),
		ExitStatus: status,
		Stderr:     stderr,
		Err:        err,
	}
}

func (h *Host) interpret(cmd shell.Command) (string, int, string) {
	dir := cmd.Dir
	if dir == "" {
		dir = "/"
	}
	abs := func(p string) string {
		if path.IsAbs(p) {
			return path.Clean(p)
		}
		return path.Join(dir, p)
	}
	flags, args := splitFlags(cmd.Args)

	switch cmd.Program {
	case "test":
		return h.test(cmd.Args, abs)
	case "mkdir":
		for _, a := range args {
			p := abs(a)
			if flags['p'] {
				if n, ok := h.fs[h.realpath(p, true)]; ok && n.kind != kindDir {
					return "", 1, "mkdir: " + a + ": Not a directory"
				}
				h.mkdirAll(p)
				continue
			}
			if _, ok := h.fs[h.realpath(p, false)]; ok {
				return "", 1, "mkdir: " + a + ": File exists"
			}
			parent, ok := h.fs[h.realpath(path.Dir(p), true)]
			if !ok || parent.kind != kindDir {
				return "", 1, "mkdir: " + a + ": No such file or directory"
			}
			h.fs[h.realpath(p, false)] = &node{kind: kindDir}
		}
		return "", 0, ""
	case "mv":
		if len(args) != 2 {
			return "", 64, "mv: usage"
		}
		return h.move(abs(args[0]), abs(args[1]), flags['T'] || flags['h'])
	case "ln":
		if len(args) != 2 || !flags['s'] {
			return "", 64, "ln: usage"
		}
		link := abs(args[1])
		if !flags['n'] {
			if n, ok := h.fs[h.realpath(link, true)]; ok && n.kind == kindDir {
				link = path.Join(h.realpath(link, true), path.Base(args[0]))
			}
		}
		key := h.realpath(link, false)
		if existing, ok := h.fs[key]; ok {
			if !flags['f'] {
				return "", 1, "ln: " + args[1] + ": File exists"
			}
			if existing.kind == kindDir {
				return "", 1, "ln: " + args[1] + ": Is a directory"
			}
		}
		if parent, ok := h.fs[h.realpath(path.Dir(key), true)]; !ok || parent.kind != kindDir {
			return "", 1, "ln: " + args[1] + ": No such file or directory"
		}
		h.fs[key] = &node{kind: kindLink, target: args[0]}
		return "", 0, ""
	case "readlink":
		if len(args) != 1 {
			return "", 64, "readlink: usage"
		}
		n, ok := h.fs[h.realpath(abs(args[0]), false)]
		if !ok || n.kind != kindLink {
			return "", 1, ""
		}
		return n.target + "\n", 0, ""
	case "rm":
		for _, a := range args {
			p := h.realpath(abs(a), false)
			n, ok := h.fs[p]
			if !ok {
				if flags['f'] {
					continue
				}
				return "", 1, "rm: " + a + ": No such file or directory"
			}
			if n.kind == kindDir && !flags['r'] && !flags['R'] {
				return "", 1, "rm: " + a + ": is a directory"
			}
			h.removeTree(p)
		}
		return "", 0, ""
	case "cp":
		if len(args) != 2 {
			return "", 64, "cp: usage"
		}
		src, ok := h.fs[h.realpath(abs(args[0]), true)]
		if !ok || src.kind != kindFile {
			return "", 1, "cp: " + args[0] + ": No such file or directory"
		}
		dst := h.realpath(abs(args[1]), true)
		if n, ok := h.fs[dst]; ok && n.kind == kindDir {
			dst = path.Join(dst, path.Base(args[0]))
		}
		if parent, ok := h.fs[h.realpath(path.Dir(dst), true)]; !ok || parent.kind != kindDir {
			return "", 1, "cp: " + args[1] + ": No such file or directory"
		}
		h.fs[dst] = &node{kind: kindFile, data: append([]byte(nil), src.data...)}
		return "", 0, ""
	case "chown":
		if len(args) != 2 {
			return "", 64, "chown: usage"
		}
		if _, ok := h.fs[h.realpath(abs(args[1]), true)]; !ok {
			return "", 1, "chown: " + args[1] + ": No such file or directory"
		}
		return "", 0, ""
	case "cat":
		var b strings.Builder
		for _, a := range args {
			n, ok := h.fs[h.realpath(abs(a), true)]
			if !ok || n.kind != kindFile {
				return b.String(), 1, "cat: " + a + ": No such file or directory"
			}
			b.Write(n.data)
		}
		return b.String(), 0, ""
	case "grep":
		if len(args) != 2 {
			return "", 64, "grep: usage"
		}
		n, ok := h.fs[h.realpath(abs(args[1]), true)]
		if !ok || n.kind != kindFile {
			return "", 2, "grep: " + args[1] + ": No such file or directory"
		}
		for _, line := range strings.Split(string(n.data), "\n") {
			if line == args[0] {
				return "", 0, ""
			}
		}
		return "", 1, ""
	case "ls":
		if len(args) != 1 {
			return "", 64, "ls: usage"
		}
		p := h.realpath(abs(args[0]), true)
		if n, ok := h.fs[p]; !ok || n.kind != kindDir {
			return "", 1, "ls: " + args[0] + ": No such file or directory"
		}
		names := h.children(p)
		if len(names) == 0 {
			return "", 0, ""
		}
		return strings.Join(names, "\n") + "\n", 0, ""
	case "unzip":
		if len(args) != 1 {
			return "", 64, "unzip: usage"
		}
		return h.unpack(abs(args[0]), dir, unzipEntries)
	case "tar":
		if len(args) != 1 {
			return "", 64, "tar: usage"
		}
		return h.unpack(abs(args[0]), dir, untarEntries)
	case "sh":
		if len(cmd.Args) == 5 && cmd.Args[0] == "-c" && cmd.Args[1] == shell.AppendFileScript {
			src, ok := h.fs[h.realpath(abs(cmd.Args[3]), true)]
			if !ok || src.kind != kindFile {
				return "", 1, "cat: " + cmd.Args[3] + ": No such file or directory"
			}
			dst := h.realpath(abs(cmd.Args[4]), true)
			existing, ok := h.fs[dst]
			if !ok {
				existing = &node{kind: kindFile}
				h.fs[dst] = existing
			}
			existing.data = append(existing.data, src.data...)
			return "", 0, ""
		}
	}
	return "", 0, ""
}

func (h *Host) test(argv []string, abs func(string) string) (string, int, string) {
	ok := false
	switch {
	case len(argv) == 5 && argv[0] == "-e" && argv[2] == "-o" && argv[3] == "-L":
		_, exists := h.fs[h.realpath(abs(argv[1]), true)]
		n, link := h.fs[h.realpath(abs(argv[4]), false)]
		ok = exists || (link && n.kind == kindLink)
	case len(argv) == 2:
		p := abs(argv[1])
		switch argv[0] {
		case "-e":
			_, ok = h.fs[h.realpath(p, true)]
		case "-d":
			n, exists := h.fs[h.realpath(p, true)]
			ok = exists && n.kind == kindDir
		case "-f":
			n, exists := h.fs[h.realpath(p, true)]
			ok = exists && n.kind == kindFile
		case "-L", "-h":
			n, exists := h.fs[h.realpath(p, false)]
			ok = exists && n.kind == kindLink
		default:
			return "", 2, "test: unknown operator " + argv[0]
		}
	default:
		return "", 2, "test: unsupported expression"
	}
	if ok {
		return "", 0, ""
	}
	return "", 1, ""
}

func (h *Host) move(src, dst string, noTargetDir bool) (string, int, string) {
	srcKey := h.realpath(src, false)
	if _, ok := h.fs[srcKey]; !ok {
		return "", 1, "mv: " + src + ": No such file or directory"
	}
	dstKey := h.realpath(dst, false)
	if n, ok := h.fs[h.realpath(dst, true)]; ok && n.kind == kindDir && !noTargetDir {
		dstKey = path.Join(h.realpath(dst, true), path.Base(srcKey))
	}
	if existing, ok := h.fs[dstKey]; ok && existing.kind == kindDir {
		if len(h.children(dstKey)) > 0 {
			return "", 1, "mv: " + dst + ": Directory not empty"
		}
	}
	if parent, ok := h.fs[h.realpath(path.Dir(dstKey), true)]; !ok || parent.kind != kindDir {
		return "", 1, "mv: " + dst + ": No such file or directory"
	}
	if srcKey == dstKey {
		return "", 0, ""
	}
	h.removeTree(dstKey)
	moved := map[string]*node{}
	for k, n := range h.fs {
		if k == srcKey || strings.HasPrefix(k, srcKey+"/") {
			moved[dstKey+strings.TrimPrefix(k, srcKey)] = n
			delete(h.fs, k)
		}
	}
	for k, n := range moved {
		h.fs[k] = n
	}
	return "", 0, ""
}

type entry struct {
	name string
	dir  bool
	data []byte
}

func (h *Host) unpack(pkg, dir string, read func([]byte) ([]entry, error)) (string, int, string) {
	n, ok := h.fs[h.realpath(pkg, true)]
	if !ok || n.kind != kindFile {
		return "", 9, "cannot find " + pkg
	}
	entries, err := read(n.data)
	if err != nil {
		return "", 9, err.Error()
	}
	base := h.realpath(dir, true)
	if d, ok := h.fs[base]; !ok || d.kind != kindDir {
		return "", 1, "cannot chdir to " + dir
	}
	for _, e := range entries {
		p := path.Join(base, e.name)
		if e.dir {
			h.mkdirAll(p)
			continue
		}
		h.mkdirAll(path.Dir(p))
		h.fs[p] = &node{kind: kindFile, data: e.data}
	}
	return "", 0, ""
}

func unzipEntries(data []byte) ([]entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	var out []entry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			out = append(out, entry{name: f.Name, dir: true})
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, entry{name: f.Name, data: content})
	}
	return out, nil
}

func untarEntries(data []byte) ([]entry, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	var out []entry
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			out = append(out, entry{name: hdr.Name, dir: true})
		case tar.TypeReg:
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			out = append(out, entry{name: hdr.Name, data: content})
		}
	}
}

func (h *Host) mkdirAll(p string) {
	if p == "/" || p == "." {
		return
	}
	h.mkdirAll(path.Dir(p))
	key := h.realpath(p, true)
	if _, ok := h.fs[key]; !ok {
		h.fs[key] = &node{kind: kindDir}
	}
}

func (h *Host) removeTree(p string) {
	for k := range h.fs {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(h.fs, k)
		}
	}
}

func (h *Host) children(p string) []string {
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	var names []string
	for k := range h.fs {
		if k == p || !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names
}

// realpath resolves symlinks in every component of p except, when followLast
// is false, the final one.
func (h *Host) realpath(p string, followLast bool) string {
	p = path.Clean(p)
	if p == "/" {
		return p
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	cur := "/"
	for i, part := range parts {
		next := path.Join(cur, part)
		last := i == len(parts)-1
		for hops := 0; hops < 16; hops++ {
			n, ok := h.fs[next]
			if !ok || n.kind != kindLink || (last && !followLast) {
				break
			}
			if path.IsAbs(n.target) {
				next = path.Clean(n.target)
			} else {
				next = path.Join(path.Dir(next), n.target)
			}
		}
		cur = next
	}
	return cur
}

func splitFlags(argv []string) (map[byte]bool, []string) {
	flags := map[byte]bool{}
	var args []string
	for _, a := range argv {
		if len(a) > 1 && a[0] == '-' && a != "--" {
			for i := 1; i < len(a); i++ {
				flags[a[i]] = true
			}
			continue
		}
		args = append(args, a)
	}
	return flags, args
}

// Dialer hands out fake hosts by name.
type Dialer struct {
	mu    sync.Mutex
	hosts map[string]*Host
	errs  map[string]error
}

var _ remote.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer serving the given hosts.
func NewDialer(hosts ...*Host) *Dialer {
	d := &Dialer{hosts: map[string]*Host{}, errs: map[string]error{}}
	for _, h := range hosts {
		d.hosts[h.name] = h
	}
	return d
}

// FailDial makes dialing host fail with err.
func (d *Dialer) FailDial(host string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[host] = err
}

// Dial implements remote.Dialer.
func (d *Dialer) Dial(_ context.Context, host string) (remote.Executor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[host]; err != nil {
		return nil, &deployerr.Error{Kind: deployerr.KindTransport, Host: host, Op: "dial", Err: err, ExitStatus: -1}
	}
	h, ok := d.hosts[host]
	if !ok {
		return nil, &deployerr.Error{Kind: deployerr.KindTransport, Host: host, Op: "dial", Err: errors.New("unknown host"), ExitStatus: -1}
	}
	return h, nil
}
