package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sushant-115/kmem/core/kernel"
	blockdevice "github.com/sushant-115/kmem/core/storage_engine/block_device"
	buffercache "github.com/sushant-115/kmem/core/storage_engine/buffer_cache"
)

var errQuit = errors.New("quit")

// shell executes one command line at a time against a booted kernel. All
// commands run on the caller's goroutine, so buffers read by the shell stay
// held by it until released.
type shell struct {
	k      *kernel.Kernel
	out    io.Writer
	level  zap.AtomicLevel
	held   map[int]*buffercache.Buffer
	pinned map[int]*buffercache.Buffer
}

func newShell(k *kernel.Kernel, out io.Writer, level zap.AtomicLevel) *shell {
	return &shell{
		k:      k,
		out:    out,
		level:  level,
		held:   make(map[int]*buffercache.Buffer),
		pinned: make(map[int]*buffercache.Buffer),
	}
}

var commands = []string{
	"alloc", "allocu", "free", "freeu", "ref", "inc",
	"read", "write", "release", "pin", "unpin",
	"held", "stats", "audit", "snapshot", "level", "help", "quit",
}

const helpText = `alloc                 allocate a counted frame
allocu                allocate an uncounted frame
free <pa>             drop one reference to a counted frame
freeu <pa>            return an uncounted frame
ref <pa>              show a frame's reference count
inc <pa>              add a reference to a frame
read <dev> <blk>      read and hold a block
write <id> <text>     write text into a held buffer and to disk
release <id>          release a held buffer
pin <id>              pin a held buffer
unpin <id>            drop a pin
held                  list held and pinned buffers
stats                 show allocator and cache counters
audit                 check cache invariants
snapshot <path>       copy the disk image to path
level <lvl>           set the log level
quit                  leave the shell`

// exec runs one line. Contract violations inside the kernel panic; they
// are reported as errors so the session survives.
func (s *shell) exec(line string) (err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()

	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "alloc", "allocu":
		alloc := s.k.Frames.Alloc
		if cmd == "allocu" {
			alloc = s.k.Frames.AllocUnmanaged
		}
		pa, err := alloc()
		if err != nil {
			return err
		}
		s.printf("%#x\n", pa)
	case "free", "freeu", "ref", "inc":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <pa>", cmd)
		}
		pa, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", args[0], err)
		}
		switch cmd {
		case "free":
			s.k.Frames.Free(pa)
		case "freeu":
			s.k.Frames.FreeUnmanaged(pa)
		case "inc":
			s.k.Frames.Refs().Inc(pa)
		}
		if cmd != "freeu" {
			s.printf("%#x refs=%d\n", pa, s.k.Frames.Refs().Get(pa))
		}
	case "read":
		if len(args) != 2 {
			return errors.New("usage: read <dev> <blk>")
		}
		dev, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("bad device %q: %w", args[0], err)
		}
		blk, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("bad block %q: %w", args[1], err)
		}
		if b, ok := s.heldBlock(uint32(dev), uint32(blk)); ok {
			return fmt.Errorf("block already held in buffer %d", b.ID())
		}
		b, err := s.k.Cache.Read(uint32(dev), uint32(blk))
		if err != nil {
			return err
		}
		s.held[b.ID()] = b
		s.printf("buffer %d: %q\n", b.ID(), preview(b.Data()))
	case "write":
		if len(args) < 2 {
			return errors.New("usage: write <id> <text>")
		}
		b, err := s.lookup(s.held, args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		data := b.Data()
		clear(data)
		copy(data, text)
		if err := s.k.Cache.Write(b); err != nil {
			return err
		}
		s.printf("wrote %d bytes to dev %d block %d\n", min(len(text), len(data)), b.Dev(), b.BlockNo())
	case "release":
		if len(args) != 1 {
			return errors.New("usage: release <id>")
		}
		b, err := s.lookup(s.held, args[0])
		if err != nil {
			return err
		}
		delete(s.held, b.ID())
		s.k.Cache.Release(b)
	case "pin":
		if len(args) != 1 {
			return errors.New("usage: pin <id>")
		}
		b, err := s.lookup(s.held, args[0])
		if err != nil {
			return err
		}
		if _, ok := s.pinned[b.ID()]; ok {
			return fmt.Errorf("buffer %d already pinned", b.ID())
		}
		s.k.Cache.Pin(b)
		s.pinned[b.ID()] = b
	case "unpin":
		if len(args) != 1 {
			return errors.New("usage: unpin <id>")
		}
		b, err := s.lookup(s.pinned, args[0])
		if err != nil {
			return err
		}
		delete(s.pinned, b.ID())
		s.k.Cache.Unpin(b)
	case "held":
		s.list("held", s.held)
		s.list("pinned", s.pinned)
	case "stats":
		st := s.k.Cache.Stats()
		s.printf("frames: %d free of %d\n", s.k.Frames.FreeFrames(), s.k.Frames.TotalFrames())
		s.printf("cache: hits=%d misses=%d evictions=%d remote=%d exhausted=%d\n",
			st.Hits, st.Misses, st.Evictions, st.RemoteEvictions, st.Exhausted)
		s.printf("disk: reads=%d writes=%d\n", st.DiskReads, st.DiskWrites)
	case "audit":
		if err := s.k.Cache.Audit(); err != nil {
			return err
		}
		s.printf("ok, %d buffers referenced\n", s.k.Cache.Referenced())
	case "snapshot":
		if len(args) != 1 {
			return errors.New("usage: snapshot <path>")
		}
		sum, err := blockdevice.Snapshot(context.Background(), s.k.Device, args[0], 0)
		if err != nil {
			return err
		}
		s.printf("sha256 %x\n", sum)
	case "level":
		if len(args) != 1 {
			return fmt.Errorf("usage: level <lvl>, current %s", s.level.Level())
		}
		if err := s.level.UnmarshalText([]byte(args[0])); err != nil {
			return err
		}
	case "help":
		s.printf("%s\n", helpText)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

// releaseAll gives back every hold and pin taken by the session.
func (s *shell) releaseAll() {
	for id, b := range s.held {
		s.k.Cache.Release(b)
		delete(s.held, id)
	}
	for id, b := range s.pinned {
		s.k.Cache.Unpin(b)
		delete(s.pinned, id)
	}
}

func (s *shell) lookup(set map[int]*buffercache.Buffer, arg string) (*buffercache.Buffer, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("bad buffer id %q: %w", arg, err)
	}
	b, ok := set[id]
	if !ok {
		return nil, fmt.Errorf("buffer %d is not held", id)
	}
	return b, nil
}

func (s *shell) heldBlock(dev, blk uint32) (*buffercache.Buffer, bool) {
	for _, b := range s.held {
		if b.Dev() == dev && b.BlockNo() == blk {
			return b, true
		}
	}
	return nil, false
}

func (s *shell) list(name string, set map[int]*buffercache.Buffer) {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		b := set[id]
		s.printf("%s %d: dev %d block %d\n", name, id, b.Dev(), b.BlockNo())
	}
}

func (s *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

func preview(data []byte) string {
	n := 0
	for n < len(data) && n < 48 && data[n] != 0 {
		n++
	}
	return string(data[:n])
}
