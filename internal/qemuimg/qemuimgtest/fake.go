// Package qemuimgtest provides an in-process stand-in for qemu-img.
package qemuimgtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Image is the fake's record of an image it created or was told about.
type Image struct {
	Format      string
	VirtualSize int64
	Backing     string
}

// Fake implements qemuimg.Runner. Images it creates are real files on disk
// so callers can check for leftovers.
type Fake struct {
	mu     sync.Mutex
	images map[string]*Image
	calls  [][]string

	// Fail maps a subcommand ("create", "convert", "info") to the error it
	// should return.
	Fail map[string]error
	// DropBacking makes overlays report no backing file, as if qemu-img had
	// silently failed to record it.
	DropBacking bool
	// FailConvertAfter, when positive, lets that many converts succeed and
	// fails the next one.
	FailConvertAfter int

	converts int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{images: make(map[string]*Image), Fail: make(map[string]error)}
}

// AddImage registers an existing image, e.g. a source disk.
func (f *Fake) AddImage(path, format string, virtualSize int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[path] = &Image{Format: format, VirtualSize: virtualSize}
}

// Image returns what the fake knows about path.
func (f *Fake) Image(path string) (Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[path]
	if !ok {
		return Image{}, false
	}
	return *img, true
}

// Calls returns every invocation's arguments, binary excluded.
func (f *Fake) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the invocations of one subcommand.
func (f *Fake) CallsTo(sub string) [][]string {
	var out [][]string
	for _, c := range f.Calls() {
		if len(c) > 0 && c[0] == sub {
			out = append(out, c)
		}
	}
	return out
}

// Run satisfies qemuimg.Runner.
func (f *Fake) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, append([]string(nil), args...))
	if len(args) == 0 {
		return nil, fmt.Errorf("qemu-img: no subcommand")
	}
	if err := f.Fail[args[0]]; err != nil {
		return nil, err
	}

	switch args[0] {
	case "info":
		return f.info(args[len(args)-1])
	case "create":
		return nil, f.create(args[1:])
	case "convert":
		return nil, f.convert(args[1:])
	}
	return nil, fmt.Errorf("qemu-img: unknown subcommand %q", args[0])
}

func (f *Fake) info(path string) ([]byte, error) {
	img, ok := f.images[path]
	if !ok {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("qemu-img info: could not open '%s'", path)
		}
		img = &Image{Format: "raw", VirtualSize: fi.Size()}
	}
	out := map[string]any{
		"filename":     path,
		"format":       img.Format,
		"virtual-size": img.VirtualSize,
		"actual-size":  4096,
	}
	if img.Backing != "" && !f.DropBacking {
		out["backing-filename"] = img.Backing
		out["full-backing-filename"] = img.Backing
	}
	return json.Marshal(out)
}

func (f *Fake) create(args []string) error {
	var format, backing, backingFormat string
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-q":
		case "-f":
			i++
			format = args[i]
		case "-b":
			i++
			backing = args[i]
		case "-F":
			i++
			backingFormat = args[i]
		case "-o":
			i++
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) == 0 {
		return fmt.Errorf("qemu-img create: missing filename")
	}
	path := positional[0]

	img := &Image{Format: format, Backing: backing}
	if backing != "" {
		b, ok := f.images[backing]
		if !ok {
			// Files the fake was not told about are plain raw images.
			fi, err := os.Stat(backing)
			if err != nil {
				return fmt.Errorf("qemu-img create: could not open backing file '%s'", backing)
			}
			b = &Image{Format: "raw", VirtualSize: fi.Size()}
		}
		if backingFormat != "" && backingFormat != b.Format {
			return fmt.Errorf("qemu-img create: backing format mismatch: %s != %s", backingFormat, b.Format)
		}
		img.VirtualSize = b.VirtualSize
	} else {
		if len(positional) < 2 {
			return fmt.Errorf("qemu-img create: missing size")
		}
		size, err := strconv.ParseInt(positional[1], 10, 64)
		if err != nil {
			return fmt.Errorf("qemu-img create: bad size %q", positional[1])
		}
		img.VirtualSize = size
	}

	if err := os.WriteFile(path, []byte("fake "+format+"\n"), 0o644); err != nil {
		return fmt.Errorf("qemu-img create: %w", err)
	}
	f.images[path] = img
	return nil
}

func (f *Fake) convert(args []string) error {
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n", "-c", "-p":
		case "-f", "-O":
			i++
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 2 {
		return fmt.Errorf("qemu-img convert: want source and destination, got %v", positional)
	}
	src, dst := positional[0], positional[1]

	if f.FailConvertAfter > 0 && f.converts >= f.FailConvertAfter {
		return fmt.Errorf("qemu-img convert: simulated failure on %s", src)
	}
	f.converts++

	if _, ok := f.images[src]; !ok {
		return fmt.Errorf("qemu-img convert: could not open '%s'", src)
	}
	if strings.Contains(dst, "://") || strings.HasPrefix(dst, "json:") {
		return nil
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("qemu-img convert: target %s does not exist (-n)", dst)
	}
	return os.WriteFile(dst, []byte("converted from "+src+"\n"), 0o644)
}
