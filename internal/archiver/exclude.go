package archiver

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/filter"
	"github.com/packvault/packvault/internal/fs"
)

// RejectFunc reports whether the item at path is excluded from the backup.
type RejectFunc func(path string, fi *fs.ExtendedFileInfo, fs fs.FS) bool

// CombineRejects returns a SelectFunc which selects an item only if none of
// the reject functions rejects it.
func CombineRejects(funcs []RejectFunc) SelectFunc {
	return func(item string, fi *fs.ExtendedFileInfo, fs fs.FS) bool {
		for _, reject := range funcs {
			if reject(item, fi, fs) {
				return false
			}
		}
		return true
	}
}

// RejectByName adapts a name based filter to a RejectFunc.
func RejectByName(reject filter.RejectByNameFunc) RejectFunc {
	return func(item string, _ *fs.ExtendedFileInfo, _ fs.FS) bool {
		return reject(item)
	}
}

// RejectByInclude rejects items which no include pattern matches. A
// directory is kept while a child below it may still match.
func RejectByInclude(include filter.IncludeByNameFunc) RejectFunc {
	return func(item string, fi *fs.ExtendedFileInfo, _ fs.FS) bool {
		matched, childMayMatch := include(item)
		return !matched && !(childMayMatch && fi.IsDir())
	}
}

// cacheDirTagSignature starts every CACHEDIR.TAG file, see
// https://bford.info/cachedir/
const cacheDirTagSignature = "Signature: 8a477f597d28d172789f06886806bc55"

// tagFile excludes the contents of directories holding a file called name.
// With a non-empty header the file must start with it.
type tagFile struct {
	name   string
	header []byte
	warnf  func(msg string, args ...any)

	// dirs caches the decision per directory
	dirs *xsync.MapOf[string, bool]
}

func parseTagFile(spec string) (name, header string, err error) {
	if spec == "" {
		return "", "", errors.New("name for exclusion tagfile is empty")
	}
	name, header, _ = strings.Cut(spec, ":")
	if name == "" {
		return "", "", errors.New("no name for exclusion tagfile provided")
	}
	return name, header, nil
}

// RejectIfPresent returns a RejectFunc for the tag file spec
// "filename[:header]". The tag file itself is kept.
func RejectIfPresent(spec string, warnf func(msg string, args ...any)) (RejectFunc, error) {
	name, header, err := parseTagFile(spec)
	if err != nil {
		return nil, err
	}
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	debug.Log("using %q as exclusion tagfile", name)

	tf := &tagFile{
		name:   name,
		header: []byte(header),
		warnf:  warnf,
		dirs:   xsync.NewMapOf[string, bool](),
	}
	return tf.reject, nil
}

// RejectCacheDirs rejects the contents of directories tagged with a valid
// CACHEDIR.TAG file.
func RejectCacheDirs(warnf func(msg string, args ...any)) (RejectFunc, error) {
	return RejectIfPresent("CACHEDIR.TAG:"+cacheDirTagSignature, warnf)
}

func (tf *tagFile) reject(item string, _ *fs.ExtendedFileInfo, fsys fs.FS) bool {
	if fsys.Base(item) == tf.name {
		return false
	}
	excluded, _ := tf.dirs.LoadOrCompute(fsys.Dir(item), func() bool {
		return tf.tagged(fsys.Dir(item), fsys)
	})
	return excluded
}

// tagged checks dir for a valid tag file. A missing or unreadable tag file
// does not exclude anything, a malformed one is reported through warnf.
func (tf *tagFile) tagged(dir string, fsys fs.FS) bool {
	fn := fsys.Join(dir, tf.name)
	_, err := fsys.Lstat(fn)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false
	case err != nil:
		tf.warnf("could not access exclusion tagfile: %v", err)
		return false
	case len(tf.header) == 0:
		return true
	}

	f, err := fsys.Open(fn)
	if err != nil {
		tf.warnf("could not open exclusion tagfile: %v", err)
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, len(tf.header))
	_, err = io.ReadFull(f, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		tf.warnf("invalid (too short) signature in exclusion tagfile %q", fn)
		return false
	case err != nil:
		tf.warnf("could not read signature from exclusion tagfile %q: %v", fn, err)
		return false
	case !bytes.Equal(buf, tf.header):
		tf.warnf("invalid signature in exclusion tagfile %q", fn)
		return false
	}
	return true
}

// deviceMap maps the backup targets to the device they reside on.
type deviceMap map[string]uint64

func newDeviceMap(targets []string, fsys fs.FS) (deviceMap, error) {
	if len(targets) == 0 {
		return nil, errors.New("zero allowed devices")
	}
	m := make(deviceMap, len(targets))
	for _, target := range targets {
		abs, err := fsys.Abs(fsys.Clean(target))
		if err != nil {
			return nil, err
		}
		fi, err := fsys.Lstat(abs)
		if err != nil {
			return nil, err
		}
		m[abs] = fi.DeviceID
	}
	return m, nil
}

// IsAllowed reports whether item, which resides on deviceID, is on the same
// device as the closest target containing it.
func (m deviceMap) IsAllowed(item string, deviceID uint64, fsys fs.FS) (bool, error) {
	dir := item
	for {
		if id, ok := m[dir]; ok {
			if id != deviceID {
				debug.Log("item %v (dir %v) on disallowed device %d", item, dir, deviceID)
			}
			return id == deviceID, nil
		}
		parent := fsys.Dir(dir)
		if parent == dir {
			return false, errors.Errorf("item %v (device ID %v) not found, deviceMap: %v", item, deviceID, m)
		}
		dir = parent
	}
}

// RejectByDevice rejects items on another file system than the targets.
// Mount points are kept as empty directories.
func RejectByDevice(targets []string, filesystem fs.FS) (RejectFunc, error) {
	devices, err := newDeviceMap(targets, filesystem)
	if err != nil {
		return nil, err
	}
	debug.Log("allowed devices: %v", devices)

	return func(item string, fi *fs.ExtendedFileInfo, fsys fs.FS) bool {
		item = fsys.Clean(item)
		allowed, err := devices.IsAllowed(item, fi.DeviceID, fsys)
		if err != nil {
			debug.Log("error checking device ID of %v: %v", item, err)
			return true
		}
		if allowed {
			return false
		}
		if !fi.IsDir() {
			return true
		}

		// a mount point whose parent is allowed
		parent := fsys.Dir(item)
		pfi, err := fsys.Lstat(parent)
		if err != nil {
			debug.Log("item %v: error running lstat() on parent directory: %v", item, err)
			return true
		}
		allowed, err = devices.IsAllowed(parent, pfi.DeviceID, fsys)
		if err != nil {
			debug.Log("item %v: error checking parent directory: %v", item, err)
			return true
		}
		return !allowed
	}, nil
}

// RejectBySize rejects regular files larger than maxSize bytes.
func RejectBySize(maxSize int64) RejectFunc {
	return func(item string, fi *fs.ExtendedFileInfo, _ fs.FS) bool {
		if !fi.IsRegular() || fi.Size <= maxSize {
			return false
		}
		debug.Log("file %s is oversize: %d", item, fi.Size)
		return true
	}
}
