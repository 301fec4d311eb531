package fs

import (
	"os"
	"os/user"
	"strconv"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

// keptModeBits are the mode bits stored in a node.
const keptModeBits = os.ModePerm | os.ModeType | os.ModeSetuid | os.ModeSetgid | os.ModeSticky

var nodeTypes = map[os.FileMode]data.NodeType{
	0:                                 data.NodeTypeFile,
	os.ModeDir:                        data.NodeTypeDir,
	os.ModeSymlink:                    data.NodeTypeSymlink,
	os.ModeDevice | os.ModeCharDevice: data.NodeTypeCharDev,
	os.ModeDevice:                     data.NodeTypeDev,
	os.ModeNamedPipe:                  data.NodeTypeFifo,
	os.ModeSocket:                     data.NodeTypeSocket,
	os.ModeIrregular:                  data.NodeTypeIrregular,
}

func nodeTypeFromFileMode(mode os.FileMode) data.NodeType {
	if t, ok := nodeTypes[mode&os.ModeType]; ok {
		return t
	}
	return data.NodeTypeInvalid
}

// NodeFromFileInfo builds the node for path from fi. On error the partially
// filled node is returned together with the first error. Extended attributes
// are only read from the local filesystem.
func NodeFromFileInfo(fs FS, path string, fi *ExtendedFileInfo, ignoreXattrListError bool, warnf func(format string, args ...any)) (*data.Node, error) {
	node := &data.Node{
		Path:       path,
		Name:       fi.Name,
		Type:       nodeTypeFromFileMode(fi.Mode),
		Mode:       fi.Mode & keptModeBits,
		ModTime:    fi.ModTime,
		ChangeTime: fi.ChangeTime,
		AccessTime: fi.AccessTime,
		Inode:      fi.Inode,
		DeviceID:   fi.DeviceID,
		UID:        fi.UID,
		GID:        fi.GID,
		User:       owners.user(fi.UID),
		Group:      owners.group(fi.GID),
	}

	if err := fillTypeSpecific(fs, node, fi); err != nil {
		return node, err
	}
	if _, ok := fs.(Local); !ok {
		return node, nil
	}
	return node, nodeFillExtendedAttributes(node, path, ignoreXattrListError, warnf)
}

func fillTypeSpecific(fs FS, node *data.Node, fi *ExtendedFileInfo) error {
	switch node.Type {
	case data.NodeTypeFile:
		node.Size = uint64(fi.Size)
	case data.NodeTypeSymlink:
		target, err := fs.Readlink(node.Path)
		if err != nil {
			return errors.WithStack(err)
		}
		node.LinkTarget = target
	case data.NodeTypeDev, data.NodeTypeCharDev:
		node.Device = fi.Device
	case data.NodeTypeDir, data.NodeTypeFifo, data.NodeTypeSocket:
		return nil
	default:
		return errors.Errorf("unsupported file type %q", node.Type)
	}
	node.Links = fi.Links
	return nil
}

// ownerNames caches uid and gid lookups. A failed lookup is cached as "".
type ownerNames struct {
	users  *xsync.MapOf[uint32, string]
	groups *xsync.MapOf[uint32, string]
}

var owners = ownerNames{
	users:  xsync.NewMapOf[uint32, string](),
	groups: xsync.NewMapOf[uint32, string](),
}

func (o ownerNames) user(uid uint32) string {
	name, _ := o.users.LoadOrCompute(uid, func() string {
		u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
		if err != nil {
			return ""
		}
		return u.Username
	})
	return name
}

func (o ownerNames) group(gid uint32) string {
	name, _ := o.groups.LoadOrCompute(gid, func() string {
		g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
		if err != nil {
			return ""
		}
		return g.Name
	})
	return name
}

// NodeCreateAt creates an empty file system object of the node's type at
// path. Metadata is restored separately by NodeRestoreMetadata.
func NodeCreateAt(node *data.Node, path string) error {
	debug.Log("create node %v at %v", node.Name, path)

	var err error
	switch node.Type {
	case data.NodeTypeDir:
		err = os.Mkdir(path, node.Mode.Perm())
		if os.IsExist(err) {
			err = nil
		}
	case data.NodeTypeFile:
		var f *os.File
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err == nil {
			err = f.Close()
		}
	case data.NodeTypeSymlink:
		err = os.Symlink(node.LinkTarget, path)
	case data.NodeTypeDev:
		return mknod(path, modeBlockDevice|0600, node.Device)
	case data.NodeTypeCharDev:
		return mknod(path, modeCharDevice|0600, node.Device)
	case data.NodeTypeFifo:
		return mknod(path, modeFifo|0600, 0)
	case data.NodeTypeSocket:
		// sockets are recreated by the programs owning them
		return nil
	default:
		return errors.Errorf("filetype %q not implemented", node.Type)
	}
	return errors.WithStack(err)
}

// NodeRestoreMetadata restores ownership, extended attributes, timestamps and
// mode of path. Permission errors are ignored when not running as root.
func NodeRestoreMetadata(node *data.Node, path string) error {
	err := nodeRestoreMetadata(node, path)
	if err == nil {
		return nil
	}
	if os.Geteuid() > 0 && errors.Is(err, os.ErrPermission) {
		debug.Log("not running as root, ignoring permission error for %v: %v", path, err)
		return nil
	}
	debug.Log("restoreMetadata(%s) error %v", path, err)
	return err
}

// nodeRestoreMetadata attempts every step and returns the first error.
func nodeRestoreMetadata(node *data.Node, path string) error {
	var first error
	keep := func(step string, err error) {
		if err == nil {
			return
		}
		debug.Log("restoring %v of %v failed: %v", step, path, err)
		if first == nil {
			first = err
		}
	}

	keep("owner", errors.WithStack(lchown(path, int(node.UID), int(node.GID))))
	keep("extended attributes", nodeRestoreExtendedAttributes(node, path))
	keep("timestamps", nodeRestoreTimestamps(node, path))
	// symlinks have no mode of their own
	if node.Type != data.NodeTypeSymlink {
		keep("mode", errors.WithStack(os.Chmod(path, node.Mode)))
	}
	return first
}

func nodeRestoreTimestamps(node *data.Node, path string) error {
	err := utimesNano(path, node.AccessTime.UnixNano(), node.ModTime.UnixNano(), node.Type)
	if err != nil {
		return &os.PathError{Op: "UtimesNano", Path: path, Err: err}
	}
	return nil
}
