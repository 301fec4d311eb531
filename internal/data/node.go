package data

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// ExtendedAttribute is a tuple storing the xattr name and value.
type ExtendedAttribute struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// NodeType is the kind of a file system item.
type NodeType string

const (
	NodeTypeFile      NodeType = "file"
	NodeTypeDir       NodeType = "dir"
	NodeTypeSymlink   NodeType = "symlink"
	NodeTypeDev       NodeType = "dev"
	NodeTypeCharDev   NodeType = "chardev"
	NodeTypeFifo      NodeType = "fifo"
	NodeTypeSocket    NodeType = "socket"
	NodeTypeIrregular NodeType = "irregular"
	NodeTypeInvalid   NodeType = ""
)

// typeModes are the os.FileMode type bits of each node type.
var typeModes = map[NodeType]os.FileMode{
	NodeTypeDir:       os.ModeDir,
	NodeTypeSymlink:   os.ModeSymlink,
	NodeTypeDev:       os.ModeDevice,
	NodeTypeCharDev:   os.ModeDevice | os.ModeCharDevice,
	NodeTypeFifo:      os.ModeNamedPipe,
	NodeTypeSocket:    os.ModeSocket,
	NodeTypeIrregular: os.ModeIrregular,
}

// Node is a file, directory or other item in a backup.
type Node struct {
	Name       string      `json:"name"`
	Type       NodeType    `json:"type"`
	Mode       os.FileMode `json:"mode,omitempty"`
	ModTime    time.Time   `json:"mtime,omitempty"`
	AccessTime time.Time   `json:"atime,omitempty"`
	ChangeTime time.Time   `json:"ctime,omitempty"`
	UID        uint32      `json:"uid"`
	GID        uint32      `json:"gid"`
	User       string      `json:"user,omitempty"`
	Group      string      `json:"group,omitempty"`
	Inode      uint64      `json:"inode,omitempty"`
	DeviceID   uint64      `json:"device_id,omitempty"` // stat.st_dev, only stored for hardlinks
	Size       uint64      `json:"size,omitempty"`
	Links      uint64      `json:"links,omitempty"`
	LinkTarget string      `json:"linktarget,omitempty"`
	// set while encoding when LinkTarget is not valid utf8
	LinkTargetRaw      []byte              `json:"linktarget_raw,omitempty"`
	ExtendedAttributes []ExtendedAttribute `json:"extended_attributes,omitempty"`
	Device             uint64              `json:"device,omitempty"` // stat.st_rdev for Type == "dev"
	Content            restic.IDs          `json:"content"`
	Subtree            *restic.ID          `json:"subtree,omitempty"`

	Error string `json:"error,omitempty"`

	Path string `json:"-"`
}

// Nodes is a slice of nodes that can be sorted.
type Nodes []*Node

func (n Nodes) Len() int           { return len(n) }
func (n Nodes) Less(i, j int) bool { return n[i].Name < n[j].Name }
func (n Nodes) Swap(i, j int)      { n[i], n[j] = n[j], n[i] }

// FileMode returns the permissions of the node together with its type bits.
func (node Node) FileMode() os.FileMode {
	return typeModes[node.Type] | node.Mode.Perm()
}

func (node Node) String() string {
	return fmt.Sprintf("%s %5d %5d %6d %s %s",
		node.FileMode(), node.UID, node.GID, node.Size, node.ModTime, node.Name)
}

// GetExtendedAttribute returns the value of the extended attribute a or nil.
func (node Node) GetExtendedAttribute(a string) []byte {
	for _, attr := range node.ExtendedAttributes {
		if attr.Name == a {
			return attr.Value
		}
	}
	return nil
}

// FixTime moves t into the years 0 to 9999, which JSON can represent.
// Month, day and time of day are kept.
func FixTime(t time.Time) time.Time {
	year := min(max(t.Year(), 0), 9999)
	return t.AddDate(year-t.Year(), 0, 0)
}

func (node Node) MarshalJSON() ([]byte, error) {
	node.ModTime = FixTime(node.ModTime)
	node.AccessTime = FixTime(node.AccessTime)
	node.ChangeTime = FixTime(node.ChangeTime)

	type nodeJSON Node
	nj := nodeJSON(node)
	name := strconv.Quote(node.Name)
	nj.Name = name[1 : len(name)-1]
	if nj.LinkTargetRaw != nil {
		return nil, errors.New("LinkTargetRaw must not be set manually")
	}
	if !utf8.ValidString(node.LinkTarget) {
		nj.LinkTargetRaw = []byte(node.LinkTarget)
	}

	return json.Marshal(nj)
}

func (node *Node) UnmarshalJSON(data []byte) error {
	type nodeJSON Node
	nj := (*nodeJSON)(node)

	err := json.Unmarshal(data, nj)
	if err != nil {
		return errors.Wrap(err, "Unmarshal")
	}

	nj.Name, err = strconv.Unquote(`"` + nj.Name + `"`)
	if err != nil {
		return errors.Wrap(err, "Unquote")
	}
	if nj.LinkTargetRaw != nil {
		nj.LinkTarget = string(nj.LinkTargetRaw)
		nj.LinkTargetRaw = nil
	}
	return nil
}

// Equals compares all stored fields of two nodes. Path is not compared.
func (node Node) Equals(other Node) bool {
	switch {
	case node.Name != other.Name,
		node.Type != other.Type,
		node.Mode != other.Mode,
		!node.ModTime.Equal(other.ModTime),
		!node.AccessTime.Equal(other.AccessTime),
		!node.ChangeTime.Equal(other.ChangeTime),
		node.UID != other.UID,
		node.GID != other.GID,
		node.User != other.User,
		node.Group != other.Group,
		node.Inode != other.Inode,
		node.DeviceID != other.DeviceID,
		node.Size != other.Size,
		node.Links != other.Links,
		node.LinkTarget != other.LinkTarget,
		node.Device != other.Device,
		node.Error != other.Error:
		return false
	}

	if !node.SameContent(other) {
		return false
	}
	if !node.sameExtendedAttributes(other) {
		return false
	}
	if (node.Subtree == nil) != (other.Subtree == nil) {
		return false
	}
	return node.Subtree == nil || node.Subtree.Equal(*other.Subtree)
}

// SameContent reports whether both nodes reference the same data blobs in
// the same order.
func (node Node) SameContent(other Node) bool {
	if (node.Content == nil) != (other.Content == nil) {
		return false
	}
	return slices.Equal(node.Content, other.Content)
}

func (node Node) sameExtendedAttributes(other Node) bool {
	if len(node.ExtendedAttributes) != len(other.ExtendedAttributes) {
		return false
	}

	// order of the attributes is not significant
	attrs := make(map[string][]byte, len(node.ExtendedAttributes))
	for _, attr := range node.ExtendedAttributes {
		attrs[attr.Name] = attr.Value
	}
	for _, attr := range other.ExtendedAttributes {
		v, ok := attrs[attr.Name]
		if !ok || !bytes.Equal(v, attr.Value) {
			return false
		}
	}
	return true
}
