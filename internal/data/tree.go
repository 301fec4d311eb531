package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"path"
	"sort"
	"strings"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// ErrTreeNotOrdered is returned when the nodes of a tree are not strictly
// sorted by name.
var ErrTreeNotOrdered = errors.New("nodes are not ordered or duplicate")

// Tree is an ordered list of nodes.
type Tree struct {
	Nodes []*Node `json:"nodes"`
}

// NewTree creates a new tree object with the given initial capacity.
func NewTree(capacity int) *Tree {
	return &Tree{
		Nodes: make([]*Node, 0, capacity),
	}
}

func (t *Tree) String() string {
	return fmt.Sprintf("Tree<%d nodes>", len(t.Nodes))
}

// Equals returns true if t and other have exactly the same nodes.
func (t *Tree) Equals(other *Tree) bool {
	if len(t.Nodes) != len(other.Nodes) {
		debug.Log("tree.Equals(): trees have different number of nodes")
		return false
	}

	for i := 0; i < len(t.Nodes); i++ {
		if !t.Nodes[i].Equals(*other.Nodes[i]) {
			debug.Log("tree.Equals(): node %d is different:", i)
			return false
		}
	}

	return true
}

// Insert adds a new node at the correct place in the tree.
func (t *Tree) Insert(node *Node) error {
	pos, found := t.find(node.Name)
	if found != nil {
		return errors.Errorf("node %q already present", node.Name)
	}

	t.Nodes = append(t.Nodes, nil)
	copy(t.Nodes[pos+1:], t.Nodes[pos:])
	t.Nodes[pos] = node

	return nil
}

func (t *Tree) find(name string) (int, *Node) {
	pos := sort.Search(len(t.Nodes), func(i int) bool {
		return t.Nodes[i].Name >= name
	})

	if pos < len(t.Nodes) && t.Nodes[pos].Name == name {
		return pos, t.Nodes[pos]
	}

	return pos, nil
}

// Find returns a node with the given name, or nil if none could be found.
func (t *Tree) Find(name string) *Node {
	if t == nil {
		return nil
	}

	_, node := t.find(name)
	return node
}

// Sort sorts the nodes by name.
func (t *Tree) Sort() {
	sort.Sort(Nodes(t.Nodes))
}

// Subtrees returns a slice of all subtree IDs of the tree.
func (t *Tree) Subtrees() (trees restic.IDs) {
	for _, node := range t.Nodes {
		if node.Type == NodeTypeDir && node.Subtree != nil {
			trees = append(trees, *node.Subtree)
		}
	}

	return trees
}

// Validate checks that the nodes are strictly ordered by name.
func (t *Tree) Validate() error {
	for i := 1; i < len(t.Nodes); i++ {
		if t.Nodes[i-1].Name >= t.Nodes[i].Name {
			return errors.Wrapf(ErrTreeNotOrdered, "node %q, last %q", t.Nodes[i].Name, t.Nodes[i-1].Name)
		}
	}
	return nil
}

// LoadTree loads a tree from the repository.
func LoadTree(ctx context.Context, r restic.BlobLoader, id restic.ID) (*Tree, error) {
	debug.Log("load tree %v", id)

	buf, err := r.LoadBlob(ctx, restic.TreeBlob, id, nil)
	if err != nil {
		return nil, err
	}

	t := &Tree{}
	err = json.Unmarshal(buf, t)
	if err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "tree %v", id.Str()), errors.ErrCorrupt)
	}

	if err := t.Validate(); err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "tree %v", id.Str()), errors.ErrCorrupt)
	}

	return t, nil
}

// SaveTree stores a tree into the repository and returns the ID. The ID is
// checked against the index. The tree is only stored when the index does not
// contain the ID.
func SaveTree(ctx context.Context, r restic.BlobSaver, t *Tree) (restic.ID, error) {
	tb := NewTreeJSONBuilder()
	for _, node := range t.Nodes {
		if err := tb.AddNode(node); err != nil {
			return restic.ID{}, err
		}
	}
	buf, err := tb.Finalize()
	if err != nil {
		return restic.ID{}, err
	}

	id, _, _, err := r.SaveBlob(ctx, restic.TreeBlob, buf, restic.ID{}, false)
	return id, err
}

// TreeJSONBuilder produces the canonical encoding of a tree. Nodes must be
// added in strictly increasing name order.
type TreeJSONBuilder struct {
	buf      bytes.Buffer
	lastName string
	count    int
}

func NewTreeJSONBuilder() *TreeJSONBuilder {
	tb := &TreeJSONBuilder{}
	_, _ = tb.buf.WriteString(`{"nodes":[`)
	return tb
}

func (builder *TreeJSONBuilder) AddNode(node *Node) error {
	if builder.count > 0 && node.Name <= builder.lastName {
		return errors.Wrapf(ErrTreeNotOrdered, "node %q, last %q", node.Name, builder.lastName)
	}
	if builder.count > 0 {
		_ = builder.buf.WriteByte(',')
	}
	builder.lastName = node.Name

	val, err := json.Marshal(node)
	if err != nil {
		return err
	}
	_, _ = builder.buf.Write(val)
	builder.count++
	return nil
}

// Finalize returns the encoded tree. The trailing newline matches the output
// of json.Encoder so that encodings stay stable.
func (builder *TreeJSONBuilder) Finalize() ([]byte, error) {
	_, _ = builder.buf.WriteString("]}\n")
	buf := builder.buf.Bytes()
	builder.buf = bytes.Buffer{}
	return buf, nil
}

// Count returns the number of nodes added so far.
func (builder *TreeJSONBuilder) Count() int {
	return builder.count
}

// FindTreeDirectory descends from the tree id along the slash separated dir
// and returns the ID of the tree found there.
func FindTreeDirectory(ctx context.Context, repo restic.BlobLoader, id *restic.ID, dir string) (*restic.ID, error) {
	if id == nil {
		return nil, errors.New("tree id is null")
	}

	dirs := strings.Split(path.Clean(dir), "/")
	subfolder := ""

	for _, name := range dirs {
		if name == "" || name == "." {
			continue
		}
		subfolder = path.Join(subfolder, name)
		tree, err := LoadTree(ctx, repo, *id)
		if err != nil {
			return nil, errors.Wrapf(err, "path %s", subfolder)
		}
		node := tree.Find(name)
		if node == nil {
			return nil, errors.NotFoundf("path %s: not found", subfolder)
		}
		if node.Type != NodeTypeDir || node.Subtree == nil {
			return nil, errors.Errorf("path %s: not a directory", subfolder)
		}
		id = node.Subtree
	}
	return id, nil
}

// DualTree holds the nodes with the same name from two trees. One of them is
// nil if the name only exists in one tree.
type DualTree struct {
	Tree1 *Node
	Tree2 *Node
}

// DualTreeIterator iterates over two trees in parallel in name order. Either
// tree may be nil.
func DualTreeIterator(tree1, tree2 *Tree) iter.Seq[DualTree] {
	var nodes1, nodes2 []*Node
	if tree1 != nil {
		nodes1 = tree1.Nodes
	}
	if tree2 != nil {
		nodes2 = tree2.Nodes
	}

	return func(yield func(DualTree) bool) {
		i, j := 0, 0
		for i < len(nodes1) || j < len(nodes2) {
			var item DualTree
			switch {
			case j >= len(nodes2) || (i < len(nodes1) && nodes1[i].Name < nodes2[j].Name):
				item.Tree1 = nodes1[i]
				i++
			case i >= len(nodes1) || nodes1[i].Name > nodes2[j].Name:
				item.Tree2 = nodes2[j]
				j++
			default:
				item.Tree1, item.Tree2 = nodes1[i], nodes2[j]
				i++
				j++
			}
			if !yield(item) {
				return
			}
		}
	}
}
