package archiver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/fs"
)

// targetTree recursively defines how a snapshot should look like when
// archived.
//
// When `Path` is set, this is a leaf node and the contents of `Path` should be
// inserted at this point in the tree.
//
// The attribute `FileInfoPath` is used to take the metadata for intermediate
// nodes, which are not saved themselves but only contain saved targets.
type targetTree struct {
	Nodes        map[string]*targetTree
	Path         string
	FileInfoPath string
}

func (t *targetTree) String() string {
	return formatTargetTree(t, "")
}

func formatTargetTree(t *targetTree, indent string) (s string) {
	if t.Path != "" {
		return indent + fmt.Sprintf("target %q\n", t.Path)
	}
	for _, name := range t.NodeNames() {
		s += indent + fmt.Sprintf("%v/ (info %q)\n", name, t.Nodes[name].FileInfoPath)
		s += formatTargetTree(t.Nodes[name], indent+"    ")
	}
	return s
}

// NodeNames returns the sorted names of the children.
func (t *targetTree) NodeNames() []string {
	names := make([]string, 0, len(t.Nodes))
	for name := range t.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pathComponents returns the components of an absolute, cleaned path.
func pathComponents(fs fs.FS, p string) []string {
	var components []string
	for p != fs.Dir(p) {
		components = append(components, fs.Base(p))
		p = fs.Dir(p)
	}

	// reverse
	for i, j := 0, len(components)-1; i < j; i, j = i+1, j-1 {
		components[i], components[j] = components[j], components[i]
	}
	return components
}

// add inserts target into the tree, components are the remaining path
// elements relative to the current node.
func (t *targetTree) add(fs fs.FS, target, prefix string, components []string) {
	if t.Path != "" {
		debug.Log("%v is already contained in target %v", target, t.Path)
		return
	}

	if len(components) == 0 {
		// target replaces everything that was nested below it
		t.Path = target
		t.Nodes = nil
		return
	}

	name := components[0]
	if t.Nodes == nil {
		t.Nodes = make(map[string]*targetTree)
	}
	subtree, ok := t.Nodes[name]
	if !ok {
		subtree = &targetTree{FileInfoPath: fs.Join(prefix, name)}
		t.Nodes[name] = subtree
	}
	subtree.add(fs, target, fs.Join(prefix, name), components[1:])
}

// newTargetTree builds a tree from the absolute, cleaned target paths.
// Targets nested in other targets are dropped.
func newTargetTree(fs fs.FS, targets []string) (*targetTree, error) {
	debug.Log("targets: %v", targets)
	root := &targetTree{}
	for _, target := range targets {
		if !fs.IsAbs(target) {
			return nil, errors.Errorf("target %q is not absolute", target)
		}
		var prefix string
		for p := target; ; p = fs.Dir(p) {
			if p == fs.Dir(p) {
				prefix = p
				break
			}
		}
		root.FileInfoPath = prefix
		root.add(fs, target, prefix, pathComponents(fs, target))
	}

	debug.Log("result:\n%v", root)
	return root, nil
}

// resolveTargets returns the absolute, cleaned and deduplicated targets.
func resolveTargets(filesys fs.FS, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, errors.New("no targets given")
	}

	seen := make(map[string]struct{}, len(targets))
	result := make([]string, 0, len(targets))
	for _, target := range targets {
		if strings.TrimSpace(target) == "" {
			return nil, errors.New("empty target")
		}
		abs, err := filesys.Abs(filesys.Clean(target))
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %v", target)
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		result = append(result, abs)
	}
	return result, nil
}
