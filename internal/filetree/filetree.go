// Package filetree models the SD card contents parsed from the
// printer's flat file listing. Trees are rebuilt wholesale every poll
// cycle and compared as snapshots, never mutated incrementally.
package filetree

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/printlink/printlink/internal/logging"
	"github.com/printlink/printlink/pkg/models"
)

// Kind discriminates node types in the tree.
type Kind int

const (
	KindDir Kind = iota
	KindFile
	KindMount
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return models.NodeTypeDir
	case KindFile:
		return models.NodeTypeFile
	case KindMount:
		return models.NodeTypeMount
	default:
		return "UNKNOWN"
	}
}

// Fingerprint is the metadata identity used by the diff. It is
// intentionally lossy: two distinct files with identical metadata are
// indistinguishable to the diff algorithm.
type Fingerprint struct {
	Kind     Kind
	ReadOnly bool
	Size     int64
	MDate    int
	MTime    int
}

// Node is a single file, directory or mount point. A directory
// exclusively owns its children; the parent pointer is a non-owning
// back-reference used only to reconstruct the full path.
type Node struct {
	Kind     Kind
	Segment  string
	ReadOnly bool
	Size     int64
	MDate    int
	MTime    int

	children    map[string]*Node
	parent      *Node
	fullPath    string
	descendants map[Fingerprint]*Node
}

func newNode(kind Kind, segment string) *Node {
	return &Node{
		Kind:        kind,
		Segment:     segment,
		fullPath:    "/",
		descendants: make(map[Fingerprint]*Node),
	}
}

// Fingerprint returns the node's metadata identity.
func (n *Node) Fingerprint() Fingerprint {
	return Fingerprint{
		Kind:     n.Kind,
		ReadOnly: n.ReadOnly,
		Size:     n.Size,
		MDate:    n.MDate,
		MTime:    n.MTime,
	}
}

// FullPath returns the slash-joined chain of ancestor segments, the
// root's own label excluded. It is recomputed whenever a node is
// attached to a parent.
func (n *Node) FullPath() string {
	return n.fullPath
}

// Children returns the node's children ordered by segment.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, child := range n.children {
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Segment < out[j].Segment })
	return out
}

// Child returns the child with the given segment, or nil.
func (n *Node) Child(segment string) *Node {
	return n.children[segment]
}

// DescendantCount returns the number of distinct file fingerprints
// registered under this node, at any depth.
func (n *Node) DescendantCount() int {
	return len(n.descendants)
}

func (n *Node) addChild(child *Node) *Node {
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	n.children[child.Segment] = child
	if child.parent == nil {
		child.setParent(n)
	}
	return child
}

func (n *Node) setParent(parent *Node) {
	n.parent = parent

	var segments []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		segments = append(segments, cur.Segment)
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	n.fullPath = "/" + strings.Join(segments, "/")
}

// addPath inserts one listing entry below this node, creating
// intermediate directories as needed. The inserted file is registered
// in the descendants set of every strict ancestor on the way back up.
func (n *Node) addPath(entry string) (*Node, error) {
	clean := strings.Trim(entry, "/")

	var added *Node
	if segment, rest, nested := strings.Cut(clean, "/"); nested {
		child, ok := n.children[segment]
		if !ok {
			child = n.addChild(newNode(KindDir, segment))
		}
		inserted, err := child.addPath(rest)
		if err != nil {
			return nil, err
		}
		added = inserted
	} else {
		cut := strings.LastIndexByte(clean, ' ')
		if cut <= 0 {
			return nil, fmt.Errorf("listing entry %q: want \"name size\"", entry)
		}
		name := clean[:cut]
		size, err := strconv.ParseInt(clean[cut+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("listing entry %q: bad size: %w", entry, err)
		}
		file := newNode(KindFile, name)
		file.Size = size
		added = n.addChild(file)
	}

	n.descendants[added.Fingerprint()] = added
	return added, nil
}

// ToExternal converts the subtree into the consumer's representation.
// Metadata fields are carried only where defined for the node's kind
// and an empty children collection is omitted rather than empty.
func (n *Node) ToExternal() *models.FileTree {
	out := &models.FileTree{
		Type: n.Kind.String(),
		Path: n.Segment,
	}
	switch n.Kind {
	case KindMount:
		out.ReadOnly = n.ReadOnly
	case KindFile:
		out.Size = n.Size
		out.MDate = n.MDate
		out.MTime = n.MTime
	}
	for _, child := range n.Children() {
		out.Children = append(out.Children, child.ToExternal())
	}
	return out
}

// RootLabel is the mount root's own label. It never appears in full
// paths.
const RootLabel = "SD Card"

// Tree is one snapshot of the SD card contents.
type Tree struct {
	Root *Node
}

// NewTree returns a tree holding just the read-only mount root.
func NewTree() *Tree {
	root := newNode(KindMount, RootLabel)
	root.ReadOnly = true
	return &Tree{Root: root}
}

// Build constructs a tree from captured listing lines. Each line is a
// slash-separated relative path whose final segment is "name size".
// Malformed entries are skipped with a warning; the rest of the
// listing still builds.
func Build(lines []string) *Tree {
	t := NewTree()
	for _, line := range lines {
		if _, err := t.Root.addPath(line); err != nil {
			logging.Warn("skipping malformed listing entry", zap.Error(err))
		}
	}
	return t
}

// Empty reports whether the tree holds no files. Directory entries do
// not count: presence is inferred from files alone.
func (t *Tree) Empty() bool {
	return len(t.Root.descendants) == 0
}

// Len returns the number of distinct file fingerprints in the tree.
func (t *Tree) Len() int {
	return len(t.Root.descendants)
}

// Diff is the snapshot comparison result. Purely diagnostic: it never
// drives a state transition.
type Diff struct {
	Removed []string
	Added   []string
	Changed []string
}

// Compare diffs two snapshots by metadata fingerprint. A path present
// in both the removed and added sets is classified as changed.
func Compare(old, new *Tree) Diff {
	removedPaths := make(map[string]struct{})
	addedPaths := make(map[string]struct{})

	for fp, node := range old.Root.descendants {
		if _, ok := new.Root.descendants[fp]; !ok {
			removedPaths[node.FullPath()] = struct{}{}
		}
	}
	for fp, node := range new.Root.descendants {
		if _, ok := old.Root.descendants[fp]; !ok {
			addedPaths[node.FullPath()] = struct{}{}
		}
	}

	var d Diff
	for path := range removedPaths {
		if _, ok := addedPaths[path]; ok {
			d.Changed = append(d.Changed, path)
		} else {
			d.Removed = append(d.Removed, path)
		}
	}
	for path := range addedPaths {
		if _, ok := removedPaths[path]; !ok {
			d.Added = append(d.Added, path)
		}
	}

	sort.Strings(d.Removed)
	sort.Strings(d.Added)
	sort.Strings(d.Changed)
	return d
}
