package filetree

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildBasic(t *testing.T) {
	tree := Build([]string{
		"documents/a.gcode 1024",
		"documents/b.gcode 2048",
		"c.gcode 10",
	})

	if tree.Empty() {
		t.Fatal("tree should not be empty")
	}
	if tree.Len() != 3 {
		t.Fatalf("expected 3 files, got %d", tree.Len())
	}

	docs := tree.Root.Child("documents")
	if docs == nil {
		t.Fatal("expected directory child documents")
	}
	if docs.Kind != KindDir {
		t.Errorf("documents kind = %v, want %v", docs.Kind, KindDir)
	}

	tests := []struct {
		parent  *Node
		segment string
		size    int64
	}{
		{docs, "a.gcode", 1024},
		{docs, "b.gcode", 2048},
		{tree.Root, "c.gcode", 10},
	}
	for _, tt := range tests {
		node := tt.parent.Child(tt.segment)
		if node == nil {
			t.Fatalf("missing node %s", tt.segment)
		}
		if node.Kind != KindFile {
			t.Errorf("%s kind = %v, want %v", tt.segment, node.Kind, KindFile)
		}
		if node.Size != tt.size {
			t.Errorf("%s size = %d, want %d", tt.segment, node.Size, tt.size)
		}
	}
}

func TestFullPath(t *testing.T) {
	tree := Build([]string{
		"documents/b.gcode 2048",
		"a/b/c.gcode 7",
	})

	tests := []struct {
		segments []string
		want     string
	}{
		{[]string{"documents"}, "/documents"},
		{[]string{"documents", "b.gcode"}, "/documents/b.gcode"},
		{[]string{"a", "b", "c.gcode"}, "/a/b/c.gcode"},
	}
	for _, tt := range tests {
		node := tree.Root
		for _, seg := range tt.segments {
			node = node.Child(seg)
			if node == nil {
				t.Fatalf("missing node at %v", tt.segments)
			}
		}
		if got := node.FullPath(); got != tt.want {
			t.Errorf("FullPath(%v) = %q, want %q", tt.segments, got, tt.want)
		}
	}

	if got := tree.Root.FullPath(); got != "/" {
		t.Errorf("root FullPath = %q, want /", got)
	}
}

func TestDescendantsRegisteredInEveryAncestor(t *testing.T) {
	tree := Build([]string{
		"a/b/c.gcode 7",
		"a/d.gcode 8",
		"e.gcode 9",
	})

	tests := []struct {
		segments []string
		want     int
	}{
		{nil, 3},
		{[]string{"a"}, 2},
		{[]string{"a", "b"}, 1},
	}
	for _, tt := range tests {
		node := tree.Root
		for _, seg := range tt.segments {
			node = node.Child(seg)
		}
		if got := node.DescendantCount(); got != tt.want {
			t.Errorf("DescendantCount(%v) = %d, want %d", tt.segments, got, tt.want)
		}
	}
}

func TestBuildIdempotent(t *testing.T) {
	lines := []string{
		"documents/a.gcode 1024",
		"documents/b.gcode 2048",
		"c.gcode 10",
	}
	a := Build(lines)
	b := Build(lines)

	var compare func(t *testing.T, x, y *Node)
	compare = func(t *testing.T, x, y *Node) {
		if x.Fingerprint() != y.Fingerprint() {
			t.Errorf("fingerprint mismatch at %s", x.FullPath())
		}
		xc, yc := x.Children(), y.Children()
		if len(xc) != len(yc) {
			t.Fatalf("child count mismatch at %s: %d vs %d", x.FullPath(), len(xc), len(yc))
		}
		for i := range xc {
			compare(t, xc[i], yc[i])
		}
	}
	compare(t, a.Root, b.Root)

	diff := Compare(a, b)
	if len(diff.Removed)+len(diff.Added)+len(diff.Changed) != 0 {
		t.Errorf("identical trees should diff empty, got %+v", diff)
	}
}

func TestDiff(t *testing.T) {
	a := Build([]string{"x.gcode 1", "y.gcode 2"})
	b := Build([]string{"y.gcode 2", "z.gcode 3"})

	diff := Compare(a, b)
	if len(diff.Removed) != 1 || diff.Removed[0] != "/x.gcode" {
		t.Errorf("Removed = %v, want [/x.gcode]", diff.Removed)
	}
	if len(diff.Added) != 1 || diff.Added[0] != "/z.gcode" {
		t.Errorf("Added = %v, want [/z.gcode]", diff.Added)
	}
	if len(diff.Changed) != 0 {
		t.Errorf("Changed = %v, want empty", diff.Changed)
	}
}

func TestDiffChanged(t *testing.T) {
	a := Build([]string{"y.gcode 2"})
	b := Build([]string{"y.gcode 5"})

	diff := Compare(a, b)
	if len(diff.Changed) != 1 || diff.Changed[0] != "/y.gcode" {
		t.Errorf("Changed = %v, want [/y.gcode]", diff.Changed)
	}
	if len(diff.Removed) != 0 || len(diff.Added) != 0 {
		t.Errorf("Removed/Added = %v/%v, want empty", diff.Removed, diff.Added)
	}
}

func TestMalformedEntriesSkipped(t *testing.T) {
	tree := Build([]string{
		"garbage",
		"bad.gcode notanumber",
		"ok.gcode 5",
	})
	if tree.Len() != 1 {
		t.Fatalf("expected 1 file after skipping malformed entries, got %d", tree.Len())
	}
	if tree.Root.Child("ok.gcode") == nil {
		t.Error("valid entry should still be inserted")
	}
}

func TestEmpty(t *testing.T) {
	if !NewTree().Empty() {
		t.Error("fresh tree should be empty")
	}
	// Directories alone do not count as presence; only files do.
	if Build(nil).Len() != 0 {
		t.Error("building from no lines should yield no files")
	}
}

func TestToExternal(t *testing.T) {
	tree := Build([]string{"documents/a.gcode 1024"})
	ext := tree.Root.ToExternal()

	if ext.Type != "MOUNT" {
		t.Errorf("root type = %q, want MOUNT", ext.Type)
	}
	if !ext.ReadOnly {
		t.Error("mount root should be read-only")
	}
	if len(ext.Children) != 1 {
		t.Fatalf("root children = %d, want 1", len(ext.Children))
	}

	dir := ext.Children[0]
	if dir.Type != "DIR" || dir.Path != "documents" {
		t.Errorf("dir = %+v, want DIR documents", dir)
	}
	if dir.ReadOnly || dir.Size != 0 {
		t.Error("dir should carry no file or mount metadata")
	}

	file := dir.Children[0]
	if file.Type != "FILE" || file.Size != 1024 {
		t.Errorf("file = %+v, want FILE size 1024", file)
	}

	// Empty children collections are omitted, not serialized empty.
	data, err := json.Marshal(file)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "children") {
		t.Errorf("leaf JSON should omit children, got %s", data)
	}
}
