package domain

import (
	"errors"
	"regexp"
	"testing"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	m := NewModel()
	for _, md := range []*EntityMetadata{
		{Type: "Node"},
		{Type: "Folder", SuperType: "Node"},
		{Type: "File", SuperType: "Node", Indexes: []*Index{{Fields: []IndexField{{Name: "name"}, {Name: "folder", Link: true}}}}},
		{Type: "Tag"},
	} {
		if err := m.AddEntity(md); err != nil {
			t.Fatalf("add %s: %v", md.Type, err)
		}
	}
	parent := &AssociationEnd{Name: "files", SourceType: "Folder", TargetType: "File", Cardinality: CardinalityZeroOrMany, Kind: EndParent, CascadeDelete: true}
	child := &AssociationEnd{Name: "folder", SourceType: "File", TargetType: "Folder", Cardinality: CardinalityOne, Kind: EndChild}
	if _, err := m.Associate("folder-files", parent, child); err != nil {
		t.Fatalf("associate: %v", err)
	}
	tag := &AssociationEnd{Name: "tag", SourceType: "File", TargetType: "Tag", Cardinality: CardinalityZeroOrOne, Kind: EndDirected, TargetClearOnDelete: true}
	if _, err := m.Associate("file-tag", tag, nil); err != nil {
		t.Fatalf("associate directed: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return m
}

func TestModelAssociationsAndOpposites(t *testing.T) {
	m := newTestModel(t)
	folder, _ := m.EntityMetadata("Folder")
	files, ok := folder.AssociationEnd("files")
	if !ok {
		t.Fatalf("expected files end on Folder")
	}
	opp, ok := files.Opposite()
	if !ok || opp.Name != "folder" || opp.SourceType != "File" {
		t.Fatalf("unexpected opposite %+v", opp)
	}
	file, _ := m.EntityMetadata("File")
	tag, _ := file.AssociationEnd("tag")
	if _, ok := tag.Opposite(); ok {
		t.Fatalf("directed end must have no opposite")
	}
	if got := file.Indexes[0].Name; got != "File(name, folder)" {
		t.Fatalf("unexpected default index name %q", got)
	}
	if len(file.IndexesFor("folder")) != 1 || len(file.IndexesFor("size")) != 0 {
		t.Fatalf("unexpected IndexesFor result")
	}
}

func TestModelTypeHierarchyAndIncoming(t *testing.T) {
	m := newTestModel(t)
	got := m.ThisAndSuperTypes("File")
	if len(got) != 2 || got[0] != "File" || got[1] != "Node" {
		t.Fatalf("unexpected hierarchy %v", got)
	}
	incoming := m.IncomingAssociations("Tag")
	if names := incoming["File"]; len(names) != 1 || names[0] != "tag" {
		t.Fatalf("unexpected incoming associations %v", incoming)
	}
	if len(m.IncomingAssociations("Folder")) != 0 {
		t.Fatalf("Folder has no target-side flags pointing at it")
	}
}

func TestModelRejectsInconsistentAssociations(t *testing.T) {
	m := NewModel()
	_ = m.AddEntity(&EntityMetadata{Type: "A"})
	_ = m.AddEntity(&EntityMetadata{Type: "B"})
	cases := []struct {
		name string
		a, b *AssociationEnd
	}{
		{"undirected without opposite", &AssociationEnd{Name: "x", SourceType: "A", TargetType: "B", Kind: EndUndirected}, nil},
		{"kinds mismatch", &AssociationEnd{Name: "y", SourceType: "A", TargetType: "B", Kind: EndParent}, &AssociationEnd{Name: "y", SourceType: "B", TargetType: "A", Kind: EndUndirected}},
		{"ends not facing", &AssociationEnd{Name: "z", SourceType: "A", TargetType: "B", Kind: EndUndirected}, &AssociationEnd{Name: "z", SourceType: "A", TargetType: "B", Kind: EndUndirected}},
		{"unknown type", &AssociationEnd{Name: "w", SourceType: "A", TargetType: "C", Kind: EndDirected}, nil},
	}
	for _, tc := range cases {
		if _, err := m.Associate(tc.name, tc.a, tc.b); !errors.Is(err, ErrInvalidModel) {
			t.Fatalf("%s: expected ErrInvalidModel, got %v", tc.name, err)
		}
	}
	if err := m.AddEntity(&EntityMetadata{Type: "A"}); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("expected duplicate type rejection, got %v", err)
	}
}

func TestModelValidateDetectsMissingSuperType(t *testing.T) {
	m := NewModel()
	_ = m.AddEntity(&EntityMetadata{Type: "A", SuperType: "Ghost"})
	if err := m.Validate(); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("expected invalid model, got %v", err)
	}
}

func TestCardinalityAccepts(t *testing.T) {
	cases := []struct {
		c     Cardinality
		count int
		want  bool
	}{
		{CardinalityZeroOrOne, 0, true},
		{CardinalityZeroOrOne, 2, false},
		{CardinalityOne, 0, false},
		{CardinalityOne, 1, true},
		{CardinalityOne, 2, false},
		{CardinalityOneOrMany, 0, false},
		{CardinalityOneOrMany, 2, true},
		{CardinalityZeroOrMany, 0, true},
	}
	for _, tc := range cases {
		if got := tc.c.Accepts(tc.count); got != tc.want {
			t.Fatalf("%s accepts %d: got %v want %v", tc.c, tc.count, got, tc.want)
		}
	}
}

func TestBuiltinPropertyConstraints(t *testing.T) {
	prop := PropertyMetadata{Name: "code"}
	if err := MaxLength(3).Check(nil, prop, "abcd"); err == nil {
		t.Fatalf("expected max length failure")
	}
	if err := MaxLength(3).Check(nil, prop, "abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	re := regexp.MustCompile(`^[A-Z]+$`)
	if err := Matches(re).Check(nil, prop, "abc"); err == nil {
		t.Fatalf("expected pattern failure")
	}
	if !IsEmptyValue(nil) || !IsEmptyValue("") || IsEmptyValue(0) {
		t.Fatalf("unexpected IsEmptyValue semantics")
	}
}
