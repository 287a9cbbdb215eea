package lsp

import "testing"

// applyAll replays computed changes against the starting text, the same
// way a server consuming incremental sync would.
func applyAll(text string, changes []TextDocumentContentChangeEvent) string {
	for _, c := range changes {
		if c.Range == nil {
			text = c.Text
			continue
		}
		text = applyTextChange(text, *c.Range, c.Text)
	}
	return text
}

func TestComputeChanges_ReplayMatches(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
	}{
		{"append line", "package a\n", "package a\n\nfunc main() {}\n"},
		{"edit middle line", "alpha\nbeta\ngamma\n", "alpha\nBETA\ngamma\n"},
		{"delete line", "one\ntwo\nthree\n", "one\nthree\n"},
		{"prepend", "body\n", "// header\nbody\n"},
		{"rewrite all", "completely old", "entirely new text"},
		{"empty to content", "", "fresh file\n"},
		{"content to empty", "going away\n", ""},
		{"multiple edits", "a\nb\nc\nd\n", "a\nB\nc\nD\nE\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes := ComputeChanges(tt.old, tt.new)
			got := applyAll(tt.old, changes)
			if got != tt.new {
				t.Errorf("replay = %q, want %q (changes: %+v)", got, tt.new, changes)
			}
		})
	}
}

func TestComputeChanges_NoChange(t *testing.T) {
	if changes := ComputeChanges("same\n", "same\n"); changes != nil {
		t.Errorf("ComputeChanges(same, same) = %+v, want nil", changes)
	}
}

func TestComputeChanges_AllIncremental(t *testing.T) {
	changes := ComputeChanges("x := 1\n", "x := 2\ny := 3\n")
	if len(changes) == 0 {
		t.Fatal("no changes computed")
	}
	for i, c := range changes {
		if c.Range == nil {
			t.Errorf("change %d has no range", i)
		}
	}
}

func TestAdvancePosition(t *testing.T) {
	tests := []struct {
		text string
		want Position
	}{
		{"", Position{0, 0}},
		{"abc", Position{0, 3}},
		{"ab\n", Position{1, 0}},
		{"ab\ncd", Position{1, 2}},
		{"\n\n\n", Position{3, 0}},
		{"héllo", Position{0, 5}},
		{"a\U0001F600", Position{0, 3}}, // surrogate pair counts as two UTF-16 units
	}

	for _, tt := range tests {
		got := advancePosition(Position{}, tt.text)
		if got != tt.want {
			t.Errorf("advancePosition(%q) = %+v, want %+v", tt.text, got, tt.want)
		}
	}
}
