package lsp

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ComputeChanges turns a full-text edit into a sequence of incremental
// content changes for servers that negotiated incremental sync. Events
// apply in order, each against the document produced by the previous one.
// Positions use UTF-16 code units, matching the protocol's default.
func ComputeChanges(oldText, newText string) []TextDocumentContentChangeEvent {
	if oldText == newText {
		return nil
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupEfficiency(diffs)

	var changes []TextDocumentContentChangeEvent
	pos := Position{}

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos = advancePosition(pos, d.Text)

		case diffmatchpatch.DiffDelete:
			end := advancePosition(pos, d.Text)
			changes = append(changes, TextDocumentContentChangeEvent{
				Range: &Range{Start: pos, End: end},
				Text:  "",
			})

		case diffmatchpatch.DiffInsert:
			changes = append(changes, TextDocumentContentChangeEvent{
				Range: &Range{Start: pos, End: pos},
				Text:  d.Text,
			})
			pos = advancePosition(pos, d.Text)
		}
	}

	return changes
}

// advancePosition moves a position forward over text.
func advancePosition(pos Position, text string) Position {
	for _, r := range text {
		if r == '\n' {
			pos.Line++
			pos.Character = 0
			continue
		}
		pos.Character += utf16RuneLen(r)
	}
	return pos
}

// utf16RuneLen reports the number of UTF-16 code units in r. It matches
// utf16.RuneLen (added in Go 1.23) for every rune produced by ranging
// over a string; kept local so the package builds on Go 1.21.
func utf16RuneLen(r rune) int {
	if r >= 0x10000 && r <= '\U0010FFFF' {
		return 2
	}
	return 1
}
