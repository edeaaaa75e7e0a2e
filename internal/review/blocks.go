package review

import (
	"fmt"
	"strings"

	"github.com/policyreviewer/pipeline/internal/engine"
)

// KeyValue is one extracted form field.
type KeyValue struct {
	Key   string
	Value string
}

// Table is one extracted table. Headers is nil when the table had no
// usable header row, in which case Rows holds the whole grid.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Lines joins the text of every LINE block with newlines. Works for
// both analysis modes.
func Lines(blocks []engine.Block) string {
	var lines []string
	for _, b := range blocks {
		if b.BlockType == engine.BlockTypeLine && b.Text != "" {
			lines = append(lines, b.Text)
		}
	}
	return strings.Join(lines, "\n")
}

// KeyValuePairs extracts form fields from KEY_VALUE_SET blocks.
// Key text resolves through CHILD relationships, the paired value
// through the key's VALUE relationship. Pairs where both sides are
// empty are dropped, and repeats are removed preserving first
// appearance order.
func KeyValuePairs(blocks []engine.Block) []KeyValue {
	byID := blockMap(blocks)

	valueBlocks := map[string]engine.Block{}
	for _, b := range blocks {
		if b.BlockType == engine.BlockTypeKeyValueSet && hasEntityType(b, engine.EntityTypeValue) {
			valueBlocks[b.ID] = b
		}
	}

	var pairs []KeyValue
	seen := map[KeyValue]struct{}{}
	for _, b := range blocks {
		if b.BlockType != engine.BlockTypeKeyValueSet || !hasEntityType(b, engine.EntityTypeKey) {
			continue
		}
		pair := KeyValue{Key: blockText(b, byID)}
	value:
		for _, rel := range b.Relationships {
			if rel.Type != engine.RelationshipValue {
				continue
			}
			for _, id := range rel.Ids {
				if vb, ok := valueBlocks[id]; ok {
					pair.Value = blockText(vb, byID)
					break value
				}
			}
		}
		if pair.Key == "" && pair.Value == "" {
			continue
		}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}
	return pairs
}

// Tables builds cell grids from TABLE and CELL blocks. Cell indices
// are 1-based; colliding cells merge with " | ". When the grid has
// more than one row and a non-empty first row, that row is promoted to
// headers, with empty header cells named Col1, Col2, and so on.
func Tables(blocks []engine.Block) []Table {
	byID := blockMap(blocks)

	var tables []Table
	for _, b := range blocks {
		if b.BlockType != engine.BlockTypeTable {
			continue
		}

		var cells []engine.Block
		for _, rel := range b.Relationships {
			if rel.Type != engine.RelationshipChild {
				continue
			}
			for _, id := range rel.Ids {
				if c, ok := byID[id]; ok && c.BlockType == engine.BlockTypeCell {
					cells = append(cells, c)
				}
			}
		}
		if len(cells) == 0 {
			continue
		}

		maxRow, maxCol := 0, 0
		for _, c := range cells {
			if c.RowIndex > maxRow {
				maxRow = c.RowIndex
			}
			if c.ColumnIndex > maxCol {
				maxCol = c.ColumnIndex
			}
		}

		grid := make([][]string, maxRow)
		for i := range grid {
			grid[i] = make([]string, maxCol)
		}
		for _, c := range cells {
			row, col := c.RowIndex-1, c.ColumnIndex-1
			if row < 0 || col < 0 {
				continue
			}
			text := blockText(c, byID)
			if grid[row][col] != "" {
				grid[row][col] = strings.TrimSpace(grid[row][col] + " | " + text)
			} else {
				grid[row][col] = text
			}
		}

		tables = append(tables, promoteHeader(grid))
	}
	return tables
}

func promoteHeader(grid [][]string) Table {
	if len(grid) < 2 {
		return Table{Rows: grid}
	}
	hasHeader := false
	for _, cell := range grid[0] {
		if cell != "" {
			hasHeader = true
			break
		}
	}
	if !hasHeader {
		return Table{Rows: grid}
	}
	headers := make([]string, len(grid[0]))
	for i, cell := range grid[0] {
		if cell == "" {
			headers[i] = fmt.Sprintf("Col%d", i+1)
		} else {
			headers[i] = cell
		}
	}
	return Table{Headers: headers, Rows: grid[1:]}
}

// blockText collects text by walking CHILD relationships down to WORD
// and SELECTION_ELEMENT blocks. Selections render as [X] or [ ].
func blockText(b engine.Block, byID map[string]engine.Block) string {
	var parts []string
	for _, rel := range b.Relationships {
		if rel.Type != engine.RelationshipChild {
			continue
		}
		for _, id := range rel.Ids {
			child, ok := byID[id]
			if !ok {
				continue
			}
			switch child.BlockType {
			case engine.BlockTypeWord:
				if child.Text != "" {
					parts = append(parts, child.Text)
				}
			case engine.BlockTypeSelectionElement:
				if child.SelectionStatus == engine.SelectionSelected {
					parts = append(parts, "[X]")
				} else {
					parts = append(parts, "[ ]")
				}
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func blockMap(blocks []engine.Block) map[string]engine.Block {
	m := make(map[string]engine.Block, len(blocks))
	for _, b := range blocks {
		if b.ID != "" {
			m[b.ID] = b
		}
	}
	return m
}

func hasEntityType(b engine.Block, entity string) bool {
	for _, t := range b.EntityTypes {
		if t == entity {
			return true
		}
	}
	return false
}
