package engine

import (
	"encoding/json"
)

// Block types emitted by the engine.
const (
	BlockTypePage             = "PAGE"
	BlockTypeLine             = "LINE"
	BlockTypeWord             = "WORD"
	BlockTypeKeyValueSet      = "KEY_VALUE_SET"
	BlockTypeTable            = "TABLE"
	BlockTypeCell             = "CELL"
	BlockTypeSelectionElement = "SELECTION_ELEMENT"
)

// Relationship types linking blocks.
const (
	RelationshipChild = "CHILD"
	RelationshipValue = "VALUE"
)

// Entity types distinguishing the two halves of a key-value set.
const (
	EntityTypeKey   = "KEY"
	EntityTypeValue = "VALUE"
)

// Selection states of a SELECTION_ELEMENT block.
const (
	SelectionSelected    = "SELECTED"
	SelectionNotSelected = "NOT_SELECTED"
)

// Relationship links a block to related block IDs.
type Relationship struct {
	Type string   `json:"Type"`
	Ids  []string `json:"Ids"`
}

// Block is one element of the engine's page layout model. Fields are
// populated per BlockType: Text on LINE/WORD, Row/ColumnIndex on CELL,
// SelectionStatus on SELECTION_ELEMENT, EntityTypes on KEY_VALUE_SET.
type Block struct {
	ID              string         `json:"Id"`
	BlockType       string         `json:"BlockType"`
	Text            string         `json:"Text,omitempty"`
	EntityTypes     []string       `json:"EntityTypes,omitempty"`
	Relationships   []Relationship `json:"Relationships,omitempty"`
	RowIndex        int            `json:"RowIndex,omitempty"`
	ColumnIndex     int            `json:"ColumnIndex,omitempty"`
	RowSpan         int            `json:"RowSpan,omitempty"`
	ColumnSpan      int            `json:"ColumnSpan,omitempty"`
	SelectionStatus string         `json:"SelectionStatus,omitempty"`
	Confidence      float64        `json:"Confidence,omitempty"`
	Page            int            `json:"Page,omitempty"`
}

// DocumentMetadata summarizes the analyzed document.
type DocumentMetadata struct {
	Pages int `json:"Pages"`
}

// ResultPage is the decoded form of one persisted page unit.
type ResultPage struct {
	DocumentMetadata DocumentMetadata `json:"DocumentMetadata"`
	JobStatus        string           `json:"JobStatus,omitempty"`
	Blocks           []Block          `json:"Blocks"`
}

// ResultBatch is one paginated retrieval response: a batch of page units
// (kept raw so persistence is byte-faithful) and the continuation cursor,
// empty when the batch is the last one.
type ResultBatch struct {
	Pages      []json.RawMessage
	NextCursor string
}
