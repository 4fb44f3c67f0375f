// Package models contains the external data types shared between event
// payloads and the HTTP API.
package models

// FileTree is the externally visible representation of a storage node.
// Children is omitted entirely when a node has none, per the consumer's
// schema convention.
type FileTree struct {
	Type     string      `json:"type"`
	Path     string      `json:"path"`
	ReadOnly bool        `json:"ro,omitempty"`
	Size     int64       `json:"size,omitempty"`
	MDate    int         `json:"m_date,omitempty"`
	MTime    int         `json:"m_time,omitempty"`
	Children []*FileTree `json:"children,omitempty"`
}

// NodeTypeDir, NodeTypeFile and NodeTypeMount are the type names the
// consumer understands.
const (
	NodeTypeDir   = "DIR"
	NodeTypeFile  = "FILE"
	NodeTypeMount = "MOUNT"
)
