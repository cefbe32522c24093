// Package models contains the shared data types for collaborative sessions.
package models

import (
	"strings"
	"time"
)

// NodeType discriminates the Node union.
type NodeType string

const (
	NodeFile   NodeType = "file"
	NodeFolder NodeType = "folder"
)

// Node is one entry in a session's file tree: a file with text content or a
// folder with ordered children. IDs are opaque, unique across the whole tree
// and never reused; names are display-only and may repeat.
type Node struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     NodeType `json:"type"`
	Content  string   `json:"content,omitempty"`
	Children []*Node  `json:"children,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool {
	return n != nil && n.Type == NodeFolder
}

// Document is the single shared mutable document all participants of a
// session converge on. Version is a monotonic counter bumped by the storage
// layer on every accepted write.
type Document struct {
	SessionID string    `json:"session_id"`
	Files     []*Node   `json:"files"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Participant is one connected tab/user within a session. Participants are
// ephemeral: "online" means LastSeen is within the presence window. There is
// no leave record; absence is inferred from staleness.
type Participant struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	ActiveFile string    `json:"active_file,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// CursorPosition is the payload of a cursor_move event.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// LanguageForName infers the editor language from a file name extension.
func LanguageForName(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".html"), strings.HasSuffix(name, ".htm"):
		return "html"
	case strings.HasSuffix(name, ".css"):
		return "css"
	case strings.HasSuffix(name, ".js"):
		return "javascript"
	case strings.HasSuffix(name, ".md"):
		return "markdown"
	case strings.HasSuffix(name, ".json"):
		return "json"
	default:
		return "plaintext"
	}
}

const (
	defaultHTML = "<h1>Hello World!</h1>\n<p>Start coding...</p>"
	defaultCSS  = "body {\n  font-family: Arial, sans-serif;\n  margin: 0;\n  padding: 20px;\n  background: #f0f0f0;\n}\n\nh1 {\n  color: #333;\n}"
	defaultJS   = "console.log(\"CodeTogether is ready!\");"
	defaultMD   = "# CodeTogether\n\nShare the session link to code together in real time.\n"
)

// DefaultFiles returns the seed tree for a brand-new session: a public
// folder with the three web files plus a root README.
func DefaultFiles() []*Node {
	return []*Node{
		{
			ID:   "public",
			Name: "public",
			Type: NodeFolder,
			Children: []*Node{
				{ID: "index-html", Name: "index.html", Type: NodeFile, Content: defaultHTML},
				{ID: "style-css", Name: "style.css", Type: NodeFile, Content: defaultCSS},
				{ID: "script-js", Name: "script.js", Type: NodeFile, Content: defaultJS},
			},
		},
		{ID: "readme-md", Name: "README.md", Type: NodeFile, Content: defaultMD},
	}
}
