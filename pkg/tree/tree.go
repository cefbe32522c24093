// Package tree provides pure operations over a session's file forest.
//
// All mutating operations are copy-on-write: they return a new forest that
// shares memory with the input everywhere except on the path from the root
// to the changed node. The input is never modified, so a forest handed to a
// concurrent reader stays valid. All operations are total: a missing id (or
// an id of the wrong variant) is a silent no-op returning the input
// unchanged, so repeated and out-of-order application are both safe.
package tree

import "github.com/codetogether/codetogether/pkg/models"

// Find returns the first node with the given id, depth-first, or nil.
func Find(nodes []*models.Node, id string) *models.Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
		if found := Find(n.Children, id); found != nil {
			return found
		}
	}
	return nil
}

// UpdateContent replaces the content of the file node with the given id.
// No-op if the id is absent or names a folder.
func UpdateContent(nodes []*models.Node, id, content string) []*models.Node {
	out, _ := updateContent(nodes, id, content)
	return out
}

func updateContent(nodes []*models.Node, id, content string) ([]*models.Node, bool) {
	for i, n := range nodes {
		if n.ID == id {
			if n.Type != models.NodeFile {
				return nodes, false
			}
			repl := *n
			repl.Content = content
			return replaceAt(nodes, i, &repl), true
		}
		if len(n.Children) > 0 {
			if children, ok := updateContent(n.Children, id, content); ok {
				repl := *n
				repl.Children = children
				return replaceAt(nodes, i, &repl), true
			}
		}
	}
	return nodes, false
}

// Insert appends node to the children of the folder with parentID,
// preserving prior order. The empty parentID is the virtual root: the node
// is appended to the top-level forest. Inserting into a file id or an absent
// id is a no-op.
func Insert(nodes []*models.Node, parentID string, node *models.Node) []*models.Node {
	if parentID == "" {
		out := make([]*models.Node, len(nodes), len(nodes)+1)
		copy(out, nodes)
		return append(out, node)
	}
	out, _ := insert(nodes, parentID, node)
	return out
}

func insert(nodes []*models.Node, parentID string, node *models.Node) ([]*models.Node, bool) {
	for i, n := range nodes {
		if n.ID == parentID {
			if n.Type != models.NodeFolder {
				return nodes, false
			}
			repl := *n
			repl.Children = make([]*models.Node, len(n.Children), len(n.Children)+1)
			copy(repl.Children, n.Children)
			repl.Children = append(repl.Children, node)
			return replaceAt(nodes, i, &repl), true
		}
		if len(n.Children) > 0 {
			if children, ok := insert(n.Children, parentID, node); ok {
				repl := *n
				repl.Children = children
				return replaceAt(nodes, i, &repl), true
			}
		}
	}
	return nodes, false
}

// Rename updates the name of the node with the given id, file or folder.
// No-op if the id is absent.
func Rename(nodes []*models.Node, id, name string) []*models.Node {
	out, _ := rename(nodes, id, name)
	return out
}

func rename(nodes []*models.Node, id, name string) ([]*models.Node, bool) {
	for i, n := range nodes {
		if n.ID == id {
			repl := *n
			repl.Name = name
			return replaceAt(nodes, i, &repl), true
		}
		if len(n.Children) > 0 {
			if children, ok := rename(n.Children, id, name); ok {
				repl := *n
				repl.Children = children
				return replaceAt(nodes, i, &repl), true
			}
		}
	}
	return nodes, false
}

// Delete removes the node with the given id from wherever it occurs.
// Deleting a folder removes its entire subtree. No-op if the id is absent.
func Delete(nodes []*models.Node, id string) []*models.Node {
	out, _ := deleteNode(nodes, id)
	return out
}

func deleteNode(nodes []*models.Node, id string) ([]*models.Node, bool) {
	for i, n := range nodes {
		if n.ID == id {
			out := make([]*models.Node, 0, len(nodes)-1)
			out = append(out, nodes[:i]...)
			out = append(out, nodes[i+1:]...)
			return out, true
		}
		if len(n.Children) > 0 {
			if children, ok := deleteNode(n.Children, id); ok {
				repl := *n
				repl.Children = children
				return replaceAt(nodes, i, &repl), true
			}
		}
	}
	return nodes, false
}

func replaceAt(nodes []*models.Node, i int, n *models.Node) []*models.Node {
	out := make([]*models.Node, len(nodes))
	copy(out, nodes)
	out[i] = n
	return out
}

// Clone returns a deep copy of the forest.
func Clone(nodes []*models.Node) []*models.Node {
	if nodes == nil {
		return nil
	}
	out := make([]*models.Node, len(nodes))
	for i, n := range nodes {
		repl := *n
		repl.Children = Clone(n.Children)
		out[i] = &repl
	}
	return out
}

// CountNodes counts all nodes in the forest, folders included.
func CountNodes(nodes []*models.Node) int {
	count := 0
	for _, n := range nodes {
		count += 1 + CountNodes(n.Children)
	}
	return count
}

// Flatten returns all nodes in a flat map keyed by id.
func Flatten(nodes []*models.Node) map[string]*models.Node {
	result := make(map[string]*models.Node)
	flattenInto(nodes, result)
	return result
}

func flattenInto(nodes []*models.Node, result map[string]*models.Node) {
	for _, n := range nodes {
		result[n.ID] = n
		flattenInto(n.Children, result)
	}
}

// CollectIDs returns the ids of the node with the given id and its entire
// subtree, or nil if the id is absent.
func CollectIDs(nodes []*models.Node, id string) []string {
	n := Find(nodes, id)
	if n == nil {
		return nil
	}
	var ids []string
	collectIDs(n, &ids)
	return ids
}

func collectIDs(n *models.Node, ids *[]string) {
	*ids = append(*ids, n.ID)
	for _, child := range n.Children {
		collectIDs(child, ids)
	}
}
