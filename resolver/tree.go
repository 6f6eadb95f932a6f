// Package resolver maintains the per-tenant mapping indexes and resolves a
// concrete inbound topic or outbound message to the ordered set of matching
// active mappings.
package resolver

import (
	"fmt"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

// treeNode is one level of the inbound topic tree. Mappings live only at
// terminal pattern nodes; a node may hold several mappings when tenants
// register identical patterns for fan-out.
type treeNode struct {
	children map[string]*treeNode
	mappings []*entry
}

// entry pairs a registered mapping with its registration sequence so
// resolution results can be ordered deterministically.
type entry struct {
	mapping *model.Mapping
	seq     uint64
}

func newTreeNode() *treeNode {
	return &treeNode{children: make(map[string]*treeNode)}
}

// add walks the pattern levels, creating nodes as needed, and appends the
// entry at the terminal node. The pattern must already be validated.
func (n *treeNode) add(levels []string, e *entry) {
	if len(levels) == 0 {
		n.mappings = append(n.mappings, e)
		return
	}
	child, ok := n.children[levels[0]]
	if !ok {
		child = newTreeNode()
		n.children[levels[0]] = child
	}
	child.add(levels[1:], e)
}

// remove deletes the entry for identifier along the pattern path and prunes
// nodes left without children or mappings.
func (n *treeNode) remove(levels []string, identifier string) bool {
	if len(levels) == 0 {
		for i, e := range n.mappings {
			if e.mapping.Identifier == identifier {
				n.mappings = append(n.mappings[:i], n.mappings[i+1:]...)
				return true
			}
		}
		return false
	}
	child, ok := n.children[levels[0]]
	if !ok {
		return false
	}
	removed := child.remove(levels[1:], identifier)
	if removed && len(child.children) == 0 && len(child.mappings) == 0 {
		delete(n.children, levels[0])
	}
	return removed
}

// resolve collects every entry whose pattern is satisfied by the remaining
// topic levels. Exact children are tried before the single-level wildcard;
// the multi-level wildcard consumes all remaining levels and is legal only
// at a terminal child.
func (n *treeNode) resolve(levels []string, out *[]*entry) {
	if len(levels) == 0 {
		*out = append(*out, n.mappings...)
		// "device/#" also matches "device"
		if multi, ok := n.children[model.TopicWildcardMulti]; ok {
			*out = append(*out, multi.mappings...)
		}
		return
	}
	if child, ok := n.children[levels[0]]; ok {
		child.resolve(levels[1:], out)
	}
	if child, ok := n.children[model.TopicWildcardSingle]; ok {
		child.resolve(levels[1:], out)
	}
	if multi, ok := n.children[model.TopicWildcardMulti]; ok {
		*out = append(*out, multi.mappings...)
	}
}

// inboundTree indexes one tenant's inbound mappings by wildcarded topic.
type inboundTree struct {
	root *treeNode
}

func newInboundTree() *inboundTree {
	return &inboundTree{root: newTreeNode()}
}

func (t *inboundTree) add(e *entry) error {
	pattern := e.mapping.MappingTopic
	if err := model.ValidateTopicPattern(pattern); err != nil {
		return errors.WrapInvalid(err, "inboundTree", "add",
			fmt.Sprintf("mapping %s", e.mapping.Identifier))
	}
	t.root.add(model.SplitTopic(pattern), e)
	return nil
}

func (t *inboundTree) remove(e *entry) {
	t.root.remove(model.SplitTopic(e.mapping.MappingTopic), e.mapping.Identifier)
}

func (t *inboundTree) resolve(topic string) []*entry {
	var out []*entry
	t.root.resolve(model.SplitTopic(topic), &out)
	return out
}
