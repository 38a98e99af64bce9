// Package executable_seq defines the pipeline stage contract shared by every
// plugin: a stage either short-circuits by producing a response, or
// delegates to the remainder of the chain, optionally editing what comes
// back. The chain itself is an ordinary singly-linked list built once at
// startup and never mutated afterwards.
package executable_seq

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

// Executable is one unit of work in the pipeline.
type Executable interface {
	Exec(ctx context.Context, qCtx *query_context.Context, next ExecutableChainNode) error
}

// Matcher reports whether qCtx satisfies some condition. Matchers never
// mutate qCtx.
type Matcher interface {
	Match(ctx context.Context, qCtx *query_context.Context) (bool, error)
}

// ExecutableChainNode is an Executable linked to the remainder of the chain.
type ExecutableChainNode interface {
	Executable
	Next() ExecutableChainNode
	LinkNext(n ExecutableChainNode)
}

type linkableNode struct {
	Executable
	next ExecutableChainNode
}

func (n *linkableNode) Next() ExecutableChainNode { return n.next }

func (n *linkableNode) LinkNext(next ExecutableChainNode) { n.next = next }

// WrapExecutable turns a plain Executable into a chain node so it can be
// linked with LinkNext/Next.
func WrapExecutable(e Executable) ExecutableChainNode {
	if n, ok := e.(ExecutableChainNode); ok {
		return n
	}
	return &linkableNode{Executable: e}
}

// LastNode walks n's chain and returns its tail.
func LastNode(n ExecutableChainNode) ExecutableChainNode {
	for n.Next() != nil {
		n = n.Next()
	}
	return n
}

// LinkNodes links a slice of nodes in order and returns the head. Returns
// nil for an empty slice.
func LinkNodes(nodes ...ExecutableChainNode) ExecutableChainNode {
	for i := 0; i < len(nodes)-1; i++ {
		LastNode(nodes[i]).LinkNext(nodes[i+1])
	}
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// ExecChainNode runs node, if any. A nil node is a no-op terminal, which is
// what lets the final stage in a chain call next unconditionally without a
// nil check.
func ExecChainNode(ctx context.Context, qCtx *query_context.Context, node ExecutableChainNode) error {
	if node == nil {
		return nil
	}
	return node.Exec(ctx, qCtx, node.Next())
}

// LogicalAndMatcherGroup ANDs a group of matchers, short-circuiting on the
// first false or error.
func LogicalAndMatcherGroup(ctx context.Context, qCtx *query_context.Context, ms []Matcher) (bool, error) {
	for _, m := range ms {
		ok, err := m.Match(ctx, qCtx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Sequence is an immutable, pre-linked pipeline built once at startup.
type Sequence struct {
	head ExecutableChainNode
}

// NewSequence links stages in order into one immutable chain.
func NewSequence(stages ...Executable) *Sequence {
	nodes := make([]ExecutableChainNode, 0, len(stages))
	for _, s := range stages {
		if s == nil {
			continue
		}
		nodes = append(nodes, WrapExecutable(s))
	}
	return &Sequence{head: LinkNodes(nodes...)}
}

// Exec runs the whole sequence.
func (s *Sequence) Exec(ctx context.Context, qCtx *query_context.Context) error {
	return ExecChainNode(ctx, qCtx, s.head)
}

// entryRef is one parsed entry, either an Executable tag or an if block,
// for BuildExecutableLogicTree to resolve.
type entryRef struct {
	tag      string
	ifCfg    *ConditionNodeConfig
}

// BuildExecutableLogicTree builds a chain node from a YAML-decoded
// sequence entry. Supported shapes:
//
//	"plugin_tag"                      -> looked up in execs
//	{if: "expr", exec: ..., else_exec: ...}   -> a ConditionNode, exec/else_exec
//	                                      recursively built the same way
//	[ ...entries... ]                 -> linked in order
//
// The sequence plugin builds its chain with it, and ConditionNode uses it
// for its exec and else_exec branches.
func BuildExecutableLogicTree(in interface{}, logger *zap.Logger, execs map[string]Executable, matchers map[string]Matcher) (ExecutableChainNode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	refs, err := parseEntries(in)
	if err != nil {
		return nil, err
	}

	nodes := make([]ExecutableChainNode, 0, len(refs))
	for _, ref := range refs {
		var node ExecutableChainNode
		switch {
		case ref.ifCfg != nil:
			cn, err := ParseConditionNode(ref.ifCfg, logger, execs, matchers)
			if err != nil {
				return nil, err
			}
			node = cn
		case ref.tag != "":
			e, ok := execs[ref.tag]
			if !ok {
				return nil, fmt.Errorf("executable tag %q is not registered", ref.tag)
			}
			node = WrapExecutable(e)
		default:
			continue
		}
		nodes = append(nodes, node)
	}
	return LinkNodes(nodes...), nil
}

// parseEntries normalizes the loosely-typed YAML value into a flat list of
// entryRef. Accepts a bare string, a single map (one "if" block, or a
// {tag: "..."} reference), or a list mixing both.
func parseEntries(in interface{}) ([]entryRef, error) {
	switch v := in.(type) {
	case nil:
		return nil, nil
	case string:
		return []entryRef{{tag: v}}, nil
	case []interface{}:
		out := make([]entryRef, 0, len(v))
		for _, item := range v {
			refs, err := parseEntries(item)
			if err != nil {
				return nil, err
			}
			out = append(out, refs...)
		}
		return out, nil
	case map[string]interface{}:
		if ifExpr, ok := v["if"]; ok {
			s, ok := ifExpr.(string)
			if !ok {
				return nil, fmt.Errorf("if condition must be a string, got %T", ifExpr)
			}
			return []entryRef{{ifCfg: &ConditionNodeConfig{
				If:       s,
				Exec:     v["exec"],
				ElseExec: v["else_exec"],
			}}}, nil
		}
		if tag, ok := v["tag"]; ok {
			s, ok := tag.(string)
			if !ok {
				return nil, fmt.Errorf("tag must be a string, got %T", tag)
			}
			return []entryRef{{tag: s}}, nil
		}
		return nil, fmt.Errorf("unrecognized sequence entry: %v", v)
	default:
		return nil, fmt.Errorf("unsupported sequence entry type %T", in)
	}
}
