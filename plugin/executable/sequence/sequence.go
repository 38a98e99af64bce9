/*
 * Copyright (C) 2020-2026, IrineSistiana
 *
 * This file is part of mosdns.
 */

// Package sequence links other plugins' tags into one ordered chain, the
// same way mosdns' own config glues stages together, so a single tag
// (typically a server's entry) can stand for a whole pipeline.
package sequence

import (
	"context"
	"fmt"

	"github.com/IrineSistiana/smartfwd/coremain"
	"github.com/IrineSistiana/smartfwd/pkg/executable_seq"
	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

const PluginType = "sequence"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() interface{} { return new(Args) })
}

var _ coremain.ExecutablePlugin = (*sequencePlugin)(nil)

// Args.Exec accepts anything executable_seq.BuildExecutableLogicTree
// understands: a bare tag, an if/exec/else_exec block, or a list mixing
// both.
type Args struct {
	Exec interface{} `yaml:"exec"`
}

type sequencePlugin struct {
	*coremain.BP
	chain executable_seq.ExecutableChainNode
}

func Init(bp *coremain.BP, args interface{}) (coremain.Plugin, error) {
	a := args.(*Args)
	chain, err := executable_seq.BuildExecutableLogicTree(a.Exec, bp.L(), bp.M().GetExecutables(), bp.M().GetMatchers())
	if err != nil {
		return nil, fmt.Errorf("failed to build sequence: %w", err)
	}
	return &sequencePlugin{BP: bp, chain: chain}, nil
}

// Exec runs the inner chain to completion. If that chain already produced
// a response, the outer next is skipped, same as every other terminal
// stage in this pipeline.
func (s *sequencePlugin) Exec(ctx context.Context, qCtx *query_context.Context, next executable_seq.ExecutableChainNode) error {
	if err := executable_seq.ExecChainNode(ctx, qCtx, s.chain); err != nil {
		return err
	}
	if qCtx.R() != nil {
		return nil
	}
	return executable_seq.ExecChainNode(ctx, qCtx, next)
}
