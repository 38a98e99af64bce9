package coremain

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/pkg/data_provider"
	"github.com/IrineSistiana/smartfwd/pkg/executable_seq"
	"github.com/IrineSistiana/smartfwd/pkg/query_context"
	"github.com/IrineSistiana/smartfwd/pkg/safe_close"
)

// M is the subset of *Mosdns a plugin is allowed to see.
type M interface {
	GetDataManager() *data_provider.DataManager
	GetSafeClose() *safe_close.SafeClose
	GetExecutables() map[string]executable_seq.Executable
	GetMatchers() map[string]executable_seq.Matcher
	GetMetricsReg() prometheus.Registerer
}

// BP ("base plugin") bundles everything a plugin's constructor needs:
// its own tag/type, a logger, and the host so it can look up its
// dependencies (other plugins, data providers).
type BP struct {
	tag    string
	typ    string
	logger *zap.Logger
	m      M
}

func NewBP(tag, typ string, logger *zap.Logger, m M) *BP {
	return &BP{
		tag:    tag,
		typ:    typ,
		logger: logger.Named(tag),
		m:      m,
	}
}

func (bp *BP) Tag() string  { return bp.tag }
func (bp *BP) Type() string { return bp.typ }
func (bp *BP) L() *zap.Logger { return bp.logger }
func (bp *BP) M() M         { return bp.m }

func (bp *BP) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWith(prometheus.Labels{"tag": bp.tag}, bp.m.GetMetricsReg())
}

// Plugin is implemented by every plugin instance, executable or matcher.
type Plugin interface {
	Tag() string
	Type() string
}

// ExecutablePlugin is a Plugin that can be placed in an executable_seq.
type ExecutablePlugin interface {
	Plugin
	Exec(ctx context.Context, qCtx *query_context.Context, next executable_seq.ExecutableChainNode) error
}

// MatcherPlugin is a Plugin that can be referenced as a matcher.
type MatcherPlugin interface {
	Plugin
	Match(ctx context.Context, qCtx *query_context.Context) (matched bool, err error)
}

type newPluginFunc func(bp *BP, args interface{}) (Plugin, error)
type newArgsFunc func() interface{}
type newPersetPluginFunc func(bp *BP) (Plugin, error)

type pluginTypeInfo struct {
	newPlugin newPluginFunc
	newArgs   newArgsFunc
}

var (
	pluginTypeRegister = make(map[string]pluginTypeInfo)
	persetPluginRegister = make(map[string]newPersetPluginFunc)
)

// RegNewPluginFunc registers a plugin type, called from each plugin
// package's init().
func RegNewPluginFunc(typ string, f newPluginFunc, newArgs newArgsFunc) {
	if _, dup := pluginTypeRegister[typ]; dup {
		panic(fmt.Sprintf("coremain: duplicated plugin type %s", typ))
	}
	pluginTypeRegister[typ] = pluginTypeInfo{newPlugin: f, newArgs: newArgs}
}

// RegNewPersetPluginFunc registers a preset plugin, identified directly by
// tag instead of going through config.
func RegNewPersetPluginFunc(tag string, f newPersetPluginFunc) {
	if _, dup := persetPluginRegister[tag]; dup {
		panic(fmt.Sprintf("coremain: duplicated preset plugin tag %s", tag))
	}
	persetPluginRegister[tag] = f
}

// LoadNewPersetPluginFuncs returns all registered preset plugin
// constructors, keyed by their preset tag.
func LoadNewPersetPluginFuncs() map[string]newPersetPluginFunc {
	return persetPluginRegister
}

// NewPlugin instantiates the plugin described by pc.
func NewPlugin(pc *PluginConfig, logger *zap.Logger, m M) (Plugin, error) {
	info, ok := pluginTypeRegister[pc.Type]
	if !ok {
		return nil, fmt.Errorf("unregistered plugin type %s", pc.Type)
	}

	args := info.newArgs()
	if pc.Args != nil {
		if err := decodeArgs(pc.Args, args); err != nil {
			return nil, fmt.Errorf("unable to decode args: %w", err)
		}
	}

	bp := NewBP(pc.Tag, pc.Type, logger, m)
	return info.newPlugin(bp, args)
}
