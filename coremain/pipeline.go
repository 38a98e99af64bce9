package coremain

import (
	"fmt"
	"runtime"

	"github.com/IrineSistiana/smartfwd/mlog"
)

// DirectiveConfig is the flat, smartdns-style configuration schema: one
// directive per concern instead of a list of tagged plugin instances.
// BuildConfig translates it into the Config the plugin engine actually
// runs, synthesizing a fixed handful of stage plugins and wiring them
// into one "main" sequence.
type DirectiveConfig struct {
	Bind          []string `yaml:"bind"`
	BindTCP       []string `yaml:"bind-tcp"`
	BindHTTPS     []string `yaml:"bind-https"`
	BindQUIC      []string `yaml:"bind-quic"`
	WorkerThreads int      `yaml:"worker-threads"`
	LogLevel      string   `yaml:"log-level"`

	Servers []DirectiveServer `yaml:"servers"`

	GroupPolicy map[string]string `yaml:"group-policy"`
	Nameserver  []string          `yaml:"nameserver"`
	Address     []string          `yaml:"address"`

	CacheSize       int  `yaml:"cache-size"`
	CachePersist    bool `yaml:"cache-persist"`
	PrefetchDomain  bool `yaml:"prefetch-domain"`
	// PrefetchThreshold is accepted by the schema but not read by
	// BuildConfig: the lazy-cache refresh it builds has no threshold
	// setting, and PrefetchDomain alone decides whether it is enabled.
	PrefetchThreshold float64 `yaml:"prefetch-threshold"`
	MinTTL            int     `yaml:"min-ttl"`
	MaxTTL            int     `yaml:"max-ttl"`
	NegativeTTL       int     `yaml:"negative-ttl"`

	SpeedCheckMode    []string `yaml:"speed-check-mode"`
	SpeedCheckExclude []string `yaml:"speed-check-exclude"`

	AuditEnable bool   `yaml:"audit-enable"`
	AuditFile   string `yaml:"audit-file"`
	AuditSize   int64  `yaml:"audit-size"`
	AuditNum    int    `yaml:"audit-num"`

	ProxyProtocol bool `yaml:"proxy-protocol"`

	IPSet []DirectiveIPSet `yaml:"ipset"`

	Include []string `yaml:"include"`
}

type DirectiveServer struct {
	Addr                string   `yaml:"addr"`
	Type                string   `yaml:"type"` // udp, tcp, tls, https, h3
	SNI                 string   `yaml:"sni"`
	Group               []string `yaml:"group"`
	ExcludeDefaultGroup bool     `yaml:"exclude-default-group"`
}

type DirectiveIPSet struct {
	Set   string `yaml:"set"`
	Rule  string `yaml:"rule"`
	Mask4 int    `yaml:"mask4"`
	Mask6 int    `yaml:"mask6"`
}

const (
	tagAudit      = "_audit"
	tagZone       = "_zone"
	tagAddress    = "_address"
	tagCache      = "_cache"
	tagSpeedtest  = "_speedtest"
	tagNameserver = "_nameserver"
	tagIPSet      = "_ipset"
	tagMain       = "main"
)

// BuildConfig translates a flat directive document into the engine's
// native Config: a handful of fixed-tag plugins wired into one sequence.
func BuildConfig(d *DirectiveConfig) (*Config, error) {
	if d.WorkerThreads > 0 {
		runtime.GOMAXPROCS(d.WorkerThreads)
	}

	cfg := &Config{
		Include: d.Include,
		Log:     mlog.Config{Level: d.LogLevel},
	}

	var mainChain []interface{}

	if d.AuditEnable {
		if len(d.AuditFile) == 0 {
			return nil, fmt.Errorf("audit-enable is set but audit-file is empty")
		}
		num := d.AuditNum
		if num <= 0 {
			num = 5
		}
		size := d.AuditSize
		if size <= 0 {
			size = 128 * 1024 * 1024
		}
		cfg.Plugins = append(cfg.Plugins, PluginConfig{
			Tag:  tagAudit,
			Type: "audit",
			Args: map[string]interface{}{
				"file": d.AuditFile,
				"size": size,
				"num":  num,
			},
		})
		mainChain = append(mainChain, tagAudit)
	}

	// zone answers localhost/loopback PTR unconditionally.
	cfg.Plugins = append(cfg.Plugins, PluginConfig{
		Tag:  tagZone,
		Type: "zone",
		Args: map[string]interface{}{},
	})
	mainChain = append(mainChain, tagZone)

	if len(d.Address) > 0 {
		cfg.Plugins = append(cfg.Plugins, PluginConfig{
			Tag:  tagAddress,
			Type: "address",
			Args: map[string]interface{}{"rules": d.Address},
		})
		mainChain = append(mainChain, tagAddress)
	}

	if d.CacheSize > 0 {
		args := map[string]interface{}{
			"size":         d.CacheSize,
			"min_ttl":      d.MinTTL,
			"max_ttl":      d.MaxTTL,
			"negative_ttl": d.NegativeTTL,
		}
		if d.PrefetchDomain {
			args["lazy_cache_ttl"] = 60
		}
		if d.CachePersist {
			args["persist"] = "cache.snapshot"
		}
		cfg.Plugins = append(cfg.Plugins, PluginConfig{Tag: tagCache, Type: "cache", Args: args})
		mainChain = append(mainChain, tagCache)
	}

	if len(d.SpeedCheckMode) > 0 {
		cfg.Plugins = append(cfg.Plugins, PluginConfig{
			Tag:  tagSpeedtest,
			Type: "speedtest",
			Args: map[string]interface{}{
				"mode":    d.SpeedCheckMode,
				"exclude": d.SpeedCheckExclude,
			},
		})
		mainChain = append(mainChain, tagSpeedtest)
	}

	upstreams, defaultGroup, err := buildUpstreamArgs(d)
	if err != nil {
		return nil, err
	}
	cfg.Plugins = append(cfg.Plugins, PluginConfig{
		Tag:  tagNameserver,
		Type: "fast_forward",
		Args: map[string]interface{}{
			"upstream":      upstreams,
			"group_policy":  d.GroupPolicy,
			"rules":         d.Nameserver,
			"default_group": defaultGroup,
		},
	})
	mainChain = append(mainChain, tagNameserver)

	if len(d.IPSet) > 0 {
		var sets []map[string]interface{}
		for _, r := range d.IPSet {
			sets = append(sets, map[string]interface{}{
				"set": r.Set, "rule": r.Rule, "mask4": r.Mask4, "mask6": r.Mask6,
			})
		}
		cfg.Plugins = append(cfg.Plugins, PluginConfig{
			Tag:  tagIPSet,
			Type: "ipset",
			Args: map[string]interface{}{"ipset": sets},
		})
		mainChain = append(mainChain, tagIPSet)
	}

	cfg.Plugins = append(cfg.Plugins, PluginConfig{
		Tag:  tagMain,
		Type: "sequence",
		Args: map[string]interface{}{"exec": mainChain},
	})

	for _, addr := range d.Bind {
		cfg.Servers = append(cfg.Servers, ServerConfig{Protocol: "udp", Listen: addr, Entry: tagMain})
	}
	for _, addr := range d.BindTCP {
		cfg.Servers = append(cfg.Servers, ServerConfig{Protocol: "tcp", Listen: addr, Entry: tagMain, ProxyProtocol: d.ProxyProtocol})
	}
	for _, addr := range d.BindHTTPS {
		cfg.Servers = append(cfg.Servers, ServerConfig{Protocol: "doh", Listen: addr, Entry: tagMain, ProxyProtocol: d.ProxyProtocol})
	}
	for _, addr := range d.BindQUIC {
		cfg.Servers = append(cfg.Servers, ServerConfig{Protocol: "doq", Listen: addr, Entry: tagMain})
	}

	return cfg, nil
}

func buildUpstreamArgs(d *DirectiveConfig) (upstreams []map[string]interface{}, defaultGroup string, err error) {
	defaultGroup = "default"
	for i, s := range d.Servers {
		if len(s.Addr) == 0 {
			return nil, "", fmt.Errorf("server #%d has no addr", i)
		}
		addr, err := upstreamAddr(s)
		if err != nil {
			return nil, "", fmt.Errorf("server #%d: %w", i, err)
		}
		upstreams = append(upstreams, map[string]interface{}{
			"addr":                addr,
			"group":               s.Group,
			"exclude_default_group": s.ExcludeDefaultGroup,
		})
	}
	return upstreams, defaultGroup, nil
}

// upstreamAddr turns a directive server entry into the scheme-prefixed
// address string pkg/upstream.NewUpstream expects.
func upstreamAddr(s DirectiveServer) (string, error) {
	switch s.Type {
	case "", "udp":
		return "udp://" + s.Addr, nil
	case "tcp":
		return "tcp://" + s.Addr, nil
	case "tls", "dot":
		addr := "tls://" + s.Addr
		if len(s.SNI) > 0 {
			addr += "?sni=" + s.SNI
		}
		return addr, nil
	case "https", "doh":
		return "https://" + s.Addr, nil
	case "h3", "doh3", "quic":
		return "h3://" + s.Addr, nil
	default:
		return "", fmt.Errorf("unknown server type %q", s.Type)
	}
}

