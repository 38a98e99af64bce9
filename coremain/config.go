package coremain

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/IrineSistiana/smartfwd/mlog"
	"github.com/IrineSistiana/smartfwd/pkg/data_provider"
)

// Config is the root of the yaml config file.
type Config struct {
	Log           mlog.Config            `yaml:"log"`
	Include       []string               `yaml:"include"`
	DataProviders []data_provider.Config `yaml:"data_providers"`
	Plugins       []PluginConfig         `yaml:"plugins"`
	Servers       []ServerConfig         `yaml:"servers"`
	API           APIConfig              `yaml:"api"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// PluginConfig describes one configured plugin instance. Args is the raw
// yaml-decoded value (map[string]interface{}), re-decoded into the
// plugin type's own Args struct by NewPlugin.
type PluginConfig struct {
	Tag  string      `yaml:"tag"`
	Type string      `yaml:"type"`
	Args interface{} `yaml:"args"`
}

// ServerConfig describes one listener. Protocol selects which of
// udp/tcp/dot/doh/doh3/doq is started; Cert/Key/URLPath only apply to
// protocols that need them.
type ServerConfig struct {
	Protocol           string `yaml:"protocol"`
	Listen             string `yaml:"listen"`
	Entry              string `yaml:"entry"`
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	URLPath            string `yaml:"url_path"`
	HealthPath         string `yaml:"health_path"`
	SrcIPHeader        string `yaml:"src_ip_header"`
	AllowedSNI         string `yaml:"allowed_sni"`
	IdleTimeout        int    `yaml:"idle_timeout"` // seconds
	KernelTX           bool   `yaml:"kernel_tx"`
	KernelRX           bool   `yaml:"kernel_rx"`
	RecursionAvailable bool   `yaml:"recursion_available"`
	ProxyProtocol      bool   `yaml:"proxy_protocol"`
}

func decodeArgs(in interface{}, out interface{}) error {
	dc := &mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		Result:           out,
	}
	d, err := mapstructure.NewDecoder(dc)
	if err != nil {
		return fmt.Errorf("failed to init decoder: %w", err)
	}
	return d.Decode(in)
}
