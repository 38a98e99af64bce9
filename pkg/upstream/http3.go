package upstream

import (
	"crypto/tls"

	"github.com/quic-go/quic-go/http3"
)

func newHTTP3Transport(tlsCfg *tls.Config, _ *Opt) *http3.Transport {
	return &http3.Transport{
		TLSClientConfig: tlsCfg,
	}
}
