// Command smartfwd is a forwarding DNS server with a configurable
// plugin pipeline: domain/IP matching, reachability probing, upstream
// selection and fan-out, response caching, and UDP/TCP/DoT/DoH/DoH3/DoQ
// listeners.
package main

import (
	"fmt"
	"os"

	"github.com/IrineSistiana/smartfwd/coremain"

	_ "github.com/IrineSistiana/smartfwd/plugin/executable/address"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/audit"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/blackhole"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/cache"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/dynamic_domain_collector"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/ecs"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/edns0_filter"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/fast_forward"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/ipset"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/limit_ip"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/misc_optm"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/no_cname"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/pre_reject"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/redirect"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/retry_servfail"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/reverse_lookup"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/sequence"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/speedtest"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/ttl"
	_ "github.com/IrineSistiana/smartfwd/plugin/executable/zone"
	_ "github.com/IrineSistiana/smartfwd/plugin/matcher/query_matcher"
	_ "github.com/IrineSistiana/smartfwd/plugin/matcher/response_matcher"
)

func main() {
	if err := coremain.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
