package coremain

import (
	"fmt"
	"net"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/pkg/server"
	"github.com/IrineSistiana/smartfwd/pkg/server/dns_handler"
	"github.com/IrineSistiana/smartfwd/pkg/server/http_handler"
)

func (m *Mosdns) startServers(sc *ServerConfig) error {
	if len(sc.Listen) == 0 {
		return fmt.Errorf("no listen address")
	}

	entry, ok := m.execs[sc.Entry]
	if !ok {
		return fmt.Errorf("entry %q not found", sc.Entry)
	}

	dnsHandler, err := dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger:             m.logger.Named("entry_handler"),
		Entry:              entry,
		RecursionAvailable: sc.RecursionAvailable,
	})
	if err != nil {
		return fmt.Errorf("failed to init entry handler: %w", err)
	}

	srv := server.NewServer(server.ServerOpts{
		Logger:      m.logger.Named("server"),
		DNSHandler:  dnsHandler,
		Cert:        sc.Cert,
		Key:         sc.Key,
		KernelRX:    sc.KernelRX,
		KernelTX:    sc.KernelTX,
		IdleTimeout: time.Duration(sc.IdleTimeout) * time.Second,
	})

	switch sc.Protocol {
	case "udp", "":
		pc, err := net.ListenPacket("udp", sc.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen udp: %w", err)
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() { errChan <- srv.ServeUDP(pc) }()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				srv.Close()
			}
		})

	case "tcp":
		l, err := net.Listen("tcp", sc.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen tcp: %w", err)
		}
		m.attachListener(srv.ServeTCP, wrapProxyProto(l, sc.ProxyProtocol))

	case "dot", "tls":
		l, err := net.Listen("tcp", sc.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen tcp: %w", err)
		}
		l = wrapProxyProto(l, sc.ProxyProtocol)
		tl, err := srv.CreateETLSListner(l, []string{"dot"}, sc.AllowedSNI)
		if err != nil {
			l.Close()
			return fmt.Errorf("failed to create tls listener: %w", err)
		}
		m.attachListener(srv.ServeTCP, tl)

	case "doh", "https":
		l, err := net.Listen("tcp", sc.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen tcp: %w", err)
		}
		l = wrapProxyProto(l, sc.ProxyProtocol)
		httpHandler, err := http_handler.NewHandler(http_handler.HandlerOpts{
			DNSHandler:  dnsHandler,
			Path:        sc.URLPath,
			HealthPath:  sc.HealthPath,
			SrcIPHeader: sc.SrcIPHeader,
			Logger:      m.logger.Named("http_handler"),
		})
		if err != nil {
			l.Close()
			return fmt.Errorf("failed to init http handler: %w", err)
		}
		srv2 := server.NewServer(server.ServerOpts{
			Logger:      m.logger.Named("server"),
			HttpHandler: httpHandler,
			Cert:        sc.Cert,
			Key:         sc.Key,
			IdleTimeout: time.Duration(sc.IdleTimeout) * time.Second,
		})
		var tl net.Listener = l
		if len(sc.Cert) > 0 {
			tl, err = srv2.CreateETLSListner(l, []string{"h2", "http/1.1"}, sc.AllowedSNI)
			if err != nil {
				l.Close()
				return fmt.Errorf("failed to create tls listener: %w", err)
			}
		}
		m.attachListener(srv2.ServeHTTP, tl)

	case "doh3", "h3":
		pc, err := net.ListenPacket("udp", sc.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen udp: %w", err)
		}
		ql, err := srv.CreateQUICListner(pc, []string{"h3"}, sc.AllowedSNI)
		if err != nil {
			pc.Close()
			return fmt.Errorf("failed to create quic listener: %w", err)
		}
		httpHandler, err := http_handler.NewHandler(http_handler.HandlerOpts{
			DNSHandler:  dnsHandler,
			Path:        sc.URLPath,
			HealthPath:  sc.HealthPath,
			SrcIPHeader: sc.SrcIPHeader,
			Logger:      m.logger.Named("http_handler"),
		})
		if err != nil {
			ql.Close()
			return fmt.Errorf("failed to init http handler: %w", err)
		}
		srv3 := server.NewServer(server.ServerOpts{
			Logger:      m.logger.Named("server"),
			HttpHandler: httpHandler,
			IdleTimeout: time.Duration(sc.IdleTimeout) * time.Second,
		})
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() { errChan <- srv3.ServeH3(ql) }()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				ql.Close()
			}
		})

	case "doq", "quic":
		pc, err := net.ListenPacket("udp", sc.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen udp: %w", err)
		}
		ql, err := srv.CreateQUICListner(pc, []string{"doq"}, sc.AllowedSNI)
		if err != nil {
			pc.Close()
			return fmt.Errorf("failed to create quic listener: %w", err)
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() { errChan <- srv.ServeQUIC(ql) }()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				ql.Close()
			}
		})

	default:
		return fmt.Errorf("unsupported protocol %q", sc.Protocol)
	}

	m.logger.Info("server started", zap.String("protocol", sc.Protocol), zap.String("listen", sc.Listen), zap.String("entry", sc.Entry))
	return nil
}

// wrapProxyProto wraps l so the PROXY protocol v1/v2 header, if present,
// is parsed off the front of each connection before the DNS/TLS/HTTP
// handler ever sees it.
func wrapProxyProto(l net.Listener, enabled bool) net.Listener {
	if !enabled {
		return l
	}
	return &proxyproto.Listener{Listener: l}
}

func (m *Mosdns) attachListener(serve func(net.Listener) error, l net.Listener) {
	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() { errChan <- serve(l) }()
		select {
		case err := <-errChan:
			m.sc.SendCloseSignal(err)
		case <-closeSignal:
			l.Close()
		}
	})
}
