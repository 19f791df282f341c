// Package listener hosts one network endpoint per (protocol, transport)
// pair, frames the incoming byte stream per protocol, and routes
// decoded records to the registry, position updater, and event engine.
// Structurally this generalizes the teacher's single-port accept loop
// (internal/server.Server.Run's http.Server) to N independent
// protocol-specific TCP/UDP endpoints running concurrently.
package listener

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nwperu/trackgw/internal/decoder"
	"github.com/nwperu/trackgw/internal/metrics"
	"github.com/nwperu/trackgw/internal/model"
)

// Router receives normalized records dispatched by the listener pool.
type Router interface {
	RouteConnection(rec model.NormalizedRecord)
	RoutePosition(rec model.NormalizedRecord)
	RouteEvent(rec model.NormalizedRecord)
}

// Endpoint is one configured (protocol, transport, port) listener.
type Endpoint struct {
	Protocol  string
	Port      int
	TCP       bool
	UDP       bool
	NewDecoder func() decoder.Decoder
}

const (
	maxTextBuffer   = 2 * 1024
	maxBinaryBuffer = 4 * 1024
	maxOverallCap   = 10 * 1024 * 1024
)

// Pool owns all configured endpoints.
type Pool struct {
	log *logrus.Logger
	rtr Router

	mu        sync.Mutex
	listeners []net.Listener
	conns     []net.PacketConn
}

func NewPool(log *logrus.Logger, rtr Router) *Pool {
	return &Pool{log: log, rtr: rtr}
}

// Run starts every endpoint and blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context, endpoints []Endpoint) error {
	var wg sync.WaitGroup

	for _, ep := range endpoints {
		ep := ep
		if ep.TCP {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.runTCP(ctx, ep)
			}()
		}
		if ep.UDP {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.runUDP(ctx, ep)
			}()
		}
	}

	<-ctx.Done()
	p.closeAll()
	wg.Wait()
	return nil
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.listeners {
		_ = l.Close()
	}
	for _, c := range p.conns {
		_ = c.Close()
	}
}

func (p *Pool) runTCP(ctx context.Context, ep Endpoint) {
	addr := portAddr(ep.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		p.log.WithError(err).WithField("protocol", ep.Protocol).Error("listener: tcp listen failed")
		return
	}
	p.mu.Lock()
	p.listeners = append(p.listeners, ln)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.log.WithError(err).WithField("protocol", ep.Protocol).Warn("listener: accept failed")
				continue
			}
		}
		go p.handleTCPConn(ctx, ep, conn)
	}
}

func (p *Pool) handleTCPConn(ctx context.Context, ep Endpoint, conn net.Conn) {
	defer conn.Close()
	dec := ep.NewDecoder()
	reader := bufio.NewReaderSize(conn, maxTextBuffer)

	var carry []byte
	total := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf := make([]byte, 4096)
		n, err := reader.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			total += n
			if total > maxOverallCap {
				p.log.WithField("protocol", ep.Protocol).Warn("listener: connection exceeded overall cap, closing")
				return
			}
			carry = p.frameAndDispatch(ep.Protocol, dec, carry, conn)
		}
		if err != nil {
			if err != io.EOF {
				p.log.WithError(err).WithField("protocol", ep.Protocol).Debug("listener: tcp read ended")
			}
			return
		}
	}
}

// frameAndDispatch splits buf into complete frames per protocol
// framing policy (spec §4.2) and dispatches each; it returns the
// unterminated remainder to carry over to the next read.
func (p *Pool) frameAndDispatch(protocol string, dec decoder.Decoder, buf []byte, conn net.Conn) []byte {
	switch protocol {
	case "gps103":
		return p.splitAndDispatch(protocol, dec, buf, ';')
	case "h02":
		return p.splitAndDispatch(protocol, dec, buf, '#')
	case "osmand":
		return p.splitOnBoundaryAndDispatch(protocol, dec, buf, "\r\n\r\n", conn)
	case "teltonika":
		return p.dispatchTeltonikaTCP(dec, buf)
	default:
		p.dispatchFrame(protocol, dec, buf)
		return nil
	}
}

func (p *Pool) splitAndDispatch(protocol string, dec decoder.Decoder, buf []byte, term byte) []byte {
	for {
		idx := indexByte(buf, term)
		if idx < 0 {
			return buf
		}
		frame := buf[:idx]
		if len(frame) > 0 {
			p.dispatchFrame(protocol, dec, frame)
		}
		buf = buf[idx+1:]
	}
}

// osmandHTTPOK is the minimal response OsmAnd's client expects after
// each HTTP-framed position report; the client does not parse the
// body, only the status line (spec §9 open question: "always reply
// 200 regardless of decode outcome, the protocol has no error path").
const osmandHTTPOK = "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n"

func (p *Pool) splitOnBoundaryAndDispatch(protocol string, dec decoder.Decoder, buf []byte, boundary string, conn net.Conn) []byte {
	s := string(buf)
	lastIdx := strings.LastIndex(s, boundary)
	if lastIdx < 0 {
		return buf
	}
	complete := s[:lastIdx+len(boundary)]
	remainder := s[lastIdx+len(boundary):]
	if complete != "" {
		p.dispatchFrame(protocol, dec, []byte(complete))
		if conn != nil {
			for i := strings.Count(complete, boundary); i > 0; i-- {
				_, _ = conn.Write([]byte(osmandHTTPOK))
			}
		}
	}
	return []byte(remainder)
}

// dispatchTeltonikaTCP extracts exactly data_length+12 bytes per frame
// when enough bytes are buffered; the identification frame (2B length
// + ascii imei) is shorter and framed length-prefixed too.
func (p *Pool) dispatchTeltonikaTCP(dec decoder.Decoder, buf []byte) []byte {
	for {
		if len(buf) < 2 {
			return buf
		}
		// Identification frame: 2B length + that many IMEI digits.
		idLen := int(buf[0])<<8 | int(buf[1])
		if len(buf) >= 2+idLen && idLen > 0 && idLen < 32 && isLikelyIMEI(buf[2:2+idLen]) {
			p.dispatchFrame("teltonika", dec, buf[:2+idLen])
			buf = buf[2+idLen:]
			continue
		}
		if len(buf) < 8 {
			return buf
		}
		dataLength := int(buf[4])<<24 | int(buf[5])<<16 | int(buf[6])<<8 | int(buf[7])
		total := 8 + dataLength + 4
		if len(buf) < total {
			return buf
		}
		p.dispatchFrame("teltonika", dec, buf[:total])
		buf = buf[total:]
	}
}

func isLikelyIMEI(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(b) > 0
}

func (p *Pool) dispatchFrame(protocol string, dec decoder.Decoder, frame []byte) {
	recs, err := dec.Decode(append([]byte(nil), frame...), decoder.TCP)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(protocol).Inc()
		p.log.WithError(err).WithField("protocol", protocol).Debug("listener: decode error")
	}
	metrics.FramesDecoded.WithLabelValues(protocol).Inc()
	p.route(recs)
}

func (p *Pool) route(recs []model.NormalizedRecord) {
	for _, rec := range recs {
		switch rec.Kind {
		case model.KindConnection:
			p.rtr.RouteConnection(rec)
		case model.KindPosition:
			p.rtr.RoutePosition(rec)
		case model.KindEvent:
			if rec.EventType != "" && rec.EventType != model.EventUnknown {
				p.rtr.RouteEvent(rec)
			}
		}
	}
}

func (p *Pool) runUDP(ctx context.Context, ep Endpoint) {
	addr := portAddr(ep.Port)
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		p.log.WithError(err).WithField("protocol", ep.Protocol).Error("listener: udp listen failed")
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, pc)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	dec := ep.NewDecoder()
	buf := make([]byte, maxBinaryBuffer)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.log.WithError(err).WithField("protocol", ep.Protocol).Debug("listener: udp read ended")
				return
			}
		}
		if n == 0 {
			continue
		}
		recs, err := dec.Decode(append([]byte(nil), buf[:n]...), decoder.UDP)
		if err != nil {
			metrics.DecodeErrors.WithLabelValues(ep.Protocol).Inc()
			p.log.WithError(err).WithField("protocol", ep.Protocol).Debug("listener: udp decode error")
		}
		metrics.FramesDecoded.WithLabelValues(ep.Protocol).Inc()
		p.route(recs)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
