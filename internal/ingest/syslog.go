package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"corrwatch/internal/config"
	"corrwatch/internal/logging"
)

func StartSyslog(ctx context.Context, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().Ingest.Syslog
	if !current.Enabled {
		logger.Info("syslog ingest disabled")
		return
	}
	logger.Info("syslog ingest enabled", "udp_addr", current.UDPAddr, "tcp_addr", current.TCPAddr, "default_kind", current.DefaultKind)
	if current.UDPAddr != "" {
		go listenUDP(ctx, current.UDPAddr, cfg, pipeline, logger)
	}
	if current.TCPAddr != "" {
		go listenTCP(ctx, current.TCPAddr, cfg, pipeline, logger)
	}
}

func listenUDP(ctx context.Context, addr string, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		logger.Error("syslog udp resolve error", "err", err)
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("syslog udp listen error", "err", err)
		return
	}
	defer conn.Close()
	parser := NewParser()
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				logger.Warn("syslog udp read error", "err", err)
				continue
			}
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				processLine(cfg, parser, pipeline, logger, line, "syslog")
			}
		}
	}
}

func listenTCP(ctx context.Context, addr string, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("syslog tcp listen error", "err", err)
		return
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("syslog tcp accept error", "err", err)
			continue
		}
		go handleTCPConn(ctx, conn, cfg, pipeline, logger)
	}
}

func handleTCPConn(ctx context.Context, conn net.Conn, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		processLine(cfg, parser, pipeline, logger, scanner.Text(), "syslog")
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("syslog tcp scanner error", "err", err)
	}
}

func processLine(cfg *config.Manager, parser *Parser, pipeline *Pipeline, logger *slog.Logger, line, source string) {
	processLineAs(cfg.Get().Ingest.Syslog.DefaultKind, parser, pipeline, logger, line, source)
}

func processLineAs(kind string, parser *Parser, pipeline *Pipeline, logger *slog.Logger, line, source string) {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return
	}
	rec, err := RecordFromMap(fields, kind, source)
	if err != nil {
		logger.Warn("line rejected", "source", source, "err", err)
		return
	}
	pipeline.Submit(rec)
}
