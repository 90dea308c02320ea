package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/meshd-io/meshd/pkg/cache"
	"github.com/meshd-io/meshd/pkg/codec"
	"github.com/meshd-io/meshd/pkg/config"
	"github.com/meshd-io/meshd/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	frameReadTimeout  = 15 * time.Second
	streamReadTimeout = 30 * time.Second

	// Legacy-peer heuristics: unframed input is reclassified as a raw
	// file stream past these thresholds.
	legacyRawSize    = 10 * 1024
	legacyRawElapsed = 5 * time.Second
	legacyRawMinimum = 1024
)

// Listener accepts mesh connections and demultiplexes framed packets from
// raw file streams.
type Listener struct {
	handler *Handler
	ln      net.Listener
}

// NewListener builds a Listener feeding the given handler.
func NewListener(handler *Handler) *Listener {
	return &Listener{handler: handler}
}

// Listen binds the mesh port. Binding and serving are split so callers can
// learn the bound address (tests listen on an ephemeral port).
func (l *Listener) Listen(ctx context.Context, port int) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	l.ln = ln
	logrus.Infof("Listening for mesh traffic on %s", ln.Addr())
	return nil
}

// Addr returns the bound address after Listen.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until the context is done, handling each one
// on its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logrus.Errorf("Accept error: %v", err)
			continue
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	src := remoteIP(conn.RemoteAddr())
	logrus.Debugf("Connection from %s", src)

	conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
	br := bufio.NewReaderSize(conn, config.BufferSize)

	first, err := br.Peek(1)
	if err != nil {
		logrus.Debugf("Connection from %s closed without data", src)
		return
	}
	switch first[0] {
	case codec.KindFrame, codec.KindStream:
		l.serveFramed(br, conn, src)
	default:
		l.serveLegacy(br, conn, src)
	}
}

// serveFramed reads header-delimited frames until EOF. A stream header
// hands the remainder of the connection to the raw-stream path.
func (l *Listener) serveFramed(br *bufio.Reader, conn net.Conn, src string) {
	header := make([]byte, codec.HeaderLen)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			return
		}
		kind, length, err := codec.ParseHeader(header)
		if err != nil {
			metrics.FramesDecoded.WithLabelValues("bad_header").Inc()
			logrus.Warnf("Bad frame header from %s: %v", src, err)
			return
		}
		if kind == codec.KindStream {
			l.serveStream(br, conn, src, nil)
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			logrus.Warnf("Short frame from %s: %v", src, err)
			return
		}
		p, err := l.handler.codec.Decode(payload)
		if err != nil {
			// Undecodable body behind a well-formed header: the peer has
			// a different key. Nothing useful can follow.
			metrics.FramesDecoded.WithLabelValues("not_a_frame").Inc()
			logrus.Warnf("Undecodable frame from %s: %v", src, err)
			return
		}
		metrics.FramesDecoded.WithLabelValues("frame").Inc()
		l.handler.HandlePacket(p, src)

		conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
		if _, err := br.Peek(1); err != nil {
			return
		}
	}
}

// serveLegacy accumulates unframed input from pre-header peers, attempting
// a decode after every read and falling back to the raw-stream path on the
// size and time heuristics.
func (l *Listener) serveLegacy(br *bufio.Reader, conn net.Conn, src string) {
	var buf bytes.Buffer
	tmp := make([]byte, config.BufferSize)
	start := time.Now()

	for {
		n, err := br.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
			if p, derr := l.handler.codec.Decode(bytes.TrimRight(buf.Bytes(), "\r\n")); derr == nil {
				metrics.FramesDecoded.WithLabelValues("legacy_frame").Inc()
				l.handler.HandlePacket(p, src)
				buf.Reset()
				conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
				continue
			}
			if buf.Len() > legacyRawSize ||
				(time.Since(start) > legacyRawElapsed && buf.Len() > legacyRawMinimum) {
				logrus.Infof("Unframed binary data from %s (%d bytes), treating as file stream", src, buf.Len())
				l.serveStream(br, conn, src, buf.Bytes())
				return
			}
		}
		if err != nil {
			if isTimeout(err) && buf.Len() > 0 {
				l.serveStream(br, conn, src, buf.Bytes())
				return
			}
			if buf.Len() > 0 {
				metrics.FramesDecoded.WithLabelValues("raw").Inc()
				l.serveStream(br, conn, src, buf.Bytes())
				return
			}
			return
		}
	}
}

// serveStream drains the connection into a temp file and either attaches
// it to the pending announcement from the same IP or saves it under a
// timestamped default name.
func (l *Listener) serveStream(br *bufio.Reader, conn net.Conn, src string, prefix []byte) {
	files := l.handler.files
	if err := os.MkdirAll(files.TempDir(), 0755); err != nil {
		logrus.Errorf("Cannot create temp dir: %v", err)
		return
	}
	tmp, err := os.CreateTemp(files.TempDir(), fmt.Sprintf("incoming_%s_*", src))
	if err != nil {
		logrus.Errorf("Cannot create stream temp file: %v", err)
		return
	}
	tmpPath := tmp.Name()

	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	total := int64(len(prefix))
	if _, err := tmp.Write(prefix); err == nil {
		n, cerr := io.Copy(tmp, br)
		total += n
		if cerr != nil && !isTimeout(cerr) {
			logrus.Debugf("Stream from %s ended: %v", src, cerr)
		}
	}
	if err := tmp.Close(); err != nil {
		logrus.Errorf("Cannot finish stream temp file: %v", err)
		os.Remove(tmpPath)
		return
	}
	logrus.Infof("Received %d raw bytes from %s", total, src)

	if fileID, ok := files.PendingFromIP(src); ok {
		path, err := files.FinalizeStream(fileID, tmpPath)
		if err != nil {
			logrus.Errorf("Cannot finalize stream for file %s: %v", fileID, err)
			os.Remove(tmpPath)
			return
		}
		logrus.Infof("Raw stream attached to file %s, saved to %s", fileID, path)
		l.handler.dispatcher.FileCompleted(fileID, path)
		return
	}
	path, err := cache.SaveRawStream(files.DownloadDir(), tmpPath, time.Now())
	if err != nil {
		logrus.Errorf("Cannot save raw stream: %v", err)
		os.Remove(tmpPath)
		return
	}
	logrus.Infof("Raw stream from %s saved to %s", src, path)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
