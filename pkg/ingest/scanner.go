package ingest

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type ScanResult struct {
	Infected  bool
	Signature string
}

// Scanner checks content for malware before it enters the pipeline.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (*ScanResult, error)
}

// clamChunkSize is the INSTREAM chunk size sent to clamd.
const clamChunkSize = 32 * 1024

// ClamScanner streams content to a clamd daemon over its INSTREAM
// protocol: a zINSTREAM command followed by length-prefixed chunks and a
// zero-length terminator.
type ClamScanner struct {
	network string
	addr    string
	timeout time.Duration
}

func NewClamScanner(network, addr string, timeout time.Duration) *ClamScanner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ClamScanner{network: network, addr: addr, timeout: timeout}
}

func (s *ClamScanner) Scan(ctx context.Context, data []byte) (*ScanResult, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, s.network, s.addr)
	if err != nil {
		return nil, errors.WithMessage(err, "failed connecting to clamd")
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.WithMessage(err, "failed setting clamd deadline")
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return nil, errors.WithMessage(err, "failed sending INSTREAM command")
	}

	var sizeBuf [4]byte
	for offset := 0; offset < len(data); offset += clamChunkSize {
		end := offset + clamChunkSize
		if end > len(data) {
			end = len(data)
		}

		chunk := data[offset:end]
		binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(chunk)))

		if _, err := conn.Write(sizeBuf[:]); err != nil {
			return nil, errors.WithMessage(err, "failed sending chunk size")
		}
		if _, err := conn.Write(chunk); err != nil {
			return nil, errors.WithMessage(err, "failed sending chunk")
		}
	}

	binary.BigEndian.PutUint32(sizeBuf[:], 0)
	if _, err := conn.Write(sizeBuf[:]); err != nil {
		return nil, errors.WithMessage(err, "failed terminating stream")
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && reply == "" {
		return nil, errors.WithMessage(err, "failed reading clamd reply")
	}

	return parseClamReply(reply)
}

// parseClamReply understands the two reply shapes clamd produces:
// "stream: OK" and "stream: <signature> FOUND".
func parseClamReply(reply string) (*ScanResult, error) {
	reply = strings.TrimSuffix(strings.TrimSpace(reply), "\x00")
	reply = strings.TrimSpace(strings.TrimPrefix(reply, "stream:"))

	switch {
	case reply == "OK":
		return &ScanResult{}, nil
	case strings.HasSuffix(reply, "FOUND"):
		return &ScanResult{
			Infected:  true,
			Signature: strings.TrimSpace(strings.TrimSuffix(reply, "FOUND")),
		}, nil
	default:
		return nil, errors.Errorf("unexpected clamd reply %q", reply)
	}
}
