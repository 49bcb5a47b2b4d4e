// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy implements the ingestion side of the pipeline described in
// SPEC_FULL.md §4.1: connect to the upstream FFT publisher, stream bytes into
// a compressed spool file, and hand off complete buffers to the Processor by
// atomic rename. Grounded on sigfinder.py's fft_proxy, with the ZeroMQ
// SUB socket (no ZMQ binding in the retrieval pack) replaced by a
// line-oriented TCP Subscriber, matching the pack's preference for
// net.Conn-based transports over a fabricated dependency.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"sigfinder/internal/sflog"
	"sigfinder/internal/spool"
)

// FFTBufferTime is the rename cadence: a spool file is handed off once this
// much time has elapsed since the last rename and no prior visible file is
// still waiting to be drained.
const FFTBufferTime = time.Second

// PollTimeout bounds how long one Recv call blocks before the poll loop
// re-checks the liveness sentinel, matching the original's poll_timeout.
const PollTimeout = time.Second

// Subscriber receives newline-terminated JSON payloads from the upstream FFT
// publisher. A TCPSubscriber is the production implementation; tests supply
// a channel-backed stub.
type Subscriber interface {
	// Recv returns the next available payload, or ok=false if none arrived
	// within the implementation's own poll interval.
	Recv(ctx context.Context) (payload []byte, ok bool, err error)
	Close() error
}

// AliveChecker reports whether the liveness sentinel is still present.
type AliveChecker interface {
	Alive(ctx context.Context) bool
}

// TCPSubscriber connects to a line-oriented TCP publisher and subscribes to
// all messages (there is no topic filtering concept over this transport,
// matching the original's zmq.SUBSCRIBE "" all-topics subscription).
type TCPSubscriber struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// DialTCPSubscriber connects to addr ("host:port").
func DialTCPSubscriber(addr string, timeout time.Duration) (*TCPSubscriber, error) {
	sflog.Infof("connecting to tcp://%s", addr)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = PollTimeout
	}
	return &TCPSubscriber{conn: conn, reader: bufio.NewReader(conn), timeout: timeout}, nil
}

// Recv reads one newline-terminated line, blocking up to its configured
// timeout. ok is false (with a nil error) on a read timeout, matching the
// original's zmq.NOBLOCK + sleep(poll_timeout) retry loop.
func (s *TCPSubscriber) Recv(ctx context.Context) ([]byte, bool, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, false, nil
		}
		if len(line) > 0 {
			return line, true, nil
		}
		return nil, false, err
	}
	return line, true, nil
}

// Close closes the underlying connection.
func (s *TCPSubscriber) Close() error {
	return s.conn.Close()
}

// Proxy drains a Subscriber into a rotating compressed spool file.
type Proxy struct {
	sub      Subscriber
	sentinel AliveChecker
	buffPath string

	mu      sync.Mutex
	running bool
	err     error
}

// New returns a Proxy writing spool files under buffPath.
func New(sub Subscriber, sentinel AliveChecker, buffPath string) *Proxy {
	return &Proxy{sub: sub, sentinel: sentinel, buffPath: buffPath, running: true}
}

// Running reports whether Run's loop is still active. Implements
// internal/processor.ProxyStatus.
func (p *Proxy) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Err returns the error that stopped Run, if any. Implements
// internal/processor.ProxyStatus.
func (p *Proxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Proxy) setStopped(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.err = err
}

// Run streams Subscriber payloads into successive compressed spool files
// until ctx is cancelled, the liveness sentinel disappears, or a fatal I/O
// error occurs. A Recv that returns no payload (ok=false, nil error, e.g. a
// read timeout) is retried indefinitely; any error returned by Recv, and any
// spool-file I/O failure, stops Run and is returned.
func (p *Proxy) Run(ctx context.Context) (err error) {
	defer func() { p.setStopped(err) }()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if !p.sentinel.Alive(ctx) {
			return nil
		}
		if err := p.fillOneBuffer(ctx); err != nil {
			return err
		}
	}
}

// fillOneBuffer writes to a hidden spool file until the buffer period
// elapses and no previous visible file is still waiting to be drained, then
// renames it into place.
func (p *Proxy) fillOneBuffer(ctx context.Context) error {
	w, err := spool.NewWriter(p.buffPath)
	if err != nil {
		return fmt.Errorf("open spool writer: %w", err)
	}

	packetsSent := 0
	lastSent := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			_ = w.Close()
			return nil
		}
		shutdown := !p.sentinel.Alive(ctx)

		payload, ok, err := p.sub.Recv(ctx)
		if err != nil {
			_ = w.Close()
			return fmt.Errorf("recv from subscriber: %w", err)
		}
		if !ok {
			if shutdown {
				_ = w.Close()
				return nil
			}
			continue
		}

		if err := w.Write(payload); err != nil {
			_ = w.Close()
			return fmt.Errorf("write spool buffer: %w", err)
		}

		now := time.Now()
		if (shutdown || now.Sub(lastSent) > FFTBufferTime) && !w.VisibleExists() {
			if packetsSent == 0 {
				sflog.Infof("recording first FFT packet")
			}
			packetsSent++
			lastSent = now
			if err := w.Rotate(); err != nil {
				return fmt.Errorf("rotate spool buffer: %w", err)
			}
			return nil
		}
	}
}
