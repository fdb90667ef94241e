// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command coldmountd is a long-running embedder demo/server around
// package mount; it exists to give the query-packet wire format
// somewhere to land for manual testing and is not part of the
// engine itself.
//
// It opens a Mount over the configured root, registers a small
// built-in set of demo schemas (a real embedder would register its
// own), and serves the query-packet wire format over a
// Unix domain socket: each connection sends one length-prefixed
// packet (u32 little-endian length, then the packet bytes) and
// receives one response: a status byte, then either a u32-length
// error message or a u32 result count and the encoded Read results
// (see writeResponse).
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/coldmount/store/cache"
	"github.com/coldmount/store/config"
	"github.com/coldmount/store/mount"
	"github.com/coldmount/store/schema"
	"github.com/coldmount/store/schema/fixedschema"
)

var (
	configPath string
	sockPath   string
)

func init() {
	pflag.StringVar(&configPath, "config", "", "path to a coldmount YAML config file (required)")
	pflag.StringVar(&sockPath, "sock", "", "path to the control Unix socket (default: <root>/coldmountd.sock)")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

// demoRegistry builds the handful of fixedschema.Schema instances
// this daemon exercises out of the box. A real embedder links its
// own schema.VTable implementations in and registers those
// instead; the registry is process-wide and read-mostly after
// startup.
func demoRegistry() *schema.Registry {
	reg := schema.NewRegistry()
	// code 1: no sort keys, two fields (int64 counter, string blob).
	unary := fixedschema.New(1, []fixedschema.FieldDecl{
		{Kind: fixedschema.Int64Field},
		{Kind: fixedschema.StringField},
	}, fixedschema.NoSort, false, 8)
	// code 2: one static uint32 sort key, one int64 field.
	wideStatic := fixedschema.New(2, []fixedschema.FieldDecl{
		{Kind: fixedschema.Int64Field},
	}, fixedschema.Uint32Sort, false, 8)
	// code 3: one dynamic string sort key, one string field.
	wideDynamic := fixedschema.New(3, []fixedschema.FieldDecl{
		{Kind: fixedschema.StringField},
	}, fixedschema.StringSort, false, 8)
	for _, v := range []schema.VTable{unary, wideStatic, wideDynamic} {
		if err := reg.Register(v); err != nil {
			panic(err)
		}
	}
	return reg
}

func main() {
	pflag.Parse()
	if configPath == "" {
		exitf("coldmountd: -config is required\n")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		exitf("coldmountd: %s\n", err)
	}
	if sockPath == "" {
		sockPath = cfg.Root + "/coldmountd.sock"
	}

	logger := log.New(os.Stderr, "coldmountd: ", log.LstdFlags)
	reg := demoRegistry()
	m, err := mount.Open(mount.Options{
		Root:        cfg.Root,
		Cores:       cfg.Mount.Cores,
		NUMA:        cfg.Mount.NUMA,
		CacheConfig: cfg.CacheConfig(),
		Registry:    reg,
		Logger:      logger,
	})
	if err != nil {
		exitf("coldmountd: opening mount: %s\n", err)
	}
	logger.Printf("opened %d cores under %s", m.Cores(), cfg.Root)

	os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		exitf("coldmountd: listening on %s: %s\n", sockPath, err)
	}
	logger.Printf("listening on %s", sockPath)

	done := make(chan struct{})
	go serve(ln, m, reg, logger, done)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Printf("shutting down")
	ln.Close()
	<-done
	if err := m.Close(); err != nil {
		logger.Printf("closing mount: %s", err)
	}
}

func serve(ln net.Listener, m *mount.Mount, reg *schema.Registry, logger *log.Logger, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handleConn(conn, m, reg, logger)
	}
}

func handleConn(conn net.Conn, m *mount.Mount, reg *schema.Registry, logger *log.Logger) {
	defer conn.Close()
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		logger.Printf("reading packet body: %s", err)
		return
	}
	pkt, err := mount.ParsePacket(body, reg)
	if err != nil {
		logger.Printf("parsing packet: %s", err)
		writeResponse(conn, nil, err)
		return
	}
	results, err := m.Dispatch(pkt, cache.NewOriginToken())
	if err != nil {
		logger.Printf("dispatch: %s", err)
		if len(results) == 0 {
			writeResponse(conn, nil, err)
			return
		}
		// partial success: the operands that ran still answer
	}
	writeResponse(conn, results, nil)
}

// writeResponse encodes results as: u8 ok, then if ok, u32 count
// followed by count records of
// {u32 operandIdx}{u32 operatorIdx}{u8 fieldID}{u8 found}{u32 len}{bytes}.
// If !ok, the response carries the error string instead. This
// response shape is coldmountd's own, modeled on the request
// format's length-prefixed conventions.
func writeResponse(conn net.Conn, results []mount.ReadResult, err error) {
	if err != nil {
		msg := []byte(err.Error())
		buf := make([]byte, 1+4+len(msg))
		buf[0] = 0
		binary.LittleEndian.PutUint32(buf[1:], uint32(len(msg)))
		copy(buf[5:], msg)
		conn.Write(buf)
		return
	}
	buf := []byte{1}
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(results)))
	buf = append(buf, countBuf[:]...)
	for _, r := range results {
		var rec [4 + 4 + 1 + 1 + 4]byte
		binary.LittleEndian.PutUint32(rec[0:], uint32(r.OperandIdx))
		binary.LittleEndian.PutUint32(rec[4:], uint32(r.OperatorIdx))
		rec[8] = r.FieldID
		if r.Found {
			rec[9] = 1
		}
		binary.LittleEndian.PutUint32(rec[10:], uint32(len(r.Data)))
		buf = append(buf, rec[:]...)
		buf = append(buf, r.Data...)
	}
	conn.Write(buf)
}
