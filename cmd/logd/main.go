// Command logd is the central log collector. FEO processes forward
// structured log records to it over unix sockets: one JSON record per
// seqpacket datagram on the packet socket, newline-delimited JSON on
// the stream socket. Records are written to stdout.
package main

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/joeycumines/logiface"
	"github.com/qorix-group/inc-feo/feolog"
)

const (
	packetSocket = feolog.DefaultLogdSocket
	streamSocket = `/tmp/feo-logd.stream.sock`

	// maxRecordSize bounds a single forwarded record.
	maxRecordSize = 8 * 1024
)

func main() {
	if err := feolog.Init(feolog.Config{Level: logiface.LevelInformational, Console: true}); err != nil {
		panic(err)
	}

	records := make(chan []byte, 128)
	go process(records)

	go listenPacket(records)
	listenStream(records)
}

// process serializes all inputs onto stdout, one record per line.
func process(records <-chan []byte) {
	out := bufio.NewWriter(os.Stdout)
	for record := range records {
		_, _ = out.Write(record)
		if len(record) == 0 || record[len(record)-1] != '\n' {
			_ = out.WriteByte('\n')
		}
		_ = out.Flush()
	}
}

// listenPacket accepts seqpacket connections; every read is one
// complete record.
func listenPacket(records chan<- []byte) {
	listener := bind(`unixpacket`, packetSocket)
	defer listener.Close()
	for {
		conn, err := listener.Accept()
		if err != nil {
			feolog.L().Err().Err(err).Log(`failed to accept packet connection`)
			return
		}
		feolog.L().Info().Log(`accepted seqpacket connection`)
		go func() {
			defer conn.Close()
			buf := make([]byte, maxRecordSize)
			for {
				n, err := conn.Read(buf)
				if err != nil {
					if !errors.Is(err, io.EOF) {
						feolog.L().Warning().Err(err).Log(`packet connection failed`)
					}
					return
				}
				records <- append([]byte(nil), buf[:n]...)
			}
		}()
	}
}

// listenStream accepts stream connections carrying newline-delimited
// records.
func listenStream(records chan<- []byte) {
	listener := bind(`unix`, streamSocket)
	defer listener.Close()
	for {
		conn, err := listener.Accept()
		if err != nil {
			feolog.L().Err().Err(err).Log(`failed to accept stream connection`)
			return
		}
		feolog.L().Info().Log(`accepted stream connection`)
		go func() {
			defer conn.Close()
			scanner := bufio.NewScanner(conn)
			scanner.Buffer(make([]byte, maxRecordSize), maxRecordSize)
			for scanner.Scan() {
				records <- append([]byte(nil), scanner.Bytes()...)
			}
		}()
	}
}

// bind removes a stale socket and listens on it.
func bind(network, path string) net.Listener {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		feolog.L().Err().Err(err).Str(`path`, path).Log(`failed to remove stale socket`)
		os.Exit(1)
	}
	feolog.L().Info().Str(`path`, path).Log(`listening`)
	listener, err := net.Listen(network, path)
	if err != nil {
		feolog.L().Err().Err(err).Str(`path`, path).Log(`failed to bind socket`)
		os.Exit(1)
	}
	return listener
}
