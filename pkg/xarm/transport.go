package xarm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// DefaultTimeout bounds a single request/response exchange.
const DefaultTimeout = 3 * time.Second

// transport carries one register request and its reply.
type transport interface {
	exchange(ctx context.Context, reg byte, params []byte) (status byte, data []byte, err error)
	Close() error
}

type tcpTransport struct {
	conn    net.Conn
	timeout time.Duration
	tid     uint16
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration) (*tcpTransport, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "502")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpTransport{conn: conn, timeout: timeout}, nil
}

func (t *tcpTransport) exchange(ctx context.Context, reg byte, params []byte) (byte, []byte, error) {
	t.tid++
	frame := make([]byte, 7+len(params))
	binary.BigEndian.PutUint16(frame[0:], t.tid)
	binary.BigEndian.PutUint16(frame[2:], tcpProtocolID)
	binary.BigEndian.PutUint16(frame[4:], uint16(1+len(params)))
	frame[6] = reg
	copy(frame[7:], params)

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return 0, nil, err
	}

	if _, err := t.conn.Write(frame); err != nil {
		return 0, nil, fmt.Errorf("write request: %w", err)
	}

	header := make([]byte, 6)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	n := int(binary.BigEndian.Uint16(header[4:]))
	if n < 2 {
		return 0, nil, fmt.Errorf("malformed reply: length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}

	if tid := binary.BigEndian.Uint16(header[0:]); tid != t.tid {
		return 0, nil, fmt.Errorf("transaction mismatch: sent %d, got %d", t.tid, tid)
	}
	if body[0] != reg {
		return 0, nil, fmt.Errorf("register mismatch: sent %d, got %d", reg, body[0])
	}
	return body[1], body[2:], nil
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

type serialTransport struct {
	port    serial.Port
	timeout time.Duration
}

func openSerial(name string, baud int, timeout time.Duration) (*serialTransport, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return &serialTransport{port: port, timeout: timeout}, nil
}

func (t *serialTransport) exchange(ctx context.Context, reg byte, params []byte) (byte, []byte, error) {
	frame := make([]byte, 0, 6+len(params))
	frame = append(frame, serialMasterID, serialSlaveID, byte(1+len(params)), reg)
	frame = append(frame, params...)
	frame = binary.LittleEndian.AppendUint16(frame, crc16(frame))

	if err := t.port.ResetInputBuffer(); err != nil {
		return 0, nil, err
	}
	if _, err := t.port.Write(frame); err != nil {
		return 0, nil, fmt.Errorf("write request: %w", err)
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	header := make([]byte, 3)
	if err := t.readFull(header, deadline); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	n := int(header[2])
	if n < 2 {
		return 0, nil, fmt.Errorf("malformed reply: length %d", n)
	}
	rest := make([]byte, n+2)
	if err := t.readFull(rest, deadline); err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}

	reply := append(header, rest[:n]...)
	if got, want := binary.LittleEndian.Uint16(rest[n:]), crc16(reply); got != want {
		return 0, nil, fmt.Errorf("checksum mismatch: got 0x%04x, want 0x%04x", got, want)
	}
	if rest[0] != reg {
		return 0, nil, fmt.Errorf("register mismatch: sent %d, got %d", reg, rest[0])
	}
	return rest[1], rest[2:n], nil
}

// readFull reads len(buf) bytes; the serial port reports a read timeout as
// a zero-length read rather than an error.
func (t *serialTransport) readFull(buf []byte, deadline time.Time) error {
	for read := 0; read < len(buf); {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errTimeout
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return err
		}
		n, err := t.port.Read(buf[read:])
		if err != nil {
			return err
		}
		if n == 0 {
			return errTimeout
		}
		read += n
	}
	return nil
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

var errTimeout = errors.New("timeout waiting for reply")
