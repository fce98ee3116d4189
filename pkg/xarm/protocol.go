// Package xarm is a small client for the UFactory xArm control protocol.
//
// Only the handful of registers needed for Cartesian position control are
// implemented: motion enable, mode, state, TCP pose and linear moves.
package xarm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Registers of the control protocol.
const (
	regMotionEnable byte = 11
	regSetState     byte = 12
	regGetState     byte = 13
	regGetError     byte = 15
	regSetMode      byte = 19
	regMoveLine     byte = 21
	regGetTCPPose   byte = 41
)

// Protocol identifiers.
const (
	tcpProtocolID  uint16 = 0x0002
	serialMasterID byte   = 0xAA
	serialSlaveID  byte   = 0x55
)

// allAxes addresses every joint in a motion enable command.
const allAxes byte = 8

// Status bits in a response's state byte.
const (
	statusError   byte = 0x40
	statusWarning byte = 0x20
)

// Controller states reported by regGetState.
const (
	StateMoving    = 1
	StateSleeping  = 2
	StateSuspended = 3
	StateStopping  = 4
)

// StatusError is returned when the controller flags an error in its reply.
type StatusError struct {
	Register byte
	Status   byte
	Code     int
}

func (e *StatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("xarm: register %d: controller error %d (status 0x%02x)", e.Register, e.Code, e.Status)
	}
	return fmt.Sprintf("xarm: register %d: controller error (status 0x%02x)", e.Register, e.Status)
}

func putFloats(values ...float64) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return buf
}

func readFloats(data []byte, n int) ([]float64, error) {
	if len(data) < 4*n {
		return nil, fmt.Errorf("short payload: want %d bytes, got %d", 4*n, len(data))
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	}
	return out, nil
}

// crc16 is the Modbus RTU checksum used by the serial framing.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
