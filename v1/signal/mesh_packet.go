package signal

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	meshMagic           = 0x53
	meshChange     byte = 0x01
	meshHeartbeat  byte = 0x02
	meshBatch      byte = 0x03
	meshHeaderSize      = 18
)

var (
	errMeshMagic = errors.New("mesh: invalid magic byte")
	errMeshShort = errors.New("mesh: buffer too short")
)

var meshBuffers = sync.Pool{
	New: func() any {
		return make([]byte, 1500)
	},
}

// meshPacket is the datagram exchanged by mesh nodes.
//
//	magic(1) type(1) node(16) then
//	change, heartbeat: len(2) value
//	batch:             count(2) { len(2) value }...
//
// The value of a change is the publishing origin, the value of a heartbeat
// is the address the node advertises.
type meshPacket struct {
	Type   byte
	NodeID [16]byte
	Values []string
}

func (p *meshPacket) marshal(b []byte) (int, error) {
	if len(b) < meshHeaderSize+2 {
		return 0, errMeshShort
	}
	b[0] = meshMagic
	b[1] = p.Type
	copy(b[2:meshHeaderSize], p.NodeID[:])

	curr := meshHeaderSize
	if p.Type == meshBatch {
		binary.BigEndian.PutUint16(b[curr:curr+2], uint16(len(p.Values)))
		curr += 2
	} else if len(p.Values) != 1 {
		return 0, errors.New("mesh: single value packet")
	}
	for _, v := range p.Values {
		if len(b) < curr+2+len(v) {
			return curr, errMeshShort
		}
		binary.BigEndian.PutUint16(b[curr:curr+2], uint16(len(v)))
		copy(b[curr+2:], v)
		curr += 2 + len(v)
	}
	return curr, nil
}

func (p *meshPacket) unmarshal(b []byte) error {
	if len(b) < meshHeaderSize+2 {
		return errMeshShort
	}
	if b[0] != meshMagic {
		return errMeshMagic
	}
	p.Type = b[1]
	copy(p.NodeID[:], b[2:meshHeaderSize])

	curr := meshHeaderSize
	count := 1
	if p.Type == meshBatch {
		count = int(binary.BigEndian.Uint16(b[curr : curr+2]))
		curr += 2
	}
	p.Values = make([]string, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < curr+2 {
			return errMeshShort
		}
		n := int(binary.BigEndian.Uint16(b[curr : curr+2]))
		if len(b) < curr+2+n {
			return errMeshShort
		}
		p.Values = append(p.Values, string(b[curr+2:curr+2+n]))
		curr += 2 + n
	}
	return nil
}
