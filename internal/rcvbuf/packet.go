package rcvbuf

import (
	"net"
	"time"
)

// Packet is one received datagram. The buffer takes ownership of Data on
// insertion and never reads or modifies it.
type Packet struct {
	Data       []byte
	Addr       net.Addr
	ReceivedAt time.Time
}

// NewPacket stamps data from addr with the current time.
func NewPacket(data []byte, addr net.Addr) *Packet {
	return &Packet{
		Data:       data,
		Addr:       addr,
		ReceivedAt: time.Now(),
	}
}

// Len is the packet's contribution to the buffer's byte size.
func (p *Packet) Len() int {
	return len(p.Data)
}
