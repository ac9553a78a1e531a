package filter

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/pcapgo"
)

// Resolver maps an interface name to an interface index of this host.
type Resolver func(name string) (uint32, bool)

// CapturedPacket is a packet context replayed from a pcapng capture. Only the interface the packet was
// captured on is used; the payload is never looked at.
type CapturedPacket struct {
	Seq       int
	Timestamp time.Time
	Length    int
	Interface string
	Ifindex   uint32
	resolved  bool
}

// InterfaceIndex implements Packet. Packets whose interface could not be resolved have no index.
func (c CapturedPacket) InterfaceIndex() (uint32, bool) {
	return c.Ifindex, c.resolved
}

// ReadCapture reads a pcapng stream and returns one context per packet record.
func ReadCapture(r io.Reader, resolve Resolver) ([]CapturedPacket, error) {
	ng, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("opening pcapng stream: %w", err)
	}

	resolved := make(map[int]CapturedPacket)
	var packets []CapturedPacket
	for seq := 1; ; seq++ {
		data, ci, err := ng.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return packets, fmt.Errorf("reading packet %d: %w", seq, err)
		}

		base, ok := resolved[ci.InterfaceIndex]
		if !ok {
			if intf, err := ng.Interface(ci.InterfaceIndex); err == nil {
				base.Interface = intf.Name
				if intf.Name != "" && resolve != nil {
					base.Ifindex, base.resolved = resolve(intf.Name)
				}
			}
			resolved[ci.InterfaceIndex] = base
		}

		pkt := base
		pkt.Seq = seq
		pkt.Timestamp = ci.Timestamp
		pkt.Length = len(data)
		packets = append(packets, pkt)
	}
	return packets, nil
}
