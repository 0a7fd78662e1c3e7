package lib

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Flag constants
const (
	FINFlag uint8 = 1 << 0
	SYNFlag uint8 = 1 << 1
	RSTFlag uint8 = 1 << 2
	PSHFlag uint8 = 1 << 3
	ACKFlag uint8 = 1 << 4
)

// tcpOptionKindMultipath is the IANA assigned MPTCP option kind.
const tcpOptionKindMultipath = 30

// SegmentOptions carries the parsed TCP options of one segment.
type SegmentOptions struct {
	WScalePresent bool
	WScale        uint8

	TsPresent bool
	TsVal     uint32
	TsEcr     uint32

	MpCapable bool
	MpKey     uint64
}

// Segment is one protocol segment: the parsed header, the option block
// and an optional payload backed by a ring pool chunk.
type Segment struct {
	SrcAddr, DstAddr net.Addr
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	WindowSize       uint16 // pre-scale advertised window
	Options          SegmentOptions
	Payload          []byte

	chunk *rp.Element // memory chunk backing Payload, nil for bare control segments
}

// SeqSpace is the amount of sequence number space the segment occupies:
// its payload plus one for SYN and one for FIN.
func (s *Segment) SeqSpace() int {
	n := len(s.Payload)
	if s.Flags&SYNFlag != 0 {
		n++
	}
	if s.Flags&FINFlag != 0 {
		n++
	}
	return n
}

func (s *Segment) IsSYN() bool { return s.Flags&SYNFlag != 0 }
func (s *Segment) IsACK() bool { return s.Flags&ACKFlag != 0 }
func (s *Segment) IsFIN() bool { return s.Flags&FINFlag != 0 }
func (s *Segment) IsRST() bool { return s.Flags&RSTFlag != 0 }

// CopyToPayload stages src in a pool chunk and points Payload at it.
func (s *Segment) CopyToPayload(src []byte) error {
	if len(src) == 0 {
		return errors.New("segment payload copy: source slice is empty")
	}
	if s.chunk == nil {
		s.chunk = getChunk()
		if s.chunk == nil {
			return errors.New("segment payload copy: got a nil chunk")
		}
	}
	if err := s.chunk.Data.(*Payload).Copy(src); err != nil {
		s.ReturnChunk()
		return err
	}
	s.Payload = s.chunk.Data.(*Payload).GetSlice()
	return nil
}

// ReturnChunk gives the payload chunk back to the pool. Safe to call on
// segments that never carried one.
func (s *Segment) ReturnChunk() {
	if s.chunk != nil {
		Pool.ReturnElement(s.chunk)
		s.chunk = nil
		s.Payload = nil
	}
}

// Marshal serializes the segment to real TCP wire format. The simulated
// link and the codec tests exercise this; checksums are left to the
// network layer collaborator.
func (s *Segment) Marshal() ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		Window:  s.WindowSize,
		FIN:     s.Flags&FINFlag != 0,
		SYN:     s.Flags&SYNFlag != 0,
		RST:     s.Flags&RSTFlag != 0,
		PSH:     s.Flags&PSHFlag != 0,
		ACK:     s.Flags&ACKFlag != 0,
	}

	if s.Options.WScalePresent {
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindWindowScale,
			OptionLength: 3,
			OptionData:   []byte{s.Options.WScale},
		})
	}
	if s.Options.TsPresent {
		data := make([]byte, 8)
		binary.BigEndian.PutUint32(data[0:4], s.Options.TsVal)
		binary.BigEndian.PutUint32(data[4:8], s.Options.TsEcr)
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindTimestamps,
			OptionLength: 10,
			OptionData:   data,
		})
	}
	if s.Options.MpCapable {
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, s.Options.MpKey)
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKind(tcpOptionKindMultipath),
			OptionLength: 10,
			OptionData:   data,
		})
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(s.Payload)); err != nil {
		return nil, errors.Wrap(err, "marshalling segment")
	}
	return buf.Bytes(), nil
}

// UnmarshalSegment parses TCP wire bytes into a Segment. Unknown or
// malformed options are skipped, never fatal; the per-phase allow-list
// is applied later by option processing.
func UnmarshalSegment(data []byte, srcAddr, dstAddr net.Addr) (*Segment, error) {
	tcp := &layers.TCP{}
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(err, "unmarshalling segment")
	}

	seg := &Segment{
		SrcAddr:    srcAddr,
		DstAddr:    dstAddr,
		SrcPort:    uint16(tcp.SrcPort),
		DstPort:    uint16(tcp.DstPort),
		Seq:        tcp.Seq,
		Ack:        tcp.Ack,
		WindowSize: tcp.Window,
	}
	if tcp.FIN {
		seg.Flags |= FINFlag
	}
	if tcp.SYN {
		seg.Flags |= SYNFlag
	}
	if tcp.RST {
		seg.Flags |= RSTFlag
	}
	if tcp.PSH {
		seg.Flags |= PSHFlag
	}
	if tcp.ACK {
		seg.Flags |= ACKFlag
	}

	for _, opt := range tcp.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				seg.Options.WScalePresent = true
				seg.Options.WScale = opt.OptionData[0]
			}
		case layers.TCPOptionKindTimestamps:
			if len(opt.OptionData) == 8 {
				seg.Options.TsPresent = true
				seg.Options.TsVal = binary.BigEndian.Uint32(opt.OptionData[0:4])
				seg.Options.TsEcr = binary.BigEndian.Uint32(opt.OptionData[4:8])
			}
		case layers.TCPOptionKind(tcpOptionKindMultipath):
			if len(opt.OptionData) == 8 {
				seg.Options.MpCapable = true
				seg.Options.MpKey = binary.BigEndian.Uint64(opt.OptionData)
			}
		}
	}

	if len(tcp.Payload) > 0 {
		if err := seg.CopyToPayload(tcp.Payload); err != nil {
			return nil, err
		}
	}
	return seg, nil
}
