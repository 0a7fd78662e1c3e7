package lib

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

// optionPhase is the handshake phase an inbound option arrives in.
// Each option kind is checked against a per-phase allow-list; a
// disallowed occurrence is ignored, never fatal.
type optionPhase int

const (
	phaseSyn optionPhase = iota
	phaseSynAck
	phaseEstablished
)

type optionAllowed struct {
	wScale, timestamp, multipath bool
}

var optionAllowList = map[optionPhase]optionAllowed{
	phaseSyn:         {wScale: true, timestamp: true, multipath: true},
	phaseSynAck:      {wScale: true, timestamp: true, multipath: true},
	phaseEstablished: {timestamp: true},
}

// OptionState holds the per connection option negotiation outcome.
// Window scale, timestamp and multipath capability are negotiated during
// the handshake only and frozen bilaterally at handshake completion.
type OptionState struct {
	wScaleOffered  bool // local willingness, from config
	wScaleEnabled  bool // both ends offered
	localScale     uint8
	peerScale      uint8

	tsOffered bool
	tsEnabled bool
	lastPeerTs uint32
	lastTsVal  uint32 // outbound timestamps are monotonically non-decreasing

	mpOffered bool
	mpEnabled bool
	localKey  uint64
	peerKey   uint64
	token     uint64

	frozen bool
}

func newOptionState(wScaleOffered, tsOffered, mpOffered bool, localScale uint8) (*OptionState, error) {
	o := &OptionState{
		wScaleOffered: wScaleOffered,
		tsOffered:     tsOffered,
		mpOffered:     mpOffered,
		localScale:    localScale,
	}
	if mpOffered {
		key, err := generateKey()
		if err != nil {
			return nil, err
		}
		o.localKey = key
	}
	return o, nil
}

func generateKey() (uint64, error) {
	var key uint64
	if err := binary.Read(rand.Reader, binary.BigEndian, &key); err != nil {
		return 0, err
	}
	return key, nil
}

// GenerateISN picks a random initial send sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return 0, err
	}
	return isn, nil
}

func (o *OptionState) clone() *OptionState {
	dup := *o
	return &dup
}

// buildHandshakeOptions fills the option block of an outbound SYN or
// SYN-ACK with everything we offer.
func (o *OptionState) buildHandshakeOptions(opts *SegmentOptions) {
	if o.wScaleOffered {
		opts.WScalePresent = true
		opts.WScale = o.localScale
	}
	if o.tsOffered {
		opts.TsPresent = true
	}
	if o.mpOffered {
		opts.MpCapable = true
		opts.MpKey = o.localKey
	}
}

// processOptions applies the inbound option block for the given phase.
// Options arriving in a phase their kind is not allowed in, or after the
// negotiation froze, are dropped silently.
func (o *OptionState) processOptions(opts *SegmentOptions, phase optionPhase) {
	allowed := optionAllowList[phase]

	if opts.WScalePresent && allowed.wScale && !o.frozen {
		scale := opts.WScale
		if scale > maxWindowScale {
			scale = maxWindowScale
		}
		o.peerScale = scale
		o.wScaleEnabled = o.wScaleOffered // bilateral: both ends must offer
	}
	if opts.TsPresent && allowed.timestamp {
		if !o.frozen {
			o.tsEnabled = o.tsOffered
		}
		if o.tsEnabled {
			o.lastPeerTs = opts.TsVal
		}
	}
	if opts.MpCapable && allowed.multipath && !o.frozen {
		o.peerKey = opts.MpKey
		o.mpEnabled = o.mpOffered
	}
}

// freeze completes the negotiation at handshake completion. The derived
// multipath token is a hash of the local key and unlocks subflow
// creation.
func (o *OptionState) freeze() {
	if o.frozen {
		return
	}
	if !o.wScaleEnabled {
		// scaling off means both window fields are taken literally
		o.localScale = 0
		o.peerScale = 0
	}
	if o.mpEnabled {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], o.localKey)
		o.token = xxhash.Sum64(buf[:])
	}
	o.frozen = true
}

func (o *OptionState) WindowScaleEnabled() bool { return o.wScaleEnabled }
func (o *OptionState) TimestampEnabled() bool   { return o.tsEnabled }
func (o *OptionState) MultipathEnabled() bool   { return o.mpEnabled }
func (o *OptionState) PeerScale() uint8         { return o.peerScale }
func (o *OptionState) Token() uint64            { return o.token }

// stampOutbound writes the timestamp pair onto an outbound segment: the
// local clock value plus an echo of the most recent peer timestamp.
func (o *OptionState) stampOutbound(opts *SegmentOptions, now time.Time) {
	if !o.tsEnabled && o.frozen {
		return
	}
	if !o.tsOffered {
		return
	}
	ts := timestampValue(now)
	if int32(ts-o.lastTsVal) < 0 {
		ts = o.lastTsVal
	}
	o.lastTsVal = ts
	opts.TsPresent = true
	opts.TsVal = ts
	opts.TsEcr = o.lastPeerTs
}

// echoSample converts an echoed timestamp into an RTT sample. It is a
// second sample source, independent of the transmit history.
func (o *OptionState) echoSample(opts *SegmentOptions, now time.Time) (time.Duration, bool) {
	if !o.tsEnabled || !opts.TsPresent || opts.TsEcr == 0 {
		return 0, false
	}
	elapsed := int32(timestampValue(now) - opts.TsEcr)
	if elapsed < 0 {
		return 0, false
	}
	return time.Duration(elapsed) * time.Millisecond, true
}

// timestampValue is the option clock: milliseconds of the simulated time.
func timestampValue(now time.Time) uint32 {
	return uint32(now.UnixNano() / int64(time.Millisecond))
}
