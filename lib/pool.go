package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice   []byte
	bufferLength = 65536
	// Pool holds the payload chunks shared by all connections of the
	// process. Chunks back outbound segment payloads from build time
	// until the covering ack retires them from the transmit history.
	Pool *rp.RingPool
)

// InitPool sizes and creates the payload ring pool. Called once by the
// embedding program before any connection is constructed; a default
// sized pool is created lazily otherwise.
func InitPool(poolSize, chunkLength int) {
	bufferLength = chunkLength
	emptySlice = make([]byte, bufferLength)
	Pool = rp.NewRingPool("PTCP: ", poolSize, NewPayload, chunkLength)
}

// Payload represents one packet payload byte slice.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the chunk factory handed to the ring pool.
func NewPayload(params ...interface{}) rp.DataInterface {
	length := bufferLength
	if len(params) == 1 {
		if l, ok := params[0].(int); ok && l > 0 {
			length = l
		}
	}
	return &Payload{
		payloadBytes: make([]byte, length),
	}
}

// Reset clears the chunk content before it returns to the pool.
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload.
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("payload copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

func getChunk() *rp.Element {
	if Pool == nil {
		log.Println("payload pool not initialized, creating default sized pool")
		InitPool(2000, bufferLength)
	}
	return Pool.GetElement()
}
