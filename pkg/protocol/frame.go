package protocol

import "fmt"

// Codec builds request frames for one dispenser address. It is an
// immutable value — copy it freely across goroutines instead of
// guarding it with a mutex.
type Codec struct {
	Addr Address
}

// NewCodec returns a Codec bound to addr.
func NewCodec(addr Address) Codec {
	return Codec{Addr: addr}
}

// Build assembles STX | addr_hi | addr_lo | payload | crc, where crc
// is the XOR of every byte from addr_hi through the last payload
// byte inclusive.
func (c Codec) Build(payload []byte) []byte {
	frame := make([]byte, 0, 3+len(payload)+1)
	frame = append(frame, STX, c.Addr.Hi, c.Addr.Lo)
	frame = append(frame, payload...)
	frame = append(frame, xor(frame[1:]))
	return frame
}

func xor(b []byte) byte {
	var crc byte
	for _, v := range b {
		crc ^= v
	}
	return crc
}

// ValidateCRC reports whether frame is a structurally sound frame
// with a correct checksum. It does not interpret the payload.
func ValidateCRC(frame []byte) bool {
	if len(frame) < MinFrameSize || len(frame) > MaxFrameSize {
		return false
	}
	if frame[0] != STX {
		return false
	}
	body := frame[1 : len(frame)-1]
	return xor(body) == frame[len(frame)-1]
}

// BuildStatus builds an "S" status request.
func (c Codec) BuildStatus() []byte {
	return c.Build([]byte("S"))
}

// BuildVolumePreset builds a "V{nozzle};{volume_cL:6};{price:4}" preset.
func (c Codec) BuildVolumePreset(nozzle, volumeCL, price int) []byte {
	payload := fmt.Sprintf("V%d;%06d;%04d", nozzle, volumeCL, price)
	return c.Build([]byte(payload))
}

// BuildMoneyPreset builds a "M{nozzle};{money:6};{price:4}" preset.
func (c Codec) BuildMoneyPreset(nozzle, money, price int) []byte {
	payload := fmt.Sprintf("M%d;%06d;%04d", nozzle, money, price)
	return c.Build([]byte(payload))
}

// BuildStop builds a "B" stop request.
func (c Codec) BuildStop() []byte {
	return c.Build([]byte("B"))
}

// BuildResume builds a "G" resume request.
func (c Codec) BuildResume() []byte {
	return c.Build([]byte("G"))
}

// BuildVolumeReadback builds an "L" volume readback request.
func (c Codec) BuildVolumeReadback() []byte {
	return c.Build([]byte("L"))
}

// BuildMoneyReadback builds an "R" money readback request.
func (c Codec) BuildMoneyReadback() []byte {
	return c.Build([]byte("R"))
}

// BuildTransactionTotals builds a "T" final totals request.
func (c Codec) BuildTransactionTotals() []byte {
	return c.Build([]byte("T"))
}

// BuildTotalCounter builds a "C{nozzle}" lifetime counter request.
func (c Codec) BuildTotalCounter(nozzle int) []byte {
	payload := fmt.Sprintf("C%d", nozzle)
	return c.Build([]byte(payload))
}

// BuildAcknowledgeEnd builds an "N" end-of-transaction acknowledgement.
func (c Codec) BuildAcknowledgeEnd() []byte {
	return c.Build([]byte("N"))
}
