package protocol

// parseDecimal converts a fixed-width ASCII decimal span into an int,
// rejecting anything that is not all digits.
func parseDecimal(s string) (int, bool) {
	if len(s) == 0 {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		d := s[i]
		if d < '0' || d > '9' {
			return 0, false
		}
		n = n*10 + int(d-'0')
	}
	return n, true
}

// payloadOf returns the request/response payload (command letter
// through the last data byte, CRC excluded) of an already
// CRC-validated frame.
func payloadOf(frame []byte) []byte {
	return frame[3 : len(frame)-1]
}

// ParseStatus parses an "S{state:1}{nozzle:1}" response.
func ParseStatus(frame []byte) (StatusResponse, bool) {
	if !ValidateCRC(frame) {
		return StatusResponse{}, false
	}
	p := payloadOf(frame)
	if len(p) != minPayloadLen['S'] || p[0] != 'S' {
		return StatusResponse{}, false
	}
	state, ok := parseDecimal(string(p[1:2]))
	if !ok {
		return StatusResponse{}, false
	}
	nozzle, ok := parseDecimal(string(p[2:3]))
	if !ok {
		return StatusResponse{}, false
	}
	hs := HardwareState(state)
	if !hs.Valid() || nozzle > 6 {
		return StatusResponse{}, false
	}
	return StatusResponse{State: hs, Nozzle: nozzle}, true
}

// ParseVolume parses an "L{nozzle}{txid}{state};{volume_cL:6}" response.
func ParseVolume(frame []byte) (VolumeResponse, bool) {
	if !ValidateCRC(frame) {
		return VolumeResponse{}, false
	}
	p := payloadOf(frame)
	if len(p) != minPayloadLen['L'] || p[0] != 'L' || p[4] != ';' {
		return VolumeResponse{}, false
	}
	nozzle, ok1 := parseDecimal(string(p[1:2]))
	txid, ok2 := parseDecimal(string(p[2:3]))
	state, ok3 := parseDecimal(string(p[3:4]))
	volume, ok4 := parseDecimal(string(p[5:11]))
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return VolumeResponse{}, false
	}
	hs := HardwareState(state)
	if !hs.Valid() || nozzle > 6 {
		return VolumeResponse{}, false
	}
	return VolumeResponse{Nozzle: nozzle, TxID: txid, State: hs, VolumeCL: volume}, true
}

// ParseMoney parses an "R{nozzle}{txid}{state};{money:6}" response.
func ParseMoney(frame []byte) (MoneyResponse, bool) {
	if !ValidateCRC(frame) {
		return MoneyResponse{}, false
	}
	p := payloadOf(frame)
	if len(p) != minPayloadLen['R'] || p[0] != 'R' || p[4] != ';' {
		return MoneyResponse{}, false
	}
	nozzle, ok1 := parseDecimal(string(p[1:2]))
	txid, ok2 := parseDecimal(string(p[2:3]))
	state, ok3 := parseDecimal(string(p[3:4]))
	money, ok4 := parseDecimal(string(p[5:11]))
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return MoneyResponse{}, false
	}
	hs := HardwareState(state)
	if !hs.Valid() || nozzle > 6 {
		return MoneyResponse{}, false
	}
	return MoneyResponse{Nozzle: nozzle, TxID: txid, State: hs, Money: money}, true
}

// ParseTransaction parses a "T{nozzle}{txid}{state};{money:6};{volume_cL:6};{price:4}" response.
func ParseTransaction(frame []byte) (TransactionResponse, bool) {
	if !ValidateCRC(frame) {
		return TransactionResponse{}, false
	}
	p := payloadOf(frame)
	if len(p) != minPayloadLen['T'] || p[0] != 'T' || p[4] != ';' || p[11] != ';' || p[18] != ';' {
		return TransactionResponse{}, false
	}
	nozzle, ok1 := parseDecimal(string(p[1:2]))
	txid, ok2 := parseDecimal(string(p[2:3]))
	state, ok3 := parseDecimal(string(p[3:4]))
	money, ok4 := parseDecimal(string(p[5:11]))
	volume, ok5 := parseDecimal(string(p[12:18]))
	price, ok6 := parseDecimal(string(p[19:23]))
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return TransactionResponse{}, false
	}
	hs := HardwareState(state)
	if !hs.Valid() || nozzle > 6 {
		return TransactionResponse{}, false
	}
	return TransactionResponse{
		Nozzle:   nozzle,
		TxID:     txid,
		State:    hs,
		Money:    money,
		VolumeCL: volume,
		Price:    price,
	}, true
}

// ParseTotalCounter parses a "C{nozzle};{total_cL:9}" response.
func ParseTotalCounter(frame []byte) (TotalCounterResponse, bool) {
	if !ValidateCRC(frame) {
		return TotalCounterResponse{}, false
	}
	p := payloadOf(frame)
	if len(p) != minPayloadLen['C'] || p[0] != 'C' || p[2] != ';' {
		return TotalCounterResponse{}, false
	}
	nozzle, ok1 := parseDecimal(string(p[1:2]))
	total, ok2 := parseDecimal(string(p[3:12]))
	if !ok1 || !ok2 {
		return TotalCounterResponse{}, false
	}
	if nozzle > 6 {
		return TotalCounterResponse{}, false
	}
	return TotalCounterResponse{Nozzle: nozzle, TotalCL: total}, true
}

// parseByLetter dispatches to the parser matching letter and reports
// whether the frame is structurally valid for that response kind,
// without exposing the parsed fields (used by the resync scanner).
func parseByLetter(letter byte, frame []byte) bool {
	switch letter {
	case 'S':
		_, ok := ParseStatus(frame)
		return ok
	case 'L':
		_, ok := ParseVolume(frame)
		return ok
	case 'R':
		_, ok := ParseMoney(frame)
		return ok
	case 'T':
		_, ok := ParseTransaction(frame)
		return ok
	case 'C':
		_, ok := ParseTotalCounter(frame)
		return ok
	default:
		return false
	}
}
