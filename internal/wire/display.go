package wire

import "errors"

// DisplayPayload is the content of a Display frame: a structured value,
// optionally pinned under a display id so later emissions can update the
// same client-side render.
type DisplayPayload struct {
	ID     string
	Update bool
	Value  any
}

const (
	displayFlagID     byte = 1 << 0
	displayFlagUpdate byte = 1 << 1
)

var errDisplayTruncated = errors.New("wire: truncated display payload")

// EncodeDisplayPayload lays out: u8 flags, [u8 idLen + id], value bytes.
func EncodeDisplayPayload(p DisplayPayload) ([]byte, error) {
	var flags byte
	if p.ID != "" {
		flags |= displayFlagID
	}
	if p.Update {
		flags |= displayFlagUpdate
	}
	buf := []byte{flags}
	if p.ID != "" {
		if len(p.ID) > 255 {
			return nil, errors.New("wire: display id too long")
		}
		buf = append(buf, byte(len(p.ID)))
		buf = append(buf, p.ID...)
	}
	val, err := EncodeValue(p.Value)
	if err != nil {
		return nil, err
	}
	return append(buf, val...), nil
}

func DecodeDisplayPayload(b []byte) (DisplayPayload, error) {
	var p DisplayPayload
	if len(b) < 1 {
		return p, errDisplayTruncated
	}
	flags := b[0]
	off := 1
	if flags&displayFlagID != 0 {
		if len(b) < off+1 {
			return p, errDisplayTruncated
		}
		idLen := int(b[off])
		off++
		if len(b) < off+idLen {
			return p, errDisplayTruncated
		}
		p.ID = string(b[off : off+idLen])
		off += idLen
	}
	p.Update = flags&displayFlagUpdate != 0
	val, _, err := DecodeValue(b[off:])
	if err != nil {
		return DisplayPayload{}, err
	}
	p.Value = val
	return p, nil
}

// EncodeDisplay frames a display value for a job in one step.
func EncodeDisplay(jobIDHash uint32, value any, final bool) ([]byte, error) {
	payload, err := EncodeDisplayPayload(DisplayPayload{Value: value})
	if err != nil {
		return nil, err
	}
	return EncodeFrame(KindDisplay, jobIDHash, payload, final)
}
