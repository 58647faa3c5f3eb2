// Package bitstream provides bit-level writing and Annex-B NAL unit
// scanning, adapted from ffmpeggo's avutil.BitstreamWriter.
package bitstream

// Writer writes bits MSB-first to a growable byte buffer, with
// Exp-Golomb helpers for parameter-set fields and RBSP byte-alignment
// padding. No other package in this module calls it.
type Writer struct {
	buf     []byte
	bitPos  int
	curByte byte
}

// NewWriter creates an empty Writer with a 4KiB initial capacity, enough
// for an SPS/PPS pair without reallocation.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 4096)}
}

// WriteBits writes the low n bits (1-32) of value, MSB first.
func (w *Writer) WriteBits(value uint32, n int) {
	if n <= 0 || n > 32 {
		return
	}
	for i := n - 1; i >= 0; i-- {
		bit := (value >> i) & 1
		w.curByte = (w.curByte << 1) | byte(bit)
		w.bitPos++
		if w.bitPos == 8 {
			w.buf = append(w.buf, w.curByte)
			w.curByte = 0
			w.bitPos = 0
		}
	}
}

// WriteBit writes a single bit.
func (w *Writer) WriteBit(bit int) { w.WriteBits(uint32(bit&1), 1) }

// WriteUE writes an unsigned Exp-Golomb coded value, as used throughout
// H.264/H.265 parameter sets.
func (w *Writer) WriteUE(value uint32) {
	v := value + 1
	leadingZeros := 0
	for tmp := v; tmp > 1; tmp >>= 1 {
		leadingZeros++
	}
	for i := 0; i < leadingZeros; i++ {
		w.WriteBit(0)
	}
	w.WriteBits(v, leadingZeros+1)
}

// WriteSE writes a signed Exp-Golomb coded value.
func (w *Writer) WriteSE(value int32) {
	var ue uint32
	if value <= 0 {
		ue = uint32(-value) * 2
	} else {
		ue = uint32(value)*2 - 1
	}
	w.WriteUE(ue)
}

// FlushRBSP writes the RBSP stop bit followed by zero padding to byte
// alignment, as required at the end of every NAL unit.
func (w *Writer) FlushRBSP() {
	w.WriteBit(1)
	if w.bitPos > 0 {
		w.curByte <<= 8 - w.bitPos
		w.buf = append(w.buf, w.curByte)
		w.curByte = 0
		w.bitPos = 0
	}
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte { return w.buf }

// NAL unit types relevant to SPS/PPS extraction (H.264 nal_unit_type).
const (
	NALTypeSPS = 7
	NALTypePPS = 8
	NALTypeIDR = 5
)

// NALUnit is a single Annex-B NAL unit with its leading start code
// stripped.
type NALUnit struct {
	Type    int
	Payload []byte // excludes the start code, includes the nal header byte
}

// ScanAnnexB splits an Annex-B byte stream (encoder output, start codes
// of either 3 or 4 bytes) into its constituent NAL units. Grounded on
// the original's extract_sps_pps start-code scan over encoder output.
func ScanAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	starts := findStartCodes(data)
	for i, s := range starts {
		payloadStart := s.offset + s.length
		var payloadEnd int
		if i+1 < len(starts) {
			payloadEnd = starts[i+1].offset
		} else {
			payloadEnd = len(data)
		}
		if payloadStart >= payloadEnd {
			continue
		}
		nalType := int(data[payloadStart] & 0x1F)
		units = append(units, NALUnit{
			Type:    nalType,
			Payload: data[payloadStart:payloadEnd],
		})
	}
	return units
}

type startCode struct {
	offset int
	length int
}

func findStartCodes(data []byte) []startCode {
	var codes []startCode
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 {
			if data[i+2] == 1 {
				codes = append(codes, startCode{offset: i, length: 3})
				i += 2
				continue
			}
			if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
				codes = append(codes, startCode{offset: i, length: 4})
				i += 3
				continue
			}
		}
	}
	return codes
}

// ExtractParameterSets returns the SPS and PPS NAL payloads (each
// including their nal header byte, excluding the start code) found in
// an encoder header buffer. Used by mpp.StreamWriter to re-prepend
// parameter sets at every segment boundary, matching the original's
// EACH_IDR header-mode behavior.
func ExtractParameterSets(data []byte) (sps, pps []byte) {
	for _, nal := range ScanAnnexB(data) {
		switch nal.Type {
		case NALTypeSPS:
			sps = nal.Payload
		case NALTypePPS:
			pps = nal.Payload
		}
	}
	return sps, pps
}
