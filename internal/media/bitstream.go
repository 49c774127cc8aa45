package media

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
)

// H.264 NAL unit types used when moving between AVCC and Annex-B framing.
const (
	naluSlice = 1
	naluIDR   = 5
	naluSEI   = 6
	naluSPS   = 7
	naluPPS   = 8
	naluAUD   = 9
)

var startCode = []byte{0, 0, 0, 1}

// avccToAnnexB rewrites a length-prefixed access unit with start codes.
// Key frames get the parameter sets prepended so a decoder can start there.
func avccToAnnexB(data []byte, codec h264parser.CodecData, key bool) ([]byte, error) {
	nalus, typ := h264parser.SplitNALUs(data)
	if typ == h264parser.NALU_RAW {
		return nil, fmt.Errorf("%w: access unit of %d bytes is not length-prefixed", ErrCorruptSample, len(data))
	}

	var buf bytes.Buffer
	if key {
		buf.Write(startCode)
		buf.Write(codec.SPS())
		buf.Write(startCode)
		buf.Write(codec.PPS())
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1f {
		case naluSPS, naluPPS, naluAUD:
			if key {
				continue
			}
		}
		buf.Write(startCode)
		buf.Write(nalu)
	}
	return buf.Bytes(), nil
}

// nalReader splits an Annex-B byte stream into NAL units.
type nalReader struct {
	r   *bufio.Reader
	buf []byte
	eof bool
}

func newNALReader(r io.Reader) *nalReader {
	return &nalReader{r: bufio.NewReaderSize(r, 256<<10)}
}

// Next returns the next NAL unit without its start code.
func (n *nalReader) Next() ([]byte, error) {
	for {
		start := bytes.Index(n.buf, startCode[1:])
		if start >= 0 {
			body := start + 3
			if end := bytes.Index(n.buf[body:], startCode[1:]); end >= 0 {
				nalu := bytes.TrimRight(n.buf[body:body+end], "\x00")
				out := append([]byte(nil), nalu...)
				n.buf = n.buf[body+end:]
				return out, nil
			}
			if n.eof {
				nalu := bytes.TrimRight(n.buf[body:], "\x00")
				n.buf = nil
				if len(nalu) == 0 {
					return nil, io.EOF
				}
				return append([]byte(nil), nalu...), nil
			}
		} else if n.eof {
			return nil, io.EOF
		}

		chunk := make([]byte, 64<<10)
		m, err := n.r.Read(chunk)
		n.buf = append(n.buf, chunk[:m]...)
		if errors.Is(err, io.EOF) {
			n.eof = true
		} else if err != nil {
			return nil, err
		}
	}
}

// accessUnit is one coded picture split into NAL units.
type accessUnit struct {
	nalus [][]byte
	sps   []byte
	pps   []byte
	key   bool
}

// avcc returns the picture's slices and SEI with 4-byte length prefixes.
func (au *accessUnit) avcc() []byte {
	size := 0
	for _, n := range au.nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range au.nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(n)))
		out = append(out, n...)
	}
	return out
}

// auReader groups NAL units into access units. A unit ends at an access unit
// delimiter or when a slice starts a new picture.
type auReader struct {
	nals    *nalReader
	cur     *accessUnit
	pending []byte
	done    bool
}

func newAUReader(r io.Reader) *auReader {
	return &auReader{nals: newNALReader(r)}
}

func (a *auReader) Next() (*accessUnit, error) {
	if a.done {
		return nil, io.EOF
	}
	for {
		var nalu []byte
		if a.pending != nil {
			nalu, a.pending = a.pending, nil
		} else {
			var err error
			nalu, err = a.nals.Next()
			if errors.Is(err, io.EOF) {
				a.done = true
				if a.cur != nil && a.hasPicture() {
					out := a.cur
					a.cur = nil
					return out, nil
				}
				return nil, io.EOF
			}
			if err != nil {
				return nil, err
			}
		}
		if len(nalu) == 0 {
			continue
		}

		typ := nalu[0] & 0x1f
		firstSlice := (typ == naluSlice || typ == naluIDR) && len(nalu) > 1 && nalu[1]&0x80 != 0
		if a.cur != nil && a.hasPicture() && (typ == naluAUD || typ == naluSPS || typ == naluSEI || firstSlice) {
			out := a.cur
			a.cur = nil
			a.pending = nalu
			return out, nil
		}
		if a.cur == nil {
			a.cur = &accessUnit{}
		}
		switch typ {
		case naluAUD:
		case naluSPS:
			a.cur.sps = nalu
		case naluPPS:
			a.cur.pps = nalu
		case naluIDR:
			a.cur.key = true
			a.cur.nalus = append(a.cur.nalus, nalu)
		default:
			a.cur.nalus = append(a.cur.nalus, nalu)
		}
	}
}

func (a *auReader) hasPicture() bool {
	for _, n := range a.cur.nalus {
		if t := n[0] & 0x1f; t >= naluSlice && t <= naluIDR {
			return true
		}
	}
	return false
}

// adtsWrap prefixes a raw AAC frame with an ADTS header.
func adtsWrap(frame []byte, cfg aacparser.MPEG4AudioConfig) []byte {
	out := make([]byte, aacparser.ADTSHeaderLength+len(frame))
	aacparser.FillADTSHeader(out[:aacparser.ADTSHeaderLength], cfg, 1024, len(frame))
	copy(out[aacparser.ADTSHeaderLength:], frame)
	return out
}

// adtsFrame is one AAC frame read from an ADTS stream.
type adtsFrame struct {
	cfg     aacparser.MPEG4AudioConfig
	payload []byte
	samples int
}

// readADTS reads the next ADTS frame from r.
func readADTS(r *bufio.Reader) (adtsFrame, error) {
	hdr, err := r.Peek(aacparser.ADTSHeaderLength)
	if err != nil {
		if errors.Is(err, io.EOF) && len(hdr) == 0 {
			return adtsFrame{}, io.EOF
		}
		return adtsFrame{}, fmt.Errorf("%w: truncated adts header", ErrCorruptSample)
	}
	cfg, hdrlen, framelen, samples, err := aacparser.ParseADTSHeader(hdr)
	if err != nil {
		return adtsFrame{}, fmt.Errorf("%w: %w", ErrCorruptSample, err)
	}
	if framelen < hdrlen {
		return adtsFrame{}, fmt.Errorf("%w: adts frame length %d", ErrCorruptSample, framelen)
	}
	frame := make([]byte, framelen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return adtsFrame{}, fmt.Errorf("%w: truncated adts frame: %w", ErrCorruptSample, err)
	}
	return adtsFrame{cfg: cfg, payload: frame[hdrlen:], samples: samples}, nil
}
