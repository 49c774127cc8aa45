package media

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write(startCode)
		buf.Write(n)
	}
	return buf.Bytes()
}

var (
	testAUD   = []byte{0x09, 0xf0}
	testSPS   = []byte{0x67, 0x42, 0xc0, 0x1e}
	testPPS   = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x21}
	testSlice = []byte{0x41, 0x9a, 0x21, 0x6c}
)

func TestAUReader_SplitsOnDelimiters(t *testing.T) {
	stream := annexB(testAUD, testSPS, testPPS, testIDR, testAUD, testSlice, testAUD, testSlice)
	r := newAUReader(bytes.NewReader(stream))

	first, err := r.Next()
	require.NoError(t, err)
	assert.True(t, first.key)
	assert.Equal(t, testSPS, first.sps)
	assert.Equal(t, testPPS, first.pps)
	assert.Equal(t, [][]byte{testIDR}, first.nalus)

	for i := 0; i < 2; i++ {
		au, err := r.Next()
		require.NoError(t, err)
		assert.False(t, au.key)
		assert.Equal(t, [][]byte{testSlice}, au.nalus)
	}

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAUReader_SplitsOnFirstSliceWithoutDelimiters(t *testing.T) {
	stream := annexB(testSPS, testPPS, testIDR, testSlice, testSlice)
	r := newAUReader(bytes.NewReader(stream))

	count := 0
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 3, count)
}

func TestAccessUnit_AVCC(t *testing.T) {
	au := &accessUnit{nalus: [][]byte{testIDR}}
	got := au.avcc()
	assert.Equal(t, append([]byte{0, 0, 0, byte(len(testIDR))}, testIDR...), got)

	nalus, typ := h264parser.SplitNALUs(got)
	assert.Equal(t, h264parser.NALU_AVCC, typ)
	assert.Equal(t, [][]byte{testIDR}, nalus)
}

func TestAVCCToAnnexB(t *testing.T) {
	avcc := (&accessUnit{nalus: [][]byte{testSlice}}).avcc()

	out, err := avccToAnnexB(avcc, h264parser.CodecData{}, false)
	require.NoError(t, err)
	assert.Equal(t, annexB(testSlice), out)

	_, err = avccToAnnexB([]byte{0, 0, 0x10, 0, 1, 2}, h264parser.CodecData{}, false)
	assert.ErrorIs(t, err, ErrCorruptSample)
}

func TestADTS_RoundTrip(t *testing.T) {
	cfg := aacparser.MPEG4AudioConfig{ObjectType: 2, SampleRateIndex: 4, ChannelConfig: 2}
	payload := []byte{0x21, 0x10, 0x05, 0x00, 0xa0, 0x19}

	stream := append(adtsWrap(payload, cfg), adtsWrap(payload, cfg)...)
	r := bufio.NewReader(bytes.NewReader(stream))

	for i := 0; i < 2; i++ {
		frame, err := readADTS(r)
		require.NoError(t, err)
		assert.Equal(t, payload, frame.payload)
		assert.Equal(t, 1024, frame.samples)
		assert.Equal(t, 44100, frame.cfg.SampleRate)
		assert.Equal(t, 2, frame.cfg.ChannelLayout.Count())
	}

	_, err := readADTS(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadADTS_Corrupt(t *testing.T) {
	_, err := readADTS(bufio.NewReader(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})))
	assert.ErrorIs(t, err, ErrCorruptSample)

	cfg := aacparser.MPEG4AudioConfig{ObjectType: 2, SampleRateIndex: 3, ChannelConfig: 1}
	truncated := adtsWrap([]byte{1, 2, 3, 4}, cfg)[:9]
	_, err = readADTS(bufio.NewReader(bytes.NewReader(truncated)))
	assert.ErrorIs(t, err, ErrCorruptSample)
}
