package media

import "context"

// Decoder turns compressed samples of one track into frames.
type Decoder interface {
	// Decode feeds one sample to the decoder.
	Decode(s Sample) error
	// CloseInput signals that no more samples follow.
	CloseInput() error
	// ReadFrame returns the next frame, or io.EOF once the decoder has
	// drained and exited cleanly.
	ReadFrame() (Frame, error)
	// Close releases the decoder. It is safe to call more than once.
	Close() error
}

// Encoder turns frames of one track into compressed samples.
type Encoder interface {
	// Encode feeds one frame to the encoder.
	Encode(f Frame) error
	// CloseInput signals that no more frames follow.
	CloseInput() error
	// ReadSample returns the next compressed sample, or io.EOF once the
	// encoder has drained and exited cleanly.
	ReadSample() (Sample, error)
	// Close releases the encoder. It is safe to call more than once.
	Close() error
}

// Codecs creates decoder and encoder stages for tracks.
type Codecs interface {
	NewDecoder(ctx context.Context, track Track) (Decoder, error)
	// NewEncoder creates an encoder whose output matches the layout of the
	// given track.
	NewEncoder(ctx context.Context, track Track) (Encoder, error)
}

var (
	_ Codecs  = (*FFmpeg)(nil)
	_ Decoder = (*videoDecoder)(nil)
	_ Decoder = (*audioDecoder)(nil)
	_ Encoder = (*videoEncoder)(nil)
	_ Encoder = (*audioEncoder)(nil)
)

// SampleReader yields the compressed samples of one track in container order.
type SampleReader interface {
	// ReadSample returns the next sample, or io.EOF after the last one.
	ReadSample() (Sample, error)
	Close() error
}
