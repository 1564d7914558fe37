package jobs

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// logCodec compresses finished job logs. The encoder and decoder are safe
// for concurrent EncodeAll and DecodeAll calls.
type logCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newLogCodec() (*logCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create log encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create log decoder: %w", err)
	}
	return &logCodec{enc: enc, dec: dec}, nil
}

func (c *logCodec) encode(src []byte) []byte {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2))
}

func (c *logCodec) decode(src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, nil)
}

func (c *logCodec) close() {
	c.enc.Close()
	c.dec.Close()
}
