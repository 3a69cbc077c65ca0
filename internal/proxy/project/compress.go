package project

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressionMinSize is the floor below which bodies are never worth
// the codec overhead.
const compressionMinSize = 1024

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func getEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil)
	})
	return encoder
}

func getDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// compressBody zstd-compresses body when it is at least
// compressionMinSize bytes. Returns the (possibly unchanged) bytes and
// whether compression was applied.
func compressBody(body []byte) ([]byte, bool) {
	if len(body) < compressionMinSize {
		return body, false
	}
	compressed := getEncoder().EncodeAll(body, nil)
	return compressed, true
}

// decompressBody reverses compressBody. A body recorded as uncompressed
// is returned unchanged.
func decompressBody(body []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return body, nil
	}
	out, err := getDecoder().DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("project: zstd decompression failed: %w", err)
	}
	return out, nil
}
