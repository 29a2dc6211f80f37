package store

import "github.com/valyala/gozstd"

// htmlCompressionLevel is the zstd level used for stored HTML bodies.
const htmlCompressionLevel = 5

// compressBody zstd-encodes an HTML body. Empty bodies are stored as NULL.
func compressBody(body string) ([]byte, error) {
	if body == "" {
		return nil, nil
	}
	return gozstd.CompressLevel(nil, []byte(body), htmlCompressionLevel), nil
}

// decompressBody reverses compressBody.
func decompressBody(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	out, err := gozstd.Decompress(nil, raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
