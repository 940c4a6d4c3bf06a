package upstream

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var zstdPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	},
}

// Decode replaces resp.Body with a reader of the identity-encoded payload
// and removes Content-Encoding and Content-Length. Responses without a
// supported Content-Encoding are left untouched.
func Decode(resp *http.Response) error {
	ce := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if ce == "" || ce == "identity" {
		return nil
	}

	var (
		r       io.Reader
		release func()
		err     error
	)
	switch ce {
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(resp.Body)
	case "deflate":
		r, err = newDeflateReader(resp.Body)
	case "br":
		r = brotli.NewReader(resp.Body)
	case "zstd":
		dec := zstdPool.Get().(*zstd.Decoder)
		if err = dec.Reset(resp.Body); err == nil {
			r = dec
			release = func() {
				_ = dec.Reset(nil)
				zstdPool.Put(dec)
			}
		}
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("decoding %s body: %w", ce, err)
	}

	resp.Body = &decodedBody{Reader: r, closer: resp.Body, release: release}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return nil
}

// newDeflateReader accepts both zlib-wrapped and raw deflate streams, since
// servers send either under "deflate".
func newDeflateReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(hdr) == 2 && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

type decodedBody struct {
	io.Reader
	closer  io.Closer
	release func()
	once    sync.Once
}

func (b *decodedBody) Close() error {
	if c, ok := b.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	b.once.Do(func() {
		if b.release != nil {
			b.release()
		}
	})
	return b.closer.Close()
}
