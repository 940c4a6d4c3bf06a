package transform

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// supportedEncodings is in server preference order.
var supportedEncodings = []string{"br", "gzip", "deflate"}

type encodingPref struct {
	encoding string
	quality  float64
}

func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: strings.ToLower(enc), quality: q})
	}
	return prefs
}

// NegotiateEncoding picks br, gzip or deflate from an Accept-Encoding value.
// The highest client quality wins; ties go to the earlier server
// preference. Returns "" for identity.
func NegotiateEncoding(acceptEncoding string) string {
	prefs := parseAcceptEncoding(acceptEncoding)
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	wildcardQ := -1.0
	for _, p := range prefs {
		if p.encoding == "*" {
			wildcardQ = p.quality
			continue
		}
		clientPrefs[p.encoding] = p.quality
	}

	best := ""
	bestQ := 0.0
	for _, enc := range supportedEncodings {
		q, ok := clientPrefs[enc]
		if !ok {
			if wildcardQ < 0 {
				continue
			}
			q = wildcardQ
		}
		if q > bestQ {
			best, bestQ = enc, q
		}
	}
	return best
}

// Compress encodes body with encoding. An empty encoding returns body.
func Compress(encoding string, body []byte) ([]byte, error) {
	if encoding == "" {
		return body, nil
	}
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "br":
		w = brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeNegotiated compresses body per the client's Accept-Encoding, falling
// back to identity on failure, and writes it with status.
func writeNegotiated(w http.ResponseWriter, r *http.Request, status int, body []byte) (int64, error) {
	h := w.Header()
	h.Add("Vary", "Accept-Encoding")

	enc := NegotiateEncoding(r.Header.Get("Accept-Encoding"))
	out, err := Compress(enc, body)
	if err != nil {
		out, enc = body, ""
	}
	if enc != "" {
		h.Set("Content-Encoding", enc)
	} else {
		h.Del("Content-Encoding")
	}
	h.Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return 0, nil
	}
	n, err := w.Write(out)
	return int64(n), err
}
