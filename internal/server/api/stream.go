package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/deploymenttheory/go-fwdl/internal/services"
)

// DigestTrailer carries the BLAKE3 digest of the unencoded stream
const DigestTrailer = "X-Content-Blake3"

const (
	encodingIdentity = ""
	encodingZstd     = "zstd"
	encodingLZ4      = "lz4"
)

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// encodingSuffix returns the file name suffix for encoding
func encodingSuffix(encoding string) (string, error) {
	switch encoding {
	case encodingIdentity:
		return "", nil
	case encodingZstd:
		return ".zst", nil
	case encodingLZ4:
		return ".lz4", nil
	default:
		return "", fmt.Errorf("%w: unsupported encoding %q", services.ErrInvalidParameter, encoding)
	}
}

// NewEncoder wraps w in the named stream encoding. Close flushes the encoder
// but never closes w.
func NewEncoder(encoding string, w io.Writer) (io.WriteCloser, error) {
	switch encoding {
	case encodingIdentity:
		return nopWriteCloser{w}, nil
	case encodingZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case encodingLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", services.ErrInvalidParameter, encoding)
	}
}

// stream sends [base, base+length) as an attachment. Once the headers are
// out a failed read can no longer change the status, so the connection is
// aborted and the client sees a truncated transfer.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, filename string, base, length uint32, opts ...services.StreamOption) {
	encoding := r.URL.Query().Get("encoding")
	suffix, err := encodingSuffix(encoding)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filename += suffix

	opts = append(opts,
		services.WithChunkSize(s.config.ChunkSize),
		services.WithYieldEvery(s.config.YieldEvery),
		services.WithWatchdog(s.watchdog),
		services.WithLogger(s.logger),
		services.WithName(filename),
	)
	streamer, err := services.NewStreamer(s.reader, base, length, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.Header().Set("Trailer", DigestTrailer)
	w.WriteHeader(http.StatusOK)

	enc, err := NewEncoder(encoding, w)
	if err != nil {
		s.abort(r, filename, err)
	}

	hasher := blake3.New()
	written, err := streamer.Copy(r.Context(), io.MultiWriter(hasher, enc))
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Info("client went away", "file", filename, "bytes", written)
			return
		}
		s.abort(r, filename, err)
	}

	w.Header().Set(DigestTrailer, hex.EncodeToString(hasher.Sum(nil)))
	s.logger.Info("stream complete",
		"request_id", middleware.GetReqID(r.Context()),
		"file", filename,
		"bytes", written,
		"redacted", streamer.Redacting(),
	)
}

func (s *Server) abort(r *http.Request, filename string, err error) {
	s.logger.Error("stream aborted",
		"request_id", middleware.GetReqID(r.Context()),
		"file", filename,
		"error", err,
	)
	panic(http.ErrAbortHandler)
}
