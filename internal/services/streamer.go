package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
)

const (
	// DefaultChunkSize bounds a single flash read when redacting
	DefaultChunkSize = 4096
	// DefaultYieldEvery is the chunk cadence of cooperative yields
	DefaultYieldEvery = 16
	// progressChunks is the number of chunks between progress log lines
	progressChunks = 10
)

// StreamOption configures a Streamer
type StreamOption func(*streamConfig)

type streamConfig struct {
	name       string
	chunkSize  uint32
	mask       *RedactionMask
	logger     *slog.Logger
	watchdog   interfaces.Watchdog
	yieldEvery int
}

// WithChunkSize sets the read size used when redacting and when copying
func WithChunkSize(size int) StreamOption {
	return func(c *streamConfig) {
		if size > 0 {
			c.chunkSize = uint32(size)
		}
	}
}

// WithMask enables redaction. The streamer keeps its own copy of mask.
func WithMask(mask *RedactionMask) StreamOption {
	return func(c *streamConfig) {
		if mask != nil {
			c.mask = mask.Clone()
		}
	}
}

// WithLogger sets the progress logger
func WithLogger(logger *slog.Logger) StreamOption {
	return func(c *streamConfig) {
		c.logger = logger
	}
}

// WithWatchdog sets the watchdog fed on every chunk
func WithWatchdog(w interfaces.Watchdog) StreamOption {
	return func(c *streamConfig) {
		c.watchdog = w
	}
}

// WithYieldEvery sets how many chunks Copy processes between yields
func WithYieldEvery(chunks int) StreamOption {
	return func(c *streamConfig) {
		if chunks > 0 {
			c.yieldEvery = chunks
		}
	}
}

// WithName labels log lines of the stream
func WithName(name string) StreamOption {
	return func(c *streamConfig) {
		c.name = name
	}
}

// Streamer pulls successive chunks of [base, base+length) from flash.
// Each Streamer owns its cursor and redaction mask; it is not safe for
// concurrent use, but any number of Streamers may run side by side.
type Streamer struct {
	reader interfaces.AddressSpaceReader
	base   uint32
	length uint32
	config streamConfig
	logger *slog.Logger

	scratch    []byte
	pos        uint32
	lastLogged uint32
	chunks     int
}

// NewStreamer creates a streamer over length bytes starting at base
func NewStreamer(reader interfaces.AddressSpaceReader, base, length uint32, opts ...StreamOption) (*Streamer, error) {
	cfg := streamConfig{
		name:       "stream",
		chunkSize:  DefaultChunkSize,
		yieldEvery: DefaultYieldEvery,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if uint64(base)+uint64(length) > uint64(reader.Size()) {
		return nil, fmt.Errorf("%w: range 0x%08X+0x%X exceeds the %d byte flash", ErrInvalidParameter, base, length, reader.Size())
	}

	return &Streamer{
		reader: reader,
		base:   base,
		length: length,
		config: cfg,
		logger: componentLogger(cfg.logger, "streamer").With("stream", cfg.name),
	}, nil
}

// Len returns the total stream length
func (s *Streamer) Len() uint32 {
	return s.length
}

// Remaining returns the bytes left for Read
func (s *Streamer) Remaining() uint32 {
	return s.length - s.pos
}

// Redacting reports whether a mask is applied
func (s *Streamer) Redacting() bool {
	return s.config.mask != nil
}

// Next returns up to maxLen bytes starting at stream index. The three
// outcomes are distinct: data is returned with a nil error, the end of the
// stream is (nil, io.EOF), and a failed flash read is (nil, *ReadError).
// The returned slice is only valid until the next call.
func (s *Streamer) Next(index, maxLen uint32) ([]byte, error) {
	if index >= s.length {
		return nil, io.EOF
	}
	if maxLen == 0 {
		maxLen = s.config.chunkSize
	}

	toRead := min(s.length-index, maxLen)
	if s.config.mask != nil {
		toRead = min(toRead, s.config.chunkSize)
	}

	buf := s.buffer(toRead)
	absolute := s.base + index
	if err := s.reader.Read(absolute, buf); err != nil {
		s.logger.Error("flash read failed", "address", fmt.Sprintf("0x%08X", absolute), "error", err)
		return nil, err
	}

	if s.config.mask != nil {
		s.config.mask.Apply(buf, absolute)
	}

	s.chunks++
	if index-s.lastLogged >= s.config.chunkSize*progressChunks {
		s.logger.Info("streamed", "bytes", index+toRead, "total", s.length)
		s.lastLogged = index
	}
	if s.config.watchdog != nil {
		s.config.watchdog.Feed()
	}
	return buf, nil
}

// Read implements io.Reader over the stream
func (s *Streamer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data, err := s.Next(s.pos, uint32(min(len(p), int(^uint32(0)>>1))))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	s.pos += uint32(n)
	return n, nil
}

// Copy streams the remaining bytes to w in chunk sized pieces, yielding to
// the scheduler and checking ctx every yieldEvery chunks.
func (s *Streamer) Copy(ctx context.Context, w io.Writer) (int64, error) {
	if wd, ok := s.config.watchdog.(*Watchdog); ok {
		wd.Enter()
		defer wd.Leave()
	}

	var written int64
	for {
		data, err := s.Next(s.pos, s.config.chunkSize)
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		n, err := w.Write(data)
		written += int64(n)
		s.pos += uint32(n)
		if err != nil {
			return written, fmt.Errorf("stream write at index %d: %w", s.pos, err)
		}

		if s.chunks%s.config.yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			runtime.Gosched()
		}
	}
}

func (s *Streamer) buffer(n uint32) []byte {
	if uint32(cap(s.scratch)) < n {
		s.scratch = make([]byte, n)
	}
	return s.scratch[:n]
}
