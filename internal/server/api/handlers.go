package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/deploymenttheory/go-fwdl/internal/services"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// SessionHeader carries the upload session ID
const SessionHeader = "X-Upload-Session"

// DumpFlash handles GET /dumpflash
func (s *Server) DumpFlash(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, s.config.DumpFilename, 0, s.reader.Size())
}

// DumpFlashSecure handles GET /dumpflash_secure: the full flash with every
// region of the redaction mask blanked to 0xFF
func (s *Server) DumpFlashSecure(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, secureFilename(s.config.DumpFilename), 0, s.reader.Size(), services.WithMask(s.mask))
}

// DownloadDirect handles GET /downloaddirect?label=...
func (s *Server) DownloadDirect(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	if label == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing label parameter", services.ErrInvalidParameter))
		return
	}

	part, ok := s.dir.FindByLabel(label)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: %q", services.ErrPartitionNotFound, label))
		return
	}
	s.stream(w, r, part.Label+".bin", part.Address, part.Size)
}

// DownloadBoot handles GET /downloadboot
func (s *Server) DownloadBoot(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "bootloader.bin", s.config.BootloaderOffset, s.config.BootloaderSize)
}

// Activate handles GET /activate?label=...; without a label the alternate
// slot is activated
func (s *Server) Activate(w http.ResponseWriter, r *http.Request) {
	target, err := s.boot.ActivateLabel(r.URL.Query().Get("label"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, "Partition %s activated. Restarting...\n", target.Label)
}

// Clone handles GET /clone?label=...
func (s *Server) Clone(w http.ResponseWriter, r *http.Request) {
	result, err := s.cloner.CloneTo(r.Context(), r.URL.Query().Get("label"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, "Cloned %s to %s (%d bytes, blake3 %s). Next boot: %s\n",
		result.Source.Label, result.Target.Label, result.Bytes, result.Digest, result.Target.Label)
}

// Upload handles POST /upload. The body is multipart; the target label comes
// from the query or a "label" field sent before the "file" part.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", services.ErrInvalidParameter, err))
		return
	}

	label := r.URL.Query().Get("label")
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			s.writeError(w, r, fmt.Errorf("%w: no file part in upload", services.ErrInvalidParameter))
			return
		}
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", services.ErrInvalidParameter, err))
			return
		}

		switch part.FormName() {
		case "label":
			value, err := io.ReadAll(io.LimitReader(part, 64))
			if err != nil {
				s.writeError(w, r, fmt.Errorf("%w: %v", services.ErrInvalidParameter, err))
				return
			}
			if label == "" {
				label = string(value)
			}
		case "file":
			if label == "" {
				s.writeError(w, r, fmt.Errorf("%w: missing label", services.ErrInvalidParameter))
				return
			}
			s.receive(w, r, label, mr, part)
			return
		}
	}
}

// receive feeds the file part into an upload session chunk by chunk. A
// chunk is final only when the part ended at its boundary and the multipart
// body is well formed after it; a truncated body fails the session.
func (s *Server) receive(w http.ResponseWriter, r *http.Request, label string, mr *multipart.Reader, body io.Reader) {
	session := s.uploader.NewSession(label)
	w.Header().Set(SessionHeader, session.ID().String())

	br := bufio.NewReaderSize(body, s.config.ChunkSize)
	buf := make([]byte, s.config.ChunkSize)
	var offset uint32
	for {
		n, err := fill(br, buf)
		if err == nil {
			_, err = br.Peek(1)
		}
		final := false
		switch {
		case err == nil:
		case err == io.EOF:
			if err = closingBoundary(mr); err != nil {
				s.interrupted(w, r, session, offset+uint32(n), err)
				return
			}
			final = true
		default:
			s.interrupted(w, r, session, offset+uint32(n), err)
			return
		}

		if err := session.Push(offset, buf[:n], final); err != nil {
			s.writeError(w, r, err)
			return
		}
		offset += uint32(n)
		if final {
			break
		}
	}

	target := session.Target()
	s.logger.Info("upload complete",
		"request_id", middleware.GetReqID(r.Context()),
		"session", session.ID().String(),
		"label", target.Label,
		"bytes", session.BytesWritten(),
	)
	if target.Kind == types.KindApplication {
		writeText(w, "Update successful: %d bytes written to %s. Restarting...\n", session.BytesWritten(), target.Label)
		return
	}
	writeText(w, "Update successful: %d bytes written to %s.\n", session.BytesWritten(), target.Label)
}

// interrupted fails session after the upload body broke off
func (s *Server) interrupted(w http.ResponseWriter, r *http.Request, session *services.UploadSession, offset uint32, err error) {
	session.Abort(err)
	s.writeError(w, r, fmt.Errorf("%w: upload interrupted at offset %d: %v", services.ErrInvalidParameter, offset, err))
}

// fill reads into buf until it is full or r fails. Unlike io.ReadFull the
// reader's own error is returned unchanged, so io.EOF at a part boundary
// stays distinct from io.ErrUnexpectedEOF on a truncated body.
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// closingBoundary checks that the multipart body continues cleanly after
// the file part: either another part or the closing boundary.
func closingBoundary(mr *multipart.Reader) error {
	next, err := mr.NextPart()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	return next.Close()
}

// Partitions handles GET /partitions
func (s *Server) Partitions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.factory.PartitionMap()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"running":    s.dir.RunningApplicationPartition().Label,
		"partitions": infos,
		"count":      len(infos),
		"redaction":  s.mask.Regions(),
	})
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	status := s.watchdog.Status(StallThreshold)
	state := "ok"
	if status.Stalled {
		state = "stalled"
	}

	resp := map[string]interface{}{
		"status":   state,
		"watchdog": status,
		"running":  s.dir.RunningApplicationPartition().Label,
	}
	if session, ok := s.uploader.ActiveSession(); ok {
		resp["upload"] = map[string]interface{}{
			"session": session.ID().String(),
			"label":   session.Label(),
			"phase":   session.Phase().String(),
			"bytes":   session.BytesWritten(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// secureFilename derives the redacted dump name, fullclone.bin -> fullclone_secure.bin
func secureFilename(name string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + SecureSuffix + ext
}
