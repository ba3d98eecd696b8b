package api

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/fileops"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/pathguard"
)

// maxMarkdownSize bounds files rendered with ?render=markdown.
const maxMarkdownSize = 8 << 20

// ─── Upload ─────────────────────────────────────────────────────────────────

// handleUpload streams each multipart file into the incoming directory and
// then moves it to its destination under ?to. With ?r=true an existing
// destination is kept and the upload gets the next free name.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	home := s.engine.Home(sess)
	log := logging.WithContext(r.Context())

	q := r.URL.Query()
	to := q.Get("to")
	if to == "" {
		to = "/"
	}
	if !pathguard.IsSane(to) {
		s.sendError(w, http.StatusBadRequest, "invalid destination")
		return
	}
	vID, _ := strconv.Atoi(q.Get("vId"))
	autoRename := q.Get("r") == "true"

	if s.cfg.MaxFileSize > 0 {
		if r.ContentLength > s.cfg.MaxFileSize {
			metrics.RecordUpload(0, false)
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", s.cfg.MaxFileSize))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "expected multipart body")
		return
	}
	if err := os.MkdirAll(s.cfg.IncomingDir, 0755); err != nil {
		log.Error("create incoming dir failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	var uploaded int
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.uploadError(w, err)
			return
		}
		name := partFilename(part.Header.Get("Content-Disposition"))
		if name == "" {
			part.Close()
			continue
		}

		dst, err := pathguard.Resolve(home, path.Join(to, name))
		if err != nil {
			part.Close()
			log.Info("invalid upload path", zap.String("name", name), zap.Error(err))
			continue
		}

		n, err := s.receive(part, dst, autoRename)
		part.Close()
		metrics.RecordUpload(n, err == nil)
		if err != nil {
			s.uploadError(w, err)
			return
		}
		uploaded++
		log.Info("upload received", zap.String("path", pathguard.RemoveFilePath(home, dst)), zap.Int64("bytes", n))
	}

	if sess != nil {
		s.engine.UploadDone(sess.Token, vID)
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"files": uploaded})
}

// receive writes one part to a temp file and moves it into place.
func (s *Server) receive(part io.Reader, dst string, autoRename bool) (int64, error) {
	tmp, err := os.CreateTemp(s.cfg.IncomingDir, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, part)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return n, err
	}
	if _, err := fileops.MoveIn(tmpName, dst, autoRename); err != nil {
		os.Remove(tmpName)
		return n, err
	}
	return n, nil
}

func (s *Server) uploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", tooLarge.Limit))
		return
	}
	logging.Warn("upload failed", zap.Error(err))
	s.sendError(w, apperr.HTTPStatus(err), "upload failed")
}

// partFilename returns the raw filename parameter of a part. Unlike
// Part.FileName it keeps directory components, which folder uploads use.
func partFilename(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(params["filename"], "\\", "/")
}

// ─── Download ───────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	abs, ok := s.resolveRequest(w, r)
	if !ok {
		return
	}
	s.serveFile(w, r, abs, true)
}

func (s *Server) handleInline(w http.ResponseWriter, r *http.Request) {
	abs, ok := s.resolveRequest(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("render") == "markdown" {
		s.serveMarkdown(w, r, abs)
		return
	}
	s.serveFile(w, r, abs, false)
}

func (s *Server) handleShortlink(w http.ResponseWriter, r *http.Request) {
	abs, err := s.links.Lookup(r.PathValue("token"))
	if err != nil {
		s.sendError(w, http.StatusNotFound, "link not found")
		return
	}
	s.serveFile(w, r, abs, true)
}

func (s *Server) resolveRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	home := s.engine.Home(auth.FromContext(r.Context()))
	abs, err := pathguard.Resolve(home, "/"+r.PathValue("path"))
	if err != nil {
		s.sendError(w, apperr.HTTPStatus(err), "invalid path")
		return "", false
	}
	return abs, true
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, abs string, attachment bool) {
	f, err := os.Open(abs)
	if err != nil {
		s.sendError(w, apperr.HTTPStatus(err), "file not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.sendError(w, apperr.HTTPStatus(err), "file not found")
		return
	}
	if info.IsDir() {
		s.sendError(w, http.StatusBadRequest, "cannot download a directory")
		return
	}

	name := filepath.Base(abs)
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		if m, err := mimetype.DetectReader(f); err == nil {
			ctype = m.String()
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			s.sendError(w, http.StatusInternalServerError, "read failed")
			return
		}
	}
	if ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}

	disposition := "inline"
	if attachment {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": name}))

	http.ServeContent(w, r, name, info.ModTime(), f)
	metrics.RecordDownload(info.Size())
}

func (s *Server) serveMarkdown(w http.ResponseWriter, r *http.Request, abs string) {
	f, err := os.Open(abs)
	if err != nil {
		s.sendError(w, apperr.HTTPStatus(err), "file not found")
		return
	}
	defer f.Close()

	src, err := io.ReadAll(io.LimitReader(f, maxMarkdownSize+1))
	if err != nil {
		s.sendError(w, apperr.HTTPStatus(err), "read failed")
		return
	}
	if len(src) > maxMarkdownSize {
		s.sendError(w, http.StatusRequestEntityTooLarge, "file too large to render")
		return
	}

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	buf.WriteString(html.EscapeString(filepath.Base(abs)))
	buf.WriteString("</title></head><body>\n")
	if err := s.markdown.Convert(src, &buf); err != nil {
		s.sendError(w, http.StatusInternalServerError, "render failed")
		return
	}
	buf.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
