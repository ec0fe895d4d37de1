package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fwdcast/fwdcast/logging"
	"github.com/fwdcast/fwdcast/protocol"
)

const zipName = "__download__.zip"

var errOutsideBase = errors.New("path escapes share base")

// serveRequest services one forwarded viewer request end to end: it emits a
// response frame, zero or more data frames, and an end frame for req.ID.
func (a *Agent) serveRequest(ctx context.Context, req *protocol.Request) {
	started := time.Now()
	logger := a.log.WithTraceID(req.ID).WithFields(logging.Fields{
		"method": req.Method,
		"path":   req.Path,
	})

	rel, err := normalizePath(req.Path)
	if err != nil {
		logger.WithError(err).Warn("origin", "serve", "Unparseable request path")
		a.sendError(req.ID, 404, "Not Found")
		a.recordTransfer(req.Method, req.Path, 404, 0, started)
		return
	}

	// The relay owns password auth; this path has no meaning here.
	if rel == "__auth__" || strings.HasPrefix(rel, "__auth__/") {
		a.sendError(req.ID, 404, "Not Found")
		a.recordTransfer(req.Method, req.Path, 404, 0, started)
		return
	}

	if rel == zipName || strings.HasSuffix(rel, "/"+zipName) {
		subtree := strings.TrimSuffix(strings.TrimSuffix(rel, zipName), "/")
		status, bytes := a.serveZip(ctx, req, subtree, logger)
		a.recordTransfer(req.Method, req.Path, status, bytes, started)
		return
	}

	abs, err := a.resolve(rel)
	if err != nil {
		logger.Warn("origin", "serve", "Path traversal rejected")
		a.sendError(req.ID, 403, "Forbidden")
		a.recordTransfer(req.Method, req.Path, 403, 0, started)
		return
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			a.sendError(req.ID, 404, "Not Found")
			a.recordTransfer(req.Method, req.Path, 404, 0, started)
			return
		}
		logger.WithError(err).Error("origin", "serve", "Stat failed")
		a.sendError(req.ID, 500, "Internal Server Error")
		a.recordTransfer(req.Method, req.Path, 500, 0, started)
		return
	}

	var status int
	var bytes int64
	if info.IsDir() {
		status, bytes = a.serveListing(ctx, req, rel, logger)
	} else {
		status, bytes = a.serveFile(ctx, req, abs, info.Size(), logger)
	}
	a.recordTransfer(req.Method, req.Path, status, bytes, started)
}

// normalizePath URI-decodes a request path and strips surrounding slashes,
// yielding a slash-separated path relative to the share base ("" is the base
// itself).
func normalizePath(p string) (string, error) {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", fmt.Errorf("unescape path: %w", err)
	}
	return strings.Trim(decoded, "/"), nil
}

// resolve joins rel against the share base and rejects any result outside it.
// This is the sole traversal defense, so everything funnels through here.
func (a *Agent) resolve(rel string) (string, error) {
	abs := filepath.Join(a.baseDir, filepath.FromSlash(rel))
	within, err := filepath.Rel(a.baseDir, abs)
	if err != nil {
		return "", errOutsideBase
	}
	if within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", errOutsideBase
	}
	return abs, nil
}

// serveFile streams one regular file as response + data* + end frames.
func (a *Agent) serveFile(ctx context.Context, req *protocol.Request, abs string, size int64, logger logging.Logger) (int, int64) {
	contentType := mime.TypeByExtension(filepath.Ext(abs))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	headers := map[string]string{
		"Content-Type":   contentType,
		"Content-Length": strconv.FormatInt(size, 10),
	}

	if req.Method == "HEAD" {
		if err := a.sendResponse(req.ID, 200, headers); err != nil {
			return 200, 0
		}
		a.sendEnd(req.ID)
		return 200, 0
	}

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			a.sendError(req.ID, 404, "Not Found")
			return 404, 0
		}
		logger.WithError(err).Error("origin", "serve", "Open failed")
		a.sendError(req.ID, 500, "Internal Server Error")
		return 500, 0
	}
	defer f.Close()

	if err := a.sendResponse(req.ID, 200, headers); err != nil {
		return 200, 0
	}

	sent, err := a.streamBody(ctx, req.ID, f)
	if err != nil {
		logger.WithError(err).Warn("origin", "serve", "Stream interrupted")
	}
	a.sendEnd(req.ID)

	logger.WithFields(logging.Fields{"bytes": sent}).Info("origin", "serve", "File served")
	return 200, sent
}

// serveListing renders the directory page and sends it as a single-shot body.
func (a *Agent) serveListing(ctx context.Context, req *protocol.Request, relDir string, logger logging.Logger) (int, int64) {
	entries, err := a.scanner.List(relDir)
	if err != nil {
		logger.WithError(err).Error("origin", "serve", "Directory scan failed")
		a.sendError(req.ID, 500, "Internal Server Error")
		return 500, 0
	}

	page, err := a.listing.Render(entries, relDir, a.SessionID())
	if err != nil {
		logger.WithError(err).Error("origin", "serve", "Listing render failed")
		a.sendError(req.ID, 500, "Internal Server Error")
		return 500, 0
	}

	headers := map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(page)),
	}

	if err := a.sendResponse(req.ID, 200, headers); err != nil {
		return 200, 0
	}
	if req.Method == "HEAD" {
		a.sendEnd(req.ID)
		return 200, 0
	}

	sent, err := a.streamBody(ctx, req.ID, strings.NewReader(string(page)))
	if err != nil {
		logger.WithError(err).Warn("origin", "serve", "Stream interrupted")
	}
	a.sendEnd(req.ID)
	return 200, sent
}

// serveZip streams a ZIP of the requested subtree. Length is unknown up
// front, so no Content-Length is sent.
func (a *Agent) serveZip(ctx context.Context, req *protocol.Request, subtree string, logger logging.Logger) (int, int64) {
	abs, err := a.resolve(subtree)
	if err != nil {
		logger.Warn("origin", "serve", "Path traversal rejected")
		a.sendError(req.ID, 403, "Forbidden")
		return 403, 0
	}

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		a.sendError(req.ID, 404, "Not Found")
		return 404, 0
	}

	name := "share.zip"
	if subtree != "" {
		name = filepath.Base(subtree) + ".zip"
	}
	headers := map[string]string{
		"Content-Type":        "application/zip",
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
	}

	if err := a.sendResponse(req.ID, 200, headers); err != nil {
		return 200, 0
	}
	if req.Method == "HEAD" {
		a.sendEnd(req.ID)
		return 200, 0
	}

	body := zipStream(a.scanner, a.baseDir, subtree)
	defer body.Close()

	sent, err := a.streamBody(ctx, req.ID, body)
	if err != nil {
		logger.WithError(err).Warn("origin", "serve", "ZIP stream interrupted")
	}
	a.sendEnd(req.ID)

	logger.WithFields(logging.Fields{"bytes": sent}).Info("origin", "serve", "ZIP served")
	return 200, sent
}

// streamBody copies r to the tunnel in bounded chunks, one data frame each.
func (a *Agent) streamBody(ctx context.Context, reqID string, r io.Reader) (int64, error) {
	buf := make([]byte, protocol.MaxChunkSize)
	var sent int64

	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := a.sendData(reqID, buf[:n]); sendErr != nil {
				return sent, sendErr
			}
			sent += int64(n)
		}
		if err == io.EOF {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
	}
}

func (a *Agent) writeFrame(msg protocol.Message) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return ErrNotActive
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(protocol.TextFrame, data)
}

func (a *Agent) sendResponse(reqID string, status int, headers map[string]string) error {
	if headers == nil {
		headers = map[string]string{}
	}
	return a.writeFrame(protocol.NewResponse(reqID, status, headers))
}

func (a *Agent) sendData(reqID string, chunk []byte) error {
	return a.writeFrame(protocol.NewData(reqID, protocol.EncodeChunk(chunk)))
}

func (a *Agent) sendEnd(reqID string) {
	if err := a.writeFrame(protocol.NewEnd(reqID)); err != nil {
		a.log.WithTraceID(reqID).WithError(err).Debug("origin", "serve", "End frame not delivered")
	}
}

// sendError emits a minimal HTML error body as a complete framed response.
func (a *Agent) sendError(reqID string, status int, message string) {
	body := fmt.Sprintf("<!DOCTYPE html><html><body><h1>%d %s</h1></body></html>", status, message)
	headers := map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(body)),
	}
	if err := a.sendResponse(reqID, status, headers); err != nil {
		return
	}
	if err := a.sendData(reqID, []byte(body)); err == nil {
		a.sendEnd(reqID)
		return
	}
	a.sendEnd(reqID)
}
