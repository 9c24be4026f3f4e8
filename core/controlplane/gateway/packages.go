package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/cordum/mpk/core/infra/logging"
	"github.com/cordum/mpk/core/infra/registry"
	"github.com/cordum/mpk/core/mpk/installer"
	"github.com/cordum/mpk/core/mpk/mpkerr"
)

// InstallResponse is returned by POST /api/v1/packages/install. Package is
// empty for asynchronous requests.
type InstallResponse struct {
	OperationID string                     `json:"operation_id"`
	Package     *registry.InstalledPackage `json:"package,omitempty"`
	Updated     bool                       `json:"updated"`
}

// ParseResponse is returned by POST /api/v1/packages/parse.
type ParseResponse struct {
	OperationID string                 `json:"operation_id"`
	Info        *installer.PackageInfo `json:"info"`
}

// VerifyResponse is returned by POST /api/v1/packages/{id}/verify.
type VerifyResponse struct {
	OperationID string `json:"operation_id"`
	ID          string `json:"id"`
	Digest      string `json:"digest"`
}

// UninstallResponse is returned by DELETE /api/v1/packages/{id}.
type UninstallResponse struct {
	OperationID string `json:"operation_id"`
	ID          string `json:"id"`
}

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.svc.ListInstalled(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pkgs})
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.svc.GetInstalled(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f := s.svc.UninstallPackage(r.Context(), id)
	if _, err := f.Wait(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UninstallResponse{OperationID: f.OperationID(), ID: id})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f := s.svc.VerifyPackage(r.Context(), id)
	digest, err := f.Wait(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{OperationID: f.OperationID(), ID: id, Digest: digest})
}

// handleInstall accepts a multipart upload with the archive in the
// "archive" field. update=true only installs newer versions; async=true
// answers 202 with the operation id and leaves the work running.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	path, ok := s.receiveArchive(w, r)
	if !ok {
		return
	}
	update := queryBool(r, "update")
	async := queryBool(r, "async")

	ctx := r.Context()
	if async {
		ctx = context.WithoutCancel(ctx)
	}
	var (
		opID string
		done <-chan struct{}
		wait func() (InstallResponse, error)
	)
	if update {
		f := s.svc.UpdatePackage(ctx, path)
		opID, done = f.OperationID(), f.Done()
		wait = func() (InstallResponse, error) {
			res, err := f.Wait(r.Context())
			return InstallResponse{OperationID: opID, Package: res.Package, Updated: res.Updated}, err
		}
	} else {
		f := s.svc.InstallPackage(ctx, path)
		opID, done = f.OperationID(), f.Done()
		wait = func() (InstallResponse, error) {
			pkg, err := f.Wait(r.Context())
			return InstallResponse{OperationID: opID, Package: pkg, Updated: pkg != nil}, err
		}
	}

	if async {
		go func() {
			<-done
			removeUpload(path)
		}()
		writeJSON(w, http.StatusAccepted, InstallResponse{OperationID: opID})
		return
	}
	defer removeUpload(path)
	resp, err := wait()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	path, ok := s.receiveArchive(w, r)
	if !ok {
		return
	}
	defer removeUpload(path)
	f := s.svc.ParsePackage(r.Context(), path)
	info, err := f.Wait(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ParseResponse{OperationID: f.OperationID(), Info: info})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.svc.Operations()})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.svc.Operation(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// receiveArchive spools the uploaded archive to a temp file. On failure the
// response has been written.
func (s *Server) receiveArchive(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "archive exceeds upload limit")
			return "", false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "multipart form required: "+err.Error())
		return "", false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	src, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "archive field required")
		return "", false
	}
	defer src.Close()

	dst, err := os.CreateTemp(s.uploadDir, "mpk-upload-*.mpk")
	if err != nil {
		logging.Error("gateway", "spool upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "io", "cannot store upload")
		return "", false
	}
	path := dst.Name()
	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		removeUpload(path)
		logging.Error("gateway", "spool upload failed", "error", errors.Join(copyErr, closeErr))
		writeError(w, http.StatusInternalServerError, "io", "cannot store upload")
		return "", false
	}
	return path, true
}

func removeUpload(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("gateway", "remove upload failed", "path", path, "error", err)
	}
}

func queryBool(r *http.Request, key string) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		raw = r.FormValue(key)
	}
	v, _ := strconv.ParseBool(raw)
	return v
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, installer.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	switch mpkerr.KindOf(err) {
	case mpkerr.ErrInvalidArchive, mpkerr.ErrManifestValidation, mpkerr.ErrPathTraversal, mpkerr.ErrInvalidVersion:
		return http.StatusBadRequest
	case mpkerr.ErrIntegrity:
		return http.StatusUnprocessableEntity
	case mpkerr.ErrConflict:
		return http.StatusConflict
	case mpkerr.ErrNotInstalled:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := mpkerr.Code(err)
	if errors.Is(err, installer.ErrClosed) {
		code = "unavailable"
	}
	writeError(w, statusFor(err), code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("gateway", "encode response failed", "error", err)
	}
}
