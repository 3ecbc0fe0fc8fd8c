package slip

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/slip-verifier/easyslip"
	"github.com/zombor/slip-verifier/internal/imaging"
)

// maxUploadSize bounds slip uploads; phone photos of slips stay well below it
const maxUploadSize = int64(20 << 20)

// corsError writes a plain text error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeVerifyError maps a failed verification to an HTTP response.
// Only failures of the verification service itself become 502.
func writeVerifyError(w http.ResponseWriter, err error) {
	var verifyErr *easyslip.VerificationError
	var decodeErr *easyslip.DecodeError
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrStorage):
		slog.Error("Error storing slip", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	case errors.As(err, &verifyErr):
		slog.Warn("Slip rejected by verification service", "status", verifyErr.Status, "error", err)
		code := http.StatusBadGateway
		if verifyErr.Status >= 400 && verifyErr.Status < 500 {
			code = verifyErr.Status
		}
		writeJSON(w, code, map[string]any{"error": verifyErr.Message, "status": verifyErr.Status})
	case errors.As(err, &decodeErr):
		slog.Error("Unexpected response from verification service", "field", decodeErr.Field, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "unexpected response from verification service"})
	default:
		slog.Error("Verification failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "verification service unavailable"})
	}
}

// handleListRecords returns all verification records
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListRecords()
	if err != nil {
		slog.Error("Error listing records", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

// handleVerifyImage verifies an uploaded slip image
func (s *Server) handleVerifyImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "File is too large. Maximum size is 20MB."
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errorMsg})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a slip image to upload."
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errorMsg})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Error reading file. Please try again."})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = imaging.ContentTypeFor(header.Filename)
	}

	record, err := s.service.VerifyImage(r.Context(), header.Filename, data, strings.ToLower(contentType))
	if err != nil {
		writeVerifyError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

// handleVerifyPayload verifies a slip by its QR payload
func (s *Server) handleVerifyPayload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := s.service.VerifyPayload(r.Context(), req.Payload)
	if err != nil {
		writeVerifyError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

// handleGetRecord returns a single record
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.GetRecord(r.PathValue("id"))
	if err != nil {
		corsError(w, "Slip not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// handleGetRecordFile returns the archived image of a record
func (s *Server) handleGetRecordFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetRecordFile(r.PathValue("id"))
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteRecord deletes a record and its image
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRecord(r.PathValue("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "Slip not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting record", "error", err)
		corsError(w, "Error deleting slip", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
