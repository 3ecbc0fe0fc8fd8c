package slip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/slip-verifier/easyslip"
	"github.com/zombor/slip-verifier/internal/imaging"
)

var (
	// ErrInvalidInput is returned for submissions rejected before contacting the verifier
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorage wraps failures of the local database or file archive
	ErrStorage = errors.New("storage failure")
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// Verifier checks slips against the remote verification service
type Verifier interface {
	VerifyByPayload(ctx context.Context, payload string) (*easyslip.VerificationResult, error)
	VerifyByImageReader(ctx context.Context, filename string, r io.Reader) (*easyslip.VerificationResult, error)
}

// IDGenerator generates unique IDs for records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service verifies slips and keeps a history of the results
type Service struct {
	db          DB
	verifier    Verifier
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with UUID record IDs and the wall clock
func NewService(db DB, verifier Verifier, storage Storage) *Service {
	return NewServiceWithDeps(db, verifier, storage, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, verifier Verifier, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		verifier:    verifier,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// sanitizeFilename strips special characters and long phone-generated names,
// and gives the result the extension matching contentType
func sanitizeFilename(filename, contentType string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "slip"
	}

	switch contentType {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		if e := strings.ToLower(ext); e != ".jpg" && e != ".jpeg" {
			ext = ".jpg"
		}
	}
	return base + ext
}

// VerifyPayload verifies a slip by its QR payload and records the result
func (s *Service) VerifyPayload(ctx context.Context, payload string) (*Record, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidInput)
	}

	result, err := s.verifier.VerifyByPayload(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("verifying payload: %w", err)
	}

	record := s.newRecord(s.idGenerator.Generate(), SourcePayload, result)
	if err := s.saveRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

// VerifyImage normalizes and archives a slip image, verifies it and records the result
func (s *Service) VerifyImage(ctx context.Context, filename string, data []byte, contentType string) (*Record, error) {
	prepared, preparedType, err := imaging.Prepare(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: preparing image: %w", ErrInvalidInput, err)
	}

	id := s.idGenerator.Generate()
	cleanFilename := sanitizeFilename(filename, preparedType)

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, cleanFilename), prepared)
	if err != nil {
		return nil, fmt.Errorf("%w: saving file: %w", ErrStorage, err)
	}

	result, err := s.verifier.VerifyByImageReader(ctx, cleanFilename, bytes.NewReader(prepared))
	if err != nil {
		s.deleteFile(savedPath)
		return nil, fmt.Errorf("verifying image %s (%s, %d bytes): %w", filename, preparedType, len(prepared), err)
	}

	record := s.newRecord(id, SourceImage, result)
	record.Filename = savedPath
	record.ContentType = preparedType

	if err := s.saveRecord(record); err != nil {
		s.deleteFile(savedPath)
		return nil, err
	}
	return record, nil
}

func (s *Service) newRecord(id string, source Source, result *easyslip.VerificationResult) *Record {
	return &Record{
		ID:        id,
		Source:    source,
		TransRef:  result.TransRef,
		Result:    result,
		CreatedAt: s.timeSource.Now(),
	}
}

// saveRecord persists the record; the database flags it as a duplicate when
// its transaction reference was seen before
func (s *Service) saveRecord(record *Record) error {
	if err := s.db.SaveRecord(record); err != nil {
		return fmt.Errorf("%w: saving record to database: %w", ErrStorage, err)
	}
	if record.Duplicate() {
		slog.Warn("Duplicate slip submitted",
			"trans_ref", record.TransRef,
			"id", record.ID,
			"duplicate_of", record.DuplicateOf,
		)
	}
	return nil
}

func (s *Service) deleteFile(name string) {
	if err := s.storage.Delete(name); err != nil {
		slog.Warn("Failed to delete file", "filename", name, "error", err)
	}
}

// GetRecord retrieves a record by ID
func (s *Service) GetRecord(id string) (*Record, error) {
	record, err := s.db.GetRecord(id)
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return record, nil
}

// ListRecords returns all records
func (s *Service) ListRecords() ([]*Record, error) {
	records, err := s.db.ListRecords()
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return records, nil
}

// DeleteRecord removes a record and its archived image
func (s *Service) DeleteRecord(id string) error {
	record, err := s.db.GetRecord(id)
	if err != nil {
		return fmt.Errorf("getting record for deletion: %w", err)
	}

	if record.Filename != "" {
		s.deleteFile(record.Filename)
	}

	if err := s.db.DeleteRecord(id); err != nil {
		return fmt.Errorf("deleting record from database: %w", err)
	}
	return nil
}

// GetRecordFile retrieves the archived image of a record
func (s *Service) GetRecordFile(id string) ([]byte, string, error) {
	record, err := s.db.GetRecord(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting record: %w", err)
	}
	if record.Filename == "" {
		return nil, "", fmt.Errorf("record %s has no image: %w", id, ErrNotFound)
	}

	data, err := s.storage.Get(record.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting record file: %w", err)
	}
	return data, record.ContentType, nil
}
