// Package detection orchestrates the end-to-end analyze flow: resolve the
// audio source, classify it, time the call, persist the outcome, and guard
// every later read or delete with an ownership check.
package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/echotruth/echotruth/internal/ingest"
	"github.com/echotruth/echotruth/internal/model"
	"github.com/echotruth/echotruth/internal/storage"
	"github.com/echotruth/echotruth/pkg/logger"
)

// Store is the ownership-scoped persistence contract for detections.
type Store interface {
	SaveDetection(d *model.Detection) error
	GetDetectionByID(id string) (*model.Detection, error)
	ListDetectionsByOwner(ownerID string, page, size int) ([]model.Detection, int64, error)
	DeleteDetectionByID(id string) error
}

// Analyzer classifies a local audio file. Implementations must always
// produce a result for remote failures; the returned error covers local file
// access only.
type Analyzer interface {
	Analyze(ctx context.Context, path, fileName, languageHint string) (*model.AnalysisResult, error)
	CheckHealth(ctx context.Context) bool
}

// Resolver normalizes the accepted audio sources into temp-file resources.
type Resolver interface {
	FromUpload(ctx context.Context, data []byte, filename string) (*ingest.Resource, error)
	FromURL(ctx context.Context, rawURL string) (*ingest.Resource, error)
	FromBase64(ctx context.Context, encoded, filename string) (*ingest.Resource, error)
}

type Service struct {
	store    Store
	analyzer Analyzer
	resolver Resolver
	log      *logger.Logger
}

func NewService(store Store, analyzer Analyzer, resolver Resolver) *Service {
	return &Service{
		store:    store,
		analyzer: analyzer,
		resolver: resolver,
		log:      logger.GetLogger(),
	}
}

// Page is one slice of an owner's detection history, newest first.
type Page struct {
	Items      []model.Detection `json:"items"`
	Page       int               `json:"page"`
	Size       int               `json:"size"`
	TotalItems int64             `json:"total_items"`
	TotalPages int               `json:"total_pages"`
}

// AnalyzeUpload runs the full flow for raw uploaded bytes. A principal is
// required.
func (s *Service) AnalyzeUpload(ctx context.Context, principal *model.Principal, data []byte, filename, languageHint string) (*model.Detection, error) {
	if principal == nil {
		return nil, ErrUnauthenticated
	}
	s.log.Infof("Starting voice analysis for user %s, file %s", principal.DisplayName, filename)

	res, err := s.resolver.FromUpload(ctx, data, filename)
	if err != nil {
		return nil, ingestError(err)
	}
	defer res.Close()

	return s.runAnalysis(ctx, principal, res, languageHint)
}

// AnalyzeURL downloads and analyzes a remote sample. A principal is
// required. Share-link rewriting happens inside the resolver.
func (s *Service) AnalyzeURL(ctx context.Context, principal *model.Principal, rawURL, languageHint string) (*model.Detection, error) {
	if principal == nil {
		return nil, ErrUnauthenticated
	}
	s.log.Infof("Starting voice analysis for user %s from URL %s", principal.DisplayName, rawURL)

	res, err := s.resolver.FromURL(ctx, rawURL)
	if err != nil {
		return nil, ingestError(err)
	}
	defer res.Close()

	return s.runAnalysis(ctx, principal, res, languageHint)
}

// AnalyzeEncoded handles inline base64 payloads. The principal may be nil
// (API-client traffic); the record is persisted either way, just without an
// owner.
func (s *Service) AnalyzeEncoded(ctx context.Context, principal *model.Principal, encoded, filename, languageHint string) (*model.Detection, error) {
	caller := "api-client"
	if principal != nil {
		caller = principal.DisplayName
	}
	s.log.Infof("Starting voice analysis for %s, inline payload %s", caller, filename)

	res, err := s.resolver.FromBase64(ctx, encoded, filename)
	if err != nil {
		return nil, ingestError(err)
	}
	defer res.Close()

	return s.runAnalysis(ctx, principal, res, languageHint)
}

// runAnalysis is the shared tail of every analyze operation: classify, time,
// build the immutable record, persist. The analyzer's fallback guarantee
// means this never fails for remote reasons.
func (s *Service) runAnalysis(ctx context.Context, principal *model.Principal, res *ingest.Resource, languageHint string) (*model.Detection, error) {
	start := time.Now()

	result, err := s.analyzer.Analyze(ctx, res.Path, res.OriginalName, languageHint)
	if err != nil {
		return nil, fmt.Errorf("%w: analyzing audio: %v", ErrInternal, err)
	}

	d := &model.Detection{
		ID:               uuid.NewString(),
		AudioFileName:    res.OriginalName,
		AudioSource:      res.Source,
		Classification:   result.Classification,
		Confidence:       result.Confidence,
		Language:         result.Language,
		Explanation:      result.Explanation,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	if principal != nil {
		d.OwnerID = principal.ID
	}

	if err := s.store.SaveDetection(d); err != nil {
		return nil, fmt.Errorf("%w: saving detection: %v", ErrInternal, err)
	}

	s.log.Infof("Voice analysis completed, id=%s classification=%s confidence=%.2f in %dms",
		d.ID, d.Classification, d.Confidence, d.ProcessingTimeMs)
	return d, nil
}

// Get returns one detection after an ownership check.
func (s *Service) Get(ctx context.Context, principal *model.Principal, id string) (*model.Detection, error) {
	if principal == nil {
		return nil, ErrUnauthenticated
	}
	d, err := s.fetchOwned(principal, id)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Delete hard-deletes one detection after the same ownership check Get
// applies. Deleting an already-deleted id reports ErrNotFound again.
func (s *Service) Delete(ctx context.Context, principal *model.Principal, id string) error {
	if principal == nil {
		return ErrUnauthenticated
	}
	d, err := s.fetchOwned(principal, id)
	if err != nil {
		return err
	}

	if err := s.store.DeleteDetectionByID(d.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: deleting detection: %v", ErrInternal, err)
	}

	s.log.Infof("Deleted detection %s for %s", d.ID, principal.DisplayName)
	return nil
}

// History returns one zero-based page of the caller's own records, newest
// first. Ownerless records never show up here.
func (s *Service) History(ctx context.Context, principal *model.Principal, page, size int) (*Page, error) {
	if principal == nil {
		return nil, ErrUnauthenticated
	}
	if page < 0 || size < 1 {
		return nil, fmt.Errorf("%w: page must be >= 0 and size >= 1", ErrInvalidInput)
	}

	items, total, err := s.store.ListDetectionsByOwner(principal.ID, page, size)
	if err != nil {
		return nil, fmt.Errorf("%w: listing history: %v", ErrInternal, err)
	}

	totalPages := int((total + int64(size) - 1) / int64(size))
	return &Page{
		Items:      items,
		Page:       page,
		Size:       size,
		TotalItems: total,
		TotalPages: totalPages,
	}, nil
}

// fetchOwned loads a detection and enforces the access policy: owners reach
// their own records; ownerless records are reachable only by API-client
// principals. Ownership is write-once, so the read-then-compare here has no
// race window.
func (s *Service) fetchOwned(principal *model.Principal, id string) (*model.Detection, error) {
	d, err := s.store.GetDetectionByID(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: loading detection: %v", ErrInternal, err)
	}

	if d.OwnerID == "" {
		if !principal.HasRole(model.RoleAPIClient) {
			return nil, ErrForbidden
		}
		return d, nil
	}
	if d.OwnerID != principal.ID {
		return nil, ErrForbidden
	}
	return d, nil
}

// ingestError folds resolver failures into the taxonomy. Everything the
// resolver rejects is a client problem except plumbing faults, which stay
// internal.
func ingestError(err error) error {
	switch {
	case errors.Is(err, ingest.ErrEmptyPayload),
		errors.Is(err, ingest.ErrPayloadTooLarge),
		errors.Is(err, ingest.ErrInvalidEncoding),
		errors.Is(err, ingest.ErrInvalidURL),
		errors.Is(err, ingest.ErrDownloadFailed):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: resolving audio source: %v", ErrInternal, err)
	}
}
