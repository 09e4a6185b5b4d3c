package detection

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/echotruth/echotruth/internal/analysis"
	"github.com/echotruth/echotruth/internal/ingest"
	"github.com/echotruth/echotruth/internal/model"
	"github.com/echotruth/echotruth/internal/storage"
)

// fakeAnalyzer counts calls and returns a fixed verdict without any network.
type fakeAnalyzer struct {
	calls  int
	result *model.AnalysisResult
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, path, fileName, languageHint string) (*model.AnalysisResult, error) {
	f.calls++
	if f.result != nil {
		return f.result, nil
	}
	return analysis.MockResult(), nil
}

func (f *fakeAnalyzer) CheckHealth(ctx context.Context) bool { return true }

func setupService(t *testing.T, maxBytes int64) (*Service, *storage.DBClient, *fakeAnalyzer) {
	t.Helper()

	store, err := storage.NewDBClientWithPath(filepath.Join(t.TempDir(), "detections.sqlite3"))
	if err != nil {
		t.Fatalf("Failed to create test DB client: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	analyzer := &fakeAnalyzer{}
	resolver := ingest.NewResolver(ingest.Config{
		TempDir:  t.TempDir(),
		MaxBytes: maxBytes,
	})
	return NewService(store, analyzer, resolver), store, analyzer
}

func userPrincipal(id, name string) *model.Principal {
	return &model.Principal{ID: id, DisplayName: name, Roles: []string{model.RoleUser}}
}

func TestAnalyzeUploadPersistsDetection(t *testing.T) {
	svc, _, analyzer := setupService(t, 0)
	alice := userPrincipal("user-alice", "alice")

	d, err := svc.AnalyzeUpload(context.Background(), alice, []byte("fake audio bytes"), "clip.wav", "")
	if err != nil {
		t.Fatalf("AnalyzeUpload failed: %v", err)
	}

	if d.ID == "" {
		t.Error("Expected a detection id")
	}
	if d.OwnerID != "user-alice" {
		t.Errorf("OwnerID = %q, want user-alice", d.OwnerID)
	}
	if !d.Classification.Valid() {
		t.Errorf("Invalid classification %q", d.Classification)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		t.Errorf("Confidence %v out of range", d.Confidence)
	}
	if analyzer.calls != 1 {
		t.Errorf("analyzer calls = %d, want 1", analyzer.calls)
	}

	// The persisted record must match what the caller was handed back.
	got, err := svc.Get(context.Background(), alice, d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Classification != d.Classification || got.AudioFileName != "clip.wav" {
		t.Errorf("Persisted record differs: %+v", got)
	}
}

func TestAnalyzeRequiresPrincipal(t *testing.T) {
	svc, _, _ := setupService(t, 0)
	ctx := context.Background()

	if _, err := svc.AnalyzeUpload(ctx, nil, []byte("x"), "a.wav", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("AnalyzeUpload: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := svc.AnalyzeURL(ctx, nil, "http://example.com/a.wav", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("AnalyzeURL: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := svc.History(ctx, nil, 0, 10); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("History: expected ErrUnauthenticated, got %v", err)
	}
}

func TestOversizedUploadNeverReachesAnalyzer(t *testing.T) {
	svc, store, analyzer := setupService(t, 16)
	alice := userPrincipal("user-alice", "alice")

	payload := make([]byte, 64)
	_, err := svc.AnalyzeUpload(context.Background(), alice, payload, "big.wav", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}
	if analyzer.calls != 0 {
		t.Errorf("analyzer calls = %d, want 0 for an oversized payload", analyzer.calls)
	}

	count, err := store.CountDetections()
	if err != nil {
		t.Fatalf("CountDetections failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no persisted detections after a rejected upload, got %d", count)
	}
}

func TestEmptyUploadRejected(t *testing.T) {
	svc, _, analyzer := setupService(t, 0)
	alice := userPrincipal("user-alice", "alice")

	if _, err := svc.AnalyzeUpload(context.Background(), alice, nil, "empty.wav", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}
	if analyzer.calls != 0 {
		t.Errorf("analyzer calls = %d, want 0", analyzer.calls)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	svc, _, _ := setupService(t, 0)
	ctx := context.Background()
	alice := userPrincipal("user-alice", "alice")
	bob := userPrincipal("user-bob", "bob")

	d, err := svc.AnalyzeUpload(ctx, alice, []byte("audio"), "clip.wav", "")
	if err != nil {
		t.Fatalf("AnalyzeUpload failed: %v", err)
	}

	if _, err := svc.Get(ctx, bob, d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Get as bob: expected ErrForbidden, got %v", err)
	}
	if err := svc.Delete(ctx, bob, d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Delete as bob: expected ErrForbidden, got %v", err)
	}

	// Bob must not have touched anything alice can still see.
	if _, err := svc.Get(ctx, alice, d.ID); err != nil {
		t.Errorf("Get as alice after bob's attempts failed: %v", err)
	}

	page, err := svc.History(ctx, bob, 0, 10)
	if err != nil {
		t.Fatalf("History as bob failed: %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("Bob's history has %d items, want 0", len(page.Items))
	}
}

func TestDeleteTwiceReportsNotFound(t *testing.T) {
	svc, _, _ := setupService(t, 0)
	ctx := context.Background()
	alice := userPrincipal("user-alice", "alice")

	d, err := svc.AnalyzeUpload(ctx, alice, []byte("audio"), "clip.wav", "")
	if err != nil {
		t.Fatalf("AnalyzeUpload failed: %v", err)
	}

	if err := svc.Delete(ctx, alice, d.ID); err != nil {
		t.Fatalf("First delete failed: %v", err)
	}
	if err := svc.Delete(ctx, alice, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Second delete: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, alice, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: expected ErrNotFound, got %v", err)
	}
}

func TestHistoryOrderingAndPaging(t *testing.T) {
	svc, store, _ := setupService(t, 0)
	ctx := context.Background()
	alice := userPrincipal("user-alice", "alice")

	base := time.Now().Add(-time.Hour)
	names := []string{"first.wav", "second.wav", "third.wav"}
	for i, name := range names {
		d := &model.Detection{
			OwnerID:        alice.ID,
			AudioFileName:  name,
			Classification: model.ClassificationHuman,
			Confidence:     0.85,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveDetection(d); err != nil {
			t.Fatalf("SaveDetection failed: %v", err)
		}
	}

	page, err := svc.History(ctx, alice, 0, 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if page.TotalItems != 3 || page.TotalPages != 2 {
		t.Errorf("TotalItems=%d TotalPages=%d, want 3 and 2", page.TotalItems, page.TotalPages)
	}
	if len(page.Items) != 2 {
		t.Fatalf("Page size = %d, want 2", len(page.Items))
	}
	if page.Items[0].AudioFileName != "third.wav" || page.Items[1].AudioFileName != "second.wav" {
		t.Errorf("Expected newest-first [third.wav second.wav], got [%s %s]",
			page.Items[0].AudioFileName, page.Items[1].AudioFileName)
	}

	if _, err := svc.History(ctx, alice, -1, 10); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Negative page: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.History(ctx, alice, 0, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Zero size: expected ErrInvalidInput, got %v", err)
	}
}

func TestAnonymousDetectionAccessPolicy(t *testing.T) {
	svc, _, _ := setupService(t, 0)
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString([]byte("inline audio"))
	d, err := svc.AnalyzeEncoded(ctx, nil, encoded, "api_upload.mp3", "")
	if err != nil {
		t.Fatalf("AnalyzeEncoded without principal failed: %v", err)
	}
	if d.OwnerID != "" {
		t.Fatalf("Anonymous detection has owner %q, want none", d.OwnerID)
	}

	// Only API-client principals may reach ownerless records.
	apiClient := &model.Principal{ID: "api-client", DisplayName: "api-client", Roles: []string{model.RoleAPIClient}}
	if _, err := svc.Get(ctx, apiClient, d.ID); err != nil {
		t.Errorf("Get as api-client failed: %v", err)
	}

	alice := userPrincipal("user-alice", "alice")
	if _, err := svc.Get(ctx, alice, d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Get as regular user: expected ErrForbidden, got %v", err)
	}

	// Ownerless records never surface in a user's history.
	page, err := svc.History(ctx, alice, 0, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("User history contains %d ownerless items, want 0", len(page.Items))
	}
}

func TestInvalidBase64Rejected(t *testing.T) {
	svc, _, analyzer := setupService(t, 0)

	_, err := svc.AnalyzeEncoded(context.Background(), nil, "not-valid-base64!!!", "a.mp3", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}
	if analyzer.calls != 0 {
		t.Errorf("analyzer calls = %d, want 0", analyzer.calls)
	}
}

func TestAnalyzeURLRejectsBadScheme(t *testing.T) {
	svc, _, _ := setupService(t, 0)
	alice := userPrincipal("user-alice", "alice")

	for _, raw := range []string{"ftp://example.com/a.wav", "file:///etc/passwd", "not a url"} {
		if _, err := svc.AnalyzeURL(context.Background(), alice, raw, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("AnalyzeURL(%q): expected ErrInvalidInput, got %v", raw, err)
		}
	}
}

// The end-to-end fallback guarantee: even with a completely unreachable
// analyzer service, an authenticated analyze request still succeeds and
// persists the deterministic mock verdict.
func TestAnalyzeSucceedsWithUnreachableAnalyzer(t *testing.T) {
	store, err := storage.NewDBClientWithPath(filepath.Join(t.TempDir(), "detections.sqlite3"))
	if err != nil {
		t.Fatalf("Failed to create test DB client: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	analyzer := analysis.NewClient(analysis.Config{
		BaseURL:       "http://127.0.0.1:1",
		HealthTimeout: 200 * time.Millisecond,
	})
	resolver := ingest.NewResolver(ingest.Config{TempDir: t.TempDir()})
	svc := NewService(store, analyzer, resolver)

	alice := userPrincipal("user-alice", "alice")
	d, err := svc.AnalyzeUpload(context.Background(), alice, []byte("audio"), "clip.wav", "")
	if err != nil {
		t.Fatalf("AnalyzeUpload with unreachable analyzer failed: %v", err)
	}
	if d.Classification != model.ClassificationHuman {
		t.Errorf("Classification = %q, want HUMAN fallback", d.Classification)
	}
	if d.Confidence != analysis.MockConfidence {
		t.Errorf("Confidence = %v, want %v", d.Confidence, analysis.MockConfidence)
	}
	if d.ProcessingTimeMs < 0 {
		t.Errorf("ProcessingTimeMs = %d, want >= 0", d.ProcessingTimeMs)
	}
}
