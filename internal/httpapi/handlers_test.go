package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ragvault/internal/completion"
	"ragvault/internal/config"
	"ragvault/internal/embedding"
	"ragvault/internal/keyvault"
	"ragvault/internal/query"
	"ragvault/internal/repository"
	"ragvault/internal/scheduler"
	"ragvault/internal/vectorstore"
)

type fakeRepo struct {
	mu   sync.Mutex
	docs map[string]repository.Document
}

func newFakeRepo(docs ...repository.Document) *fakeRepo {
	r := &fakeRepo{docs: make(map[string]repository.Document)}
	for _, d := range docs {
		r.docs[d.OrgID+"/"+d.ID] = d
	}
	return r
}

func (r *fakeRepo) BeginProcessing(_ context.Context, orgID, documentID string, force bool) (repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[orgID+"/"+documentID]
	if !ok {
		return repository.Document{}, repository.ErrDocumentNotFound
	}
	if doc.Status == repository.StatusProcessing || (doc.Status == repository.StatusReady && !force) {
		return doc, repository.ErrAlreadyRunning
	}
	doc.Status = repository.StatusProcessing
	r.docs[orgID+"/"+documentID] = doc
	return doc, nil
}

func (r *fakeRepo) SetStatus(_ context.Context, orgID, documentID string, status repository.Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := orgID + "/" + documentID
	doc, ok := r.docs[key]
	if !ok {
		return repository.ErrDocumentNotFound
	}
	doc.Status = status
	doc.ErrorMessage = errMsg
	r.docs[key] = doc
	return nil
}

func (r *fakeRepo) GetDocument(_ context.Context, orgID, documentID string) (repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[orgID+"/"+documentID]
	if !ok {
		return repository.Document{}, repository.ErrDocumentNotFound
	}
	return doc, nil
}

func (r *fakeRepo) status(orgID, documentID string) repository.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.docs[orgID+"/"+documentID].Status
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []scheduler.Job
	err  error
}

func (f *fakeScheduler) Submit(_ context.Context, job scheduler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) Ping(_ context.Context) error { return f.err }

type fakeKeyStore struct{ rows map[string][]byte }

func newFakeKeyStore() *fakeKeyStore { return &fakeKeyStore{rows: make(map[string][]byte)} }

func (s *fakeKeyStore) GetWrappedDEK(_ context.Context, orgID string) ([]byte, int, error) {
	w, ok := s.rows[orgID]
	if !ok {
		return nil, 0, keyvault.ErrKeyNotFound
	}
	return w, 1, nil
}

func (s *fakeKeyStore) PutWrappedDEK(_ context.Context, orgID string, wrapped []byte, _ int) error {
	s.rows[orgID] = wrapped
	return nil
}

type fakeEmbedProvider struct{ dim int }

func (f *fakeEmbedProvider) Name() string    { return "fake" }
func (f *fakeEmbedProvider) Dimensions() int { return f.dim }
func (f *fakeEmbedProvider) EmbedBatch(_ context.Context, texts []string, _ embedding.Kind) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func newTestQueryPipeline(t *testing.T) *query.Pipeline {
	t.Helper()
	vault, err := keyvault.New(make([]byte, 32), newFakeKeyStore())
	require.NoError(t, err)
	emb := embedding.New(&fakeEmbedProvider{dim: 4}, config.EmbeddingConfig{BatchSize: 10})
	vectors := vectorstore.NewMemory(4)
	comp := completion.New(nil, 0, 0)
	return query.New(vault, emb, vectors, comp, nil)
}

func TestHandleIndexAcceptsAndEnqueues(t *testing.T) {
	repo := newFakeRepo(repository.Document{ID: "doc-1", OrgID: "org-a", Status: repository.StatusPending})
	sched := &fakeScheduler{}
	srv := NewServer(repo, sched, newTestQueryPipeline(t), fakeHealth{}, ProviderInfo{}, "test")

	body, _ := json.Marshal(indexRequest{OrgID: "org-a", DocumentID: "doc-1"})
	req := httptest.NewRequest(http.MethodPost, "/rag/index", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, repository.StatusProcessing, repo.status("org-a", "doc-1"))
	require.Len(t, sched.jobs, 1)
}

func TestHandleIndexUnknownDocumentReturns404(t *testing.T) {
	repo := newFakeRepo()
	srv := NewServer(repo, &fakeScheduler{}, newTestQueryPipeline(t), fakeHealth{}, ProviderInfo{}, "test")

	body, _ := json.Marshal(indexRequest{OrgID: "org-a", DocumentID: "missing"})
	req := httptest.NewRequest(http.MethodPost, "/rag/index", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleIndexAlreadyRunningReturns409(t *testing.T) {
	repo := newFakeRepo(repository.Document{ID: "doc-1", OrgID: "org-a", Status: repository.StatusProcessing})
	srv := NewServer(repo, &fakeScheduler{}, newTestQueryPipeline(t), fakeHealth{}, ProviderInfo{}, "test")

	body, _ := json.Marshal(indexRequest{OrgID: "org-a", DocumentID: "doc-1"})
	req := httptest.NewRequest(http.MethodPost, "/rag/index", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleIndexQueueFullReturns429AndRollsBackStatus(t *testing.T) {
	repo := newFakeRepo(repository.Document{ID: "doc-1", OrgID: "org-a", Status: repository.StatusPending})
	sched := &fakeScheduler{err: scheduler.ErrBusy}
	srv := NewServer(repo, sched, newTestQueryPipeline(t), fakeHealth{}, ProviderInfo{}, "test")

	body, _ := json.Marshal(indexRequest{OrgID: "org-a", DocumentID: "doc-1"})
	req := httptest.NewRequest(http.MethodPost, "/rag/index", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, repository.StatusPending, repo.status("org-a", "doc-1"))
}

func TestHandleIndexMalformedBodyReturns400(t *testing.T) {
	repo := newFakeRepo()
	srv := NewServer(repo, &fakeScheduler{}, newTestQueryPipeline(t), fakeHealth{}, ProviderInfo{}, "test")

	req := httptest.NewRequest(http.MethodPost, "/rag/index", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAskStreamsSSEForEmptyOrg(t *testing.T) {
	repo := newFakeRepo()
	srv := NewServer(repo, &fakeScheduler{}, newTestQueryPipeline(t), fakeHealth{}, ProviderInfo{}, "test")

	body, _ := json.Marshal(askRequest{OrgID: "org-a", Message: "anything"})
	req := httptest.NewRequest(http.MethodPost, "/rag/ask", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), `"type":"start"`)
	require.Contains(t, rec.Body.String(), `"type":"done"`)
}

func TestHandleHealthReportsDatabaseStatus(t *testing.T) {
	repo := newFakeRepo()
	srv := NewServer(repo, &fakeScheduler{}, newTestQueryPipeline(t), fakeHealth{}, ProviderInfo{Embedding: "openai", Completion: "anthropic", VectorDB: "pgvector"}, "v1.2.3")

	req := httptest.NewRequest(http.MethodGet, "/rag/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, "v1.2.3", payload["version"])
}
