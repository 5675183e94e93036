package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/helmstream/helmstream/internal/content"
	"github.com/helmstream/helmstream/internal/engine"
	"github.com/helmstream/helmstream/internal/filter"
	"github.com/helmstream/helmstream/internal/ingest"
	"github.com/helmstream/helmstream/internal/pipeline"
	"github.com/helmstream/helmstream/internal/retrieval"
	"github.com/helmstream/helmstream/internal/storage"
)

const testToken = "test-token-12345"

type stubEmbedder struct {
	vec []float32
	err error
}

func (s stubEmbedder) Embed(context.Context, string) ([]float32, error) { return s.vec, s.err }

type stubGenerator struct {
	err error
}

func (s stubGenerator) Generate(_ context.Context, prompt string, _ int) (engine.Generation, error) {
	if s.err != nil {
		return engine.Generation{}, s.err
	}
	return engine.Generation{Text: "Dry dock 2 is booked.", Usage: engine.Usage{InputTokens: 50, OutputTokens: 6}}, nil
}

type testServer struct {
	handler http.Handler
	store   *storage.Store
	records *retrieval.SQLiteStore
}

func setupServer(t *testing.T, token string, embedErr, genErr error) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	contents := content.NewStore(store.DB())
	records := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(records, 0)

	deps := pipeline.Deps{
		Embedder:  stubEmbedder{vec: []float32{1, 0}, err: embedErr},
		Searcher:  retriever,
		Fetcher:   contents,
		Generator: stubGenerator{err: genErr},
		Log:       store,
	}
	emailDeps := deps
	emailDeps.Extractor = filter.NewExtractor(filter.ShipyardVocabulary())

	handler := NewHandler(Deps{
		Documents:     pipeline.New(deps, pipeline.Config{Kind: retrieval.KindDocument}),
		Emails:        pipeline.New(emailDeps, pipeline.Config{Kind: retrieval.KindEmail}),
		Ingest:        ingest.NewProcessor(contents, store),
		Conversations: store,
		Records:       records,
		Jobs:          store,
		Token:         token,
		Version:       "test",
	})
	return &testServer{handler: handler, store: store, records: records}
}

func (s *testServer) seed(t *testing.T, recs ...retrieval.Record) {
	t.Helper()
	if err := s.records.Insert(context.Background(), recs...); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func (s *testServer) do(method, url, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Message, body.Error.Type
}

func dockRecords() []retrieval.Record {
	return []retrieval.Record{
		{ID: "doc-1", Kind: retrieval.KindDocument, Title: "Dry dock booking", Preview: "Dock 2 booked for July.",
			Metadata: map[string]string{"type": "schedule"}, Embedding: []float32{1, 0}},
		{ID: "doc-2", Kind: retrieval.KindDocument, Title: "Fuel procedure", Preview: "Bunkering steps.",
			Metadata: map[string]string{"type": "procedure"}, Embedding: []float32{0, 1}},
	}
}

func TestHealth(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)
	rr := s.do(http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuth(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"valid token", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(http.MethodGet, "/v1/status", "", tt.token)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	s := setupServer(t, "", nil, nil)
	if rr := s.do(http.MethodGet, "/v1/status", "", ""); rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestCORS(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestQuery(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)
	s.seed(t, dockRecords()...)

	rr := s.do(http.MethodPost, "/v1/query", `{"message":"When is the dry dock booked?","top_k":1,"conversation_id":"c1"}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Answer         string          `json:"answer"`
		ConversationID string          `json:"conversation_id"`
		TokenUsage     engine.Usage    `json:"token_usage"`
		Sources        []pipeline.Source `json:"sources"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != "Dry dock 2 is booked." || resp.ConversationID != "c1" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.TokenUsage.InputTokens != 50 || resp.TokenUsage.OutputTokens != 6 {
		t.Errorf("TokenUsage = %+v", resp.TokenUsage)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].ID != "doc-1" || resp.Sources[0].Score != 1 {
		t.Errorf("Sources = %+v", resp.Sources)
	}

	rr = s.do(http.MethodGet, "/v1/conversations/c1", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("conversation status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var conv struct {
		Turns []turnView `json:"turns"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if len(conv.Turns) != 2 || conv.Turns[0].Role != "user" || conv.Turns[1].Role != "assistant" {
		t.Fatalf("turns = %+v", conv.Turns)
	}
	if len(conv.Turns[1].Sources) != 1 || conv.Turns[1].Sources[0].ID != "doc-1" {
		t.Errorf("assistant sources = %+v", conv.Turns[1].Sources)
	}
}

func TestQuery_NoMatches(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)
	s.seed(t, dockRecords()...)

	rr := s.do(http.MethodPost, "/v1/query", `{"message":"inspections?","filters":{"type":"inspection"}}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["answer"] != pipeline.NoResultsAnswer {
		t.Errorf("answer = %v", resp["answer"])
	}
	sources, ok := resp["sources"].([]any)
	if !ok || len(sources) != 0 {
		t.Errorf("sources = %#v, want an empty array", resp["sources"])
	}
	filters, _ := resp["filters_applied"].(map[string]any)
	if filters["type"] != "inspection" {
		t.Errorf("filters_applied = %v", resp["filters_applied"])
	}
}

func TestQuery_EmailFilters(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)
	s.seed(t,
		retrieval.Record{ID: "email_20250603_0900", Kind: retrieval.KindEmail, Title: "Hull survey", Preview: "Survey booked.",
			Metadata: map[string]string{"vessel": "MV Pacific Star", "month": "06", "event_category": "maintenance"}, Embedding: []float32{1, 0}},
		retrieval.Record{ID: "email_20250710_0900", Kind: retrieval.KindEmail, Title: "Paint", Preview: "Paint done.",
			Metadata: map[string]string{"vessel": "MV Pacific Star", "month": "07", "event_category": "completion"}, Embedding: []float32{1, 0}},
	)

	rr := s.do(http.MethodPost, "/v1/emails/query", `{"message":"Status of MV Pacific Star in June"}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Sources        []pipeline.Source `json:"sources"`
		FiltersApplied map[string]string `json:"filters_applied"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].ID != "email_20250603_0900" || resp.Sources[0].Type != "maintenance" {
		t.Errorf("Sources = %+v", resp.Sources)
	}
	if resp.FiltersApplied["vessel"] != "MV Pacific Star" || resp.FiltersApplied["month"] != "06" {
		t.Errorf("FiltersApplied = %v", resp.FiltersApplied)
	}
}

func TestQuery_Errors(t *testing.T) {
	timeout := fmt.Errorf("%w: %w", engine.ErrUnavailable, context.DeadlineExceeded)
	tests := []struct {
		name     string
		body     string
		embedErr error
		genErr   error
		want     int
		wantType string
	}{
		{"malformed json", `{"message":`, nil, nil, http.StatusBadRequest, "invalid_request_error"},
		{"missing message", `{"top_k":3}`, nil, nil, http.StatusBadRequest, "invalid_request_error"},
		{"blank message", `{"message":"  "}`, nil, nil, http.StatusBadRequest, "invalid_request_error"},
		{"top_k too small", `{"message":"q","top_k":0}`, nil, nil, http.StatusBadRequest, "invalid_request_error"},
		{"filters not an object", `{"message":"q","filters":[1]}`, nil, nil, http.StatusBadRequest, "invalid_request_error"},
		{"embedding down", `{"message":"q"}`, engine.ErrUnavailable, nil, http.StatusBadGateway, "dependency_error"},
		{"generation down", `{"message":"q"}`, nil, engine.ErrRateLimited, http.StatusBadGateway, "dependency_error"},
		{"generation timeout", `{"message":"q"}`, nil, timeout, http.StatusGatewayTimeout, "timeout_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupServer(t, testToken, tt.embedErr, tt.genErr)
			s.seed(t, dockRecords()...)

			rr := s.do(http.MethodPost, "/v1/query", tt.body, testToken)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
			if _, typ := errorBody(t, rr); typ != tt.wantType {
				t.Errorf("error type = %q, want %q", typ, tt.wantType)
			}
		})
	}
}

func TestQuery_BodyTooLarge(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)
	body := `{"message":"` + strings.Repeat("a", maxQueryBodySize) + `"}`
	rr := s.do(http.MethodPost, "/v1/query", body, testToken)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}

func TestIngestDocument(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)

	rr := s.do(http.MethodPost, "/v1/documents", `{"title":"Mooring plan","type":"procedure","text":"Use six lines."}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res ingest.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != "processed" || res.Type != "procedure" || res.Title != "Mooring plan" {
		t.Errorf("result = %+v", res)
	}

	job, err := s.store.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != ingest.JobTypeEmbedRecord || job.Status != "pending" {
		t.Errorf("job = %+v", job)
	}
}

func TestIngestDocument_Invalid(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"no text", `{"title":"x"}`},
		{"bad format", `{"text":"x","format":"docx"}`},
		{"bad base64", `{"content_base64":"%%%"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(http.MethodPost, "/v1/documents", tt.body, testToken)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestIngestEmail_Single(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)

	body := `{"date":"2025-06-01","time":"08:00","sender":"Maria Gonzalez","sender_role":"Local Agent",
		"subject":"MV Pacific Star - Dry Dock Allocation Request","body":"Requesting dock 2.","vessel_involved":"MV Pacific Star"}`
	rr := s.do(http.MethodPost, "/v1/emails", body, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res ingest.Result
	json.NewDecoder(rr.Body).Decode(&res)
	if res.ID != "email_20250601_0800" {
		t.Errorf("ID = %q", res.ID)
	}
}

func TestIngestEmail_Batch(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)

	body := `{"emails":[
		{"date":"2025-06-01","time":"08:00","sender":"A","subject":"s1","body":"b1"},
		{"date":"2025-06-02","time":"09:15","sender":"B","subject":"s2","body":"b2"}]}`
	rr := s.do(http.MethodPost, "/v1/emails", body, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var out batchResult
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.EmailsProcessed != 2 || len(out.Results) != 2 || out.Results[1].ID != "email_20250602_0915" {
		t.Errorf("batch = %+v", out)
	}

	st, err := s.store.JobStats(context.Background())
	if err != nil {
		t.Fatalf("JobStats: %v", err)
	}
	if st.Pending != 2 {
		t.Errorf("pending jobs = %d, want 2", st.Pending)
	}
}

func TestIngestEmail_BatchRejectedAsAWhole(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)

	body := `{"emails":[{"sender":"A","subject":"s1","body":"b1"},{"sender":"B","body":"no subject"}]}`
	rr := s.do(http.MethodPost, "/v1/emails", body, testToken)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
	}
	if msg, _ := errorBody(t, rr); !strings.Contains(msg, "subject") {
		t.Errorf("message = %q, should name the missing field", msg)
	}
	st, _ := s.store.JobStats(context.Background())
	if st.Pending != 0 {
		t.Errorf("pending jobs = %d, want 0", st.Pending)
	}
}

func TestIngestEmail_MissingFields(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)
	rr := s.do(http.MethodPost, "/v1/emails", `{"sender":"A"}`, testToken)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	msg, _ := errorBody(t, rr)
	if !strings.Contains(msg, "missing required field: body") || !strings.Contains(msg, "missing required field: subject") {
		t.Errorf("message = %q", msg)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)
	rr := s.do(http.MethodGet, "/v1/conversations/missing", "", testToken)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)
	s.seed(t, dockRecords()...)
	if err := s.store.EnqueueJob(context.Background(), storage.Job{ID: "j1", Type: ingest.JobTypeEmbedRecord, PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	rr := s.do(http.MethodGet, "/v1/status", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var rep StatusReport
	if err := json.NewDecoder(rr.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Records[retrieval.KindDocument] != 2 || rep.Jobs.Pending != 1 || rep.Version != "test" {
		t.Errorf("status = %+v", rep)
	}
}

func TestPipelineError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&pipeline.Error{Kind: pipeline.KindInvalidRequest, Stage: pipeline.StageParsingInput, Err: errors.New("x")}, http.StatusBadRequest},
		{&pipeline.Error{Kind: pipeline.KindDependencyFailure, Stage: pipeline.StageEmbedding, Service: "embedding", Err: engine.ErrUnavailable}, http.StatusBadGateway},
		{&pipeline.Error{Kind: pipeline.KindDependencyFailure, Stage: pipeline.StageGenerating, Service: "generation", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&pipeline.Error{Kind: pipeline.KindDependencyFailure, Stage: pipeline.StageGenerating, Service: "generation",
			Err: fmt.Errorf("%w: waiting for generation slot: %w", engine.ErrRateLimited, context.DeadlineExceeded)}, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		pipelineError(rr, tt.err)
		if rr.Code != tt.want {
			t.Errorf("pipelineError(%v) status = %d, want %d", tt.err, rr.Code, tt.want)
		}
	}
}

func TestServerEndToEnd_WorkerMakesDocumentSearchable(t *testing.T) {
	s := setupServer(t, testToken, nil, nil)

	rr := s.do(http.MethodPost, "/v1/documents", `{"title":"Tug roster","text":"Two tugs on call."}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("ingest status = %d", rr.Code)
	}

	w := ingest.NewWorker(s.store, stubEmbedder{vec: []float32{1, 0}}, s.records, time.Millisecond)
	if ok, err := w.RunOnce(context.Background()); err != nil || !ok {
		t.Fatalf("RunOnce = %v, %v", ok, err)
	}

	rr = s.do(http.MethodPost, "/v1/query", `{"message":"tugs?"}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("query status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Tug roster") {
		t.Errorf("query response should cite the ingested document: %s", rr.Body.String())
	}
}
