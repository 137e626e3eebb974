package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/billstream/billstream/pkg/bill"
	"github.com/billstream/billstream/pkg/blob"
	"github.com/billstream/billstream/pkg/decimal"
	"github.com/billstream/billstream/pkg/eventlog"
	"github.com/billstream/billstream/pkg/projection"
	"github.com/billstream/billstream/pkg/query"
	"github.com/billstream/billstream/pkg/readmodel"
	"github.com/billstream/billstream/pkg/router"
)

type testEnv struct {
	ts      *httptest.Server
	router  *router.Router
	blobs   *blob.MemoryStore
	summary *projection.Runner
	files   *projection.Runner
}

// catchUp drains both projections; the API tests drive consumers explicitly
// instead of running them in the background.
func (e *testEnv) catchUp(t *testing.T) {
	t.Helper()
	require.NoError(t, e.summary.CatchUp(context.Background()))
	require.NoError(t, e.files.CatchUp(context.Background()))
}

func newEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	raw, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	db := readmodel.NewDB(raw, readmodel.DialectSQLite)
	require.NoError(t, db.Init(context.Background()))

	log := eventlog.NewMemoryLog()
	rt := router.New(log, bill.DefaultRules(), slog.Default())

	signer := blob.NewLocalSigner(nil, "")
	blobs := blob.NewMemoryStore(signer)

	queries := query.New(db, blobs, slog.Default())

	env := &testEnv{
		router:  rt,
		blobs:   blobs,
		summary: projection.NewRunner(log, db, projection.NewSummaryHandler(db, slog.Default(), nil), slog.Default()),
		files:   projection.NewRunner(log, db, projection.NewFilesHandler(db), slog.Default()),
	}

	cfg := Config{
		MaxFileBytes:        1 << 20,
		AllowedContentTypes: []string{"application/pdf", "image/png"},
		Consumers:           []string{projection.ConsumerBillSummary, projection.ConsumerBillFiles},
	}
	server := NewServer(rt, queries, blobs, cfg, slog.Default(),
		append([]Option{WithLocalSigner(signer)}, opts...)...)
	env.ts = httptest.NewServer(server.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func postJSON(t *testing.T, url, caller string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func uploadFile(t *testing.T, url, filename, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func createBill(t *testing.T, env *testEnv, id, title, total string) {
	t.Helper()
	resp := postJSON(t, env.ts.URL+"/v1/bills", "alice", map[string]any{
		"billId": id, "title": title, "total": total,
	})
	accepted := decodeResponse[commandAccepted](t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, id, accepted.BillID)
}

func TestCreateBill(t *testing.T) {
	env := newEnv(t)

	resp := postJSON(t, env.ts.URL+"/v1/bills", "alice", map[string]any{
		"billId": "b1", "title": "Electric", "total": "150.00",
	})
	accepted := decodeResponse[commandAccepted](t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "b1", accepted.BillID)
	require.Equal(t, int64(1), accepted.NextSequence)

	env.catchUp(t)
	resp, err := http.Get(env.ts.URL + "/v1/bills/b1")
	require.NoError(t, err)
	view := decodeResponse[query.Bill](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Electric", view.Title)
	require.Equal(t, "150.00", view.Total.String())
	require.Equal(t, "alice", view.CreatedBy)
}

func TestCreateBillValidation(t *testing.T) {
	env := newEnv(t)

	for name, body := range map[string]map[string]any{
		"missing title":     {"total": "10.00"},
		"missing total":     {"title": "Water"},
		"non-numeric total": {"title": "Water", "total": "ten"},
		"unknown field":     {"title": "Water", "total": "10.00", "owner": "bob"},
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, env.ts.URL+"/v1/bills", "alice", body)
			problem := decodeResponse[ProblemDetail](t, resp)
			require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
			require.Equal(t, "query_invalid", problem.Reason)
		})
	}

	// Shape-valid but outside decimal bounds.
	resp := postJSON(t, env.ts.URL+"/v1/bills", "alice", map[string]any{
		"title": "Water", "total": "10.005",
	})
	problem := decodeResponse[ProblemDetail](t, resp)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "query_invalid", problem.Reason)
}

func TestCreateDuplicateBill(t *testing.T) {
	env := newEnv(t)
	createBill(t, env, "b1", "Electric", "150.00")

	resp := postJSON(t, env.ts.URL+"/v1/bills", "alice", map[string]any{
		"billId": "b1", "title": "Electric", "total": "150.00",
	})
	problem := decodeResponse[ProblemDetail](t, resp)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "bill_already_exists", problem.Reason)
}

func TestUploadFile(t *testing.T) {
	env := newEnv(t)
	createBill(t, env, "b1", "Electric", "150.00")

	resp := uploadFile(t, env.ts.URL+"/v1/bills/b1/files", "scan.pdf", "application/pdf",
		[]byte("%PDF-1.4 test"))
	accepted := decodeResponse[commandAccepted](t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, accepted.FileID)

	stored, err := env.blobs.Get(context.Background(),
		"bills/b1/"+accepted.FileID+"/scan.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF-1.4 test"), stored)

	env.catchUp(t)
	getResp, err := http.Get(env.ts.URL + "/v1/bills/b1")
	require.NoError(t, err)
	view := decodeResponse[query.Bill](t, getResp)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	require.Len(t, view.Files, 1)
	require.Equal(t, "scan.pdf", view.Files[0].Filename)
	require.Contains(t, view.Files[0].DownloadURL, "/blobs/")
	require.Contains(t, view.Files[0].DownloadURL, "sig=")
}

func TestUploadFileRejections(t *testing.T) {
	env := newEnv(t)
	createBill(t, env, "b1", "Electric", "150.00")

	t.Run("content type not allowed", func(t *testing.T) {
		resp := uploadFile(t, env.ts.URL+"/v1/bills/b1/files", "notes.txt", "text/plain",
			[]byte("hello"))
		problem := decodeResponse[ProblemDetail](t, resp)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.Equal(t, "content_type_not_allowed", problem.Reason)
	})

	t.Run("file too large", func(t *testing.T) {
		resp := uploadFile(t, env.ts.URL+"/v1/bills/b1/files", "big.pdf", "application/pdf",
			bytes.Repeat([]byte("x"), (1<<20)+1))
		problem := decodeResponse[ProblemDetail](t, resp)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.Equal(t, "file_too_large", problem.Reason)
	})

	t.Run("unknown bill leaves no blob behind", func(t *testing.T) {
		resp := uploadFile(t, env.ts.URL+"/v1/bills/nope/files", "scan.pdf", "application/pdf",
			[]byte("%PDF-1.4"))
		_ = decodeResponse[ProblemDetail](t, resp)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		ok, err := env.blobs.Exists(context.Background(), "bills/nope")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestApprovalFlow(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	createBill(t, env, "b1", "Electric", "150.00")

	uploadResp := uploadFile(t, env.ts.URL+"/v1/bills/b1/files", "scan.pdf", "application/pdf",
		[]byte("%PDF-1.4"))
	_ = decodeResponse[commandAccepted](t, uploadResp)
	require.Equal(t, http.StatusCreated, uploadResp.StatusCode)

	// Approval against an unprocessed bill is refused.
	resp := postJSON(t, env.ts.URL+"/v1/bills/b1/approval", "carol", map[string]any{
		"decision": "Approved",
	})
	problem := decodeResponse[ProblemDetail](t, resp)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "status_not_processed_for_approval", problem.Reason)

	total, err := decimal.Parse("151.50")
	require.NoError(t, err)
	_, err = env.router.Execute(ctx, bill.ApplyOcrResult{
		ID: "b1", Text: "AMOUNT DUE 151.50", Total: &total, Title: "Electric Utility",
	})
	require.NoError(t, err)

	resp = postJSON(t, env.ts.URL+"/v1/bills/b1/approval", "carol", map[string]any{
		"decision": "Approved", "reason": "within budget",
	})
	_ = decodeResponse[commandAccepted](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.catchUp(t)
	getResp, err := http.Get(env.ts.URL + "/v1/bills/b1")
	require.NoError(t, err)
	view := decodeResponse[query.Bill](t, getResp)
	require.Equal(t, "Approved", view.Status)
	require.NotNil(t, view.Approval)
	require.Equal(t, "carol", view.Approval.ApproverID)
	require.Equal(t, "Electric Utility", view.EffectiveTitle)
	require.Equal(t, "151.50", view.EffectiveTotal.String())

	t.Run("invalid decision rejected by schema", func(t *testing.T) {
		resp := postJSON(t, env.ts.URL+"/v1/bills/b1/approval", "carol", map[string]any{
			"decision": "Maybe",
		})
		problem := decodeResponse[ProblemDetail](t, resp)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.Equal(t, "query_invalid", problem.Reason)
	})
}

func TestListBills(t *testing.T) {
	env := newEnv(t)
	createBill(t, env, "b1", "Electric", "150.00")
	createBill(t, env, "b2", "Water", "42.00")
	createBill(t, env, "b3", "Internet", "80.00")
	env.catchUp(t)

	resp, err := http.Get(env.ts.URL + "/v1/bills?pageSize=2&sortBy=total&order=desc")
	require.NoError(t, err)
	page := decodeResponse[query.Page](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(3), page.TotalCount)
	require.Len(t, page.Bills, 2)
	require.Equal(t, "b1", page.Bills[0].BillID)
	require.Equal(t, "b3", page.Bills[1].BillID)

	t.Run("bad filter", func(t *testing.T) {
		resp, err := http.Get(env.ts.URL + "/v1/bills?createdAfter=yesterday")
		require.NoError(t, err)
		problem := decodeResponse[ProblemDetail](t, resp)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.Equal(t, "query_invalid", problem.Reason)
	})
}

func TestGetBillNotFound(t *testing.T) {
	env := newEnv(t)
	resp, err := http.Get(env.ts.URL + "/v1/bills/ghost")
	require.NoError(t, err)
	problem := decodeResponse[ProblemDetail](t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, http.StatusNotFound, problem.Status)
}

func TestBlobRedemption(t *testing.T) {
	env := newEnv(t)
	createBill(t, env, "b1", "Electric", "150.00")
	resp := uploadFile(t, env.ts.URL+"/v1/bills/b1/files", "scan.pdf", "application/pdf",
		[]byte("%PDF-1.4 bytes"))
	_ = decodeResponse[commandAccepted](t, resp)
	env.catchUp(t)

	getResp, err := http.Get(env.ts.URL + "/v1/bills/b1")
	require.NoError(t, err)
	view := decodeResponse[query.Bill](t, getResp)
	require.Len(t, view.Files, 1)

	dlResp, err := http.Get(env.ts.URL + view.Files[0].DownloadURL)
	require.NoError(t, err)
	defer func() { _ = dlResp.Body.Close() }()
	require.Equal(t, http.StatusOK, dlResp.StatusCode)
	data, err := io.ReadAll(dlResp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF-1.4 bytes"), data)

	t.Run("tampered signature rejected", func(t *testing.T) {
		resp, err := http.Get(env.ts.URL + view.Files[0].DownloadURL + "0")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestConsumerPosition(t *testing.T) {
	env := newEnv(t)
	createBill(t, env, "b1", "Electric", "150.00")
	env.catchUp(t)

	resp, err := http.Get(env.ts.URL + "/v1/consumers/" + projection.ConsumerBillSummary + "/position")
	require.NoError(t, err)
	body := decodeResponse[map[string]any](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, projection.ConsumerBillSummary, body["consumer"])
	require.Greater(t, body["position"].(float64), float64(0))

	t.Run("unknown consumer", func(t *testing.T) {
		resp, err := http.Get(env.ts.URL + "/v1/consumers/nope/position")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealthz(t *testing.T) {
	env := newEnv(t)
	createBill(t, env, "b1", "Electric", "150.00")
	env.catchUp(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	body := decodeResponse[map[string]any](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	consumers := body["consumers"].(map[string]any)
	require.Contains(t, consumers, projection.ConsumerBillSummary)
	require.Contains(t, consumers, projection.ConsumerBillFiles)
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t, WithLimiter(NewLocalLimiter(1, 1)))

	resp := postJSON(t, env.ts.URL+"/v1/bills", "alice", map[string]any{
		"billId": "b1", "title": "Electric", "total": "150.00",
	})
	_ = decodeResponse[commandAccepted](t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, env.ts.URL+"/v1/bills", "alice", map[string]any{
		"billId": "b2", "title": "Water", "total": "42.00",
	})
	problem := decodeResponse[ProblemDetail](t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, http.StatusTooManyRequests, problem.Status)

	// Reads are never throttled.
	getResp, err := http.Get(env.ts.URL + "/v1/bills")
	require.NoError(t, err)
	defer func() { _ = getResp.Body.Close() }()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}
