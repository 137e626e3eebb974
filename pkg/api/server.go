package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/billstream/billstream/pkg/bill"
	"github.com/billstream/billstream/pkg/blob"
	"github.com/billstream/billstream/pkg/canonical"
	"github.com/billstream/billstream/pkg/decimal"
	"github.com/billstream/billstream/pkg/fault"
	"github.com/billstream/billstream/pkg/observability"
	"github.com/billstream/billstream/pkg/query"
	"github.com/billstream/billstream/pkg/router"
)

// CallerHeader carries the opaque caller identity. It defaults createdBy on
// bill creation and approverId on approval; there is no authentication here,
// identity is the deployment's concern.
const CallerHeader = "X-Caller-Id"

// Config bounds the intake surface.
type Config struct {
	MaxFileBytes        int64
	AllowedContentTypes []string
	// Consumers lists the tracking tokens reported by /healthz and
	// addressable under /v1/consumers/{name}/position.
	Consumers []string
}

// Server wires the HTTP routes to the core.
type Server struct {
	commands *router.Router
	queries  *query.Service
	blobs    blob.Store
	signer   *blob.LocalSigner
	limiter  Limiter
	cfg      Config
	logger   *slog.Logger
	obs      *observability.Provider
}

// Option adjusts Server construction.
type Option func(*Server)

// WithLimiter attaches a rate limiter to the command routes.
func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLocalSigner enables /blobs/{key} redemption for the local drivers.
func WithLocalSigner(signer *blob.LocalSigner) Option {
	return func(s *Server) { s.signer = signer }
}

// WithObservability attaches metrics and tracing.
func WithObservability(obs *observability.Provider) Option {
	return func(s *Server) { s.obs = obs }
}

// NewServer builds the HTTP surface.
func NewServer(commands *router.Router, queries *query.Service, blobs blob.Store, cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = bill.DefaultRules().MaxFileBytes
	}
	s := &Server{
		commands: commands,
		queries:  queries,
		blobs:    blobs,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/bills", s.handleCreateBill)
	mux.HandleFunc("POST /v1/bills/{id}/files", s.handleUploadFile)
	mux.HandleFunc("POST /v1/bills/{id}/approval", s.handleApproval)
	mux.HandleFunc("GET /v1/bills/{id}", s.handleGetBill)
	mux.HandleFunc("GET /v1/bills", s.handleListBills)
	mux.HandleFunc("GET /v1/consumers/{name}/position", s.handleConsumerPosition)
	mux.HandleFunc("GET /blobs/{key...}", s.handleBlob)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s.middleware(mux)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if s.limiter != nil && r.Method == http.MethodPost {
			ok, err := s.limiter.Allow(r.Context(), clientKey(r))
			if err != nil {
				s.logger.Warn("rate limiter unavailable, admitting", "cause", err)
			}
			if !ok {
				WriteProblem(w, r, http.StatusTooManyRequests, "Rate Limited",
					"request rate exceeds the configured budget")
				return
			}
		}

		ctx, finish := s.obs.TrackOperation(r.Context(), "http "+r.Method+" "+r.URL.Path)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))
		if recorder.status >= 500 {
			finish(errors.New(http.StatusText(recorder.status)))
		} else {
			finish(nil)
		}

		s.logger.Info("request",
			"method", r.Method, "path", r.URL.Path,
			"status", recorder.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func clientKey(r *http.Request) string {
	if caller := r.Header.Get(CallerHeader); caller != "" {
		return caller
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type commandAccepted struct {
	BillID       string `json:"billId"`
	FileID       string `json:"fileId,omitempty"`
	NextSequence int64  `json:"nextSequence"`
}

func (s *Server) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BillID    string            `json:"billId"`
		Title     string            `json:"title"`
		Total     string            `json:"total"`
		CreatedBy string            `json:"createdBy"`
		Metadata  map[string]string `json:"metadata"`
	}
	if err := decodeBody(r, compiledCreateBill, &body); err != nil {
		WriteFault(w, r, err)
		return
	}
	total, err := decimal.Parse(body.Total)
	if err != nil {
		WriteFault(w, r, fault.BusinessRule(fault.ReasonQueryInvalid, err.Error()))
		return
	}
	createdBy := body.CreatedBy
	if createdBy == "" {
		createdBy = r.Header.Get(CallerHeader)
	}

	result, err := s.commands.Execute(r.Context(), bill.CreateBill{
		ID:        body.BillID,
		Title:     canonical.NFC(body.Title),
		Total:     total,
		Metadata:  body.Metadata,
		CreatedBy: createdBy,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, commandAccepted{
		BillID:       result.BillID,
		NextSequence: result.NextSequence,
	})
}

// handleUploadFile stores the bytes first and appends the attachment after;
// an orphaned blob from a rejected command is garbage, not corruption.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	billID := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteFault(w, r, fault.BusinessRule(fault.ReasonFileTooLarge,
				"file exceeds the accepted size of "+strconv.FormatInt(s.cfg.MaxFileBytes, 10)+" bytes"))
			return
		}
		WriteFault(w, r, fault.BusinessRule(fault.ReasonQueryInvalid,
			"multipart upload with a file part is required"))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxFileBytes+1))
	if err != nil {
		WriteFault(w, r, fault.Transient("upload read failed", err))
		return
	}
	if int64(len(data)) > s.cfg.MaxFileBytes {
		WriteFault(w, r, fault.BusinessRule(fault.ReasonFileTooLarge,
			"file exceeds the accepted size of "+strconv.FormatInt(s.cfg.MaxFileBytes, 10)+" bytes"))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if !s.contentTypeAllowed(contentType) {
		WriteFault(w, r, fault.BusinessRule(fault.ReasonContentTypeNotAllowed,
			"content type "+contentType+" is not accepted"))
		return
	}

	fileID := uuid.NewString()
	filename := canonical.NFC(sanitizeFilename(header.Filename))
	storageKey := "bills/" + billID + "/" + fileID + "/" + filename

	checksum, err := s.blobs.Put(r.Context(), storageKey, data, contentType)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	result, err := s.commands.Execute(r.Context(), bill.AttachFile{
		ID:          billID,
		FileID:      fileID,
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		StorageKey:  storageKey,
		Checksum:    checksum,
	})
	if err != nil {
		// Best effort; the key is unreachable once the command is refused.
		_ = s.blobs.Delete(context.WithoutCancel(r.Context()), storageKey)
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, commandAccepted{
		BillID:       result.BillID,
		FileID:       fileID,
		NextSequence: result.NextSequence,
	})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApproverID string `json:"approverId"`
		Decision   string `json:"decision"`
		Reason     string `json:"reason"`
	}
	if err := decodeBody(r, compiledApproval, &body); err != nil {
		WriteFault(w, r, err)
		return
	}
	approver := body.ApproverID
	if approver == "" {
		approver = r.Header.Get(CallerHeader)
	}

	result, err := s.commands.Execute(r.Context(), bill.ApproveBill{
		ID:         r.PathValue("id"),
		ApproverID: approver,
		Decision:   bill.Decision(body.Decision),
		Reason:     body.Reason,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandAccepted{
		BillID:       result.BillID,
		NextSequence: result.NextSequence,
	})
}

func (s *Server) handleGetBill(w http.ResponseWriter, r *http.Request) {
	billView, err := s.queries.GetBill(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, billView)
}

func (s *Server) handleListBills(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	page, err := s.queries.ListBills(r.Context(), filter)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func filterFromQuery(r *http.Request) (query.Filter, error) {
	q := r.URL.Query()
	filter := query.Filter{
		Status:        q.Get("status"),
		CreatedBy:     q.Get("createdBy"),
		TitleContains: q.Get("title"),
		SortBy:        q.Get("sortBy"),
		SortDesc:      q.Get("order") == "desc",
	}

	for name, dst := range map[string]*time.Time{
		"createdAfter": &filter.CreatedAfter, "createdBefore": &filter.CreatedBefore,
	} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return filter, fault.BusinessRule(fault.ReasonQueryInvalid, name+" must be RFC 3339")
			}
			*dst = t
		}
	}
	for name, dst := range map[string]**decimal.Decimal{
		"minTotal": &filter.MinTotal, "maxTotal": &filter.MaxTotal,
	} {
		if raw := q.Get(name); raw != "" {
			d, err := decimal.Parse(raw)
			if err != nil {
				return filter, fault.BusinessRule(fault.ReasonQueryInvalid, name+" must be a decimal amount")
			}
			*dst = &d
		}
	}
	for name, dst := range map[string]*int{"page": &filter.Page, "pageSize": &filter.PageSize} {
		if raw := q.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return filter, fault.BusinessRule(fault.ReasonQueryInvalid, name+" must be an integer")
			}
			*dst = n
		}
	}
	return filter, nil
}

func (s *Server) handleConsumerPosition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.knownConsumer(name) {
		WriteFault(w, r, fault.NotFound("unknown consumer "+name))
		return
	}
	position, err := s.queries.ConsumerPosition(r.Context(), name)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consumer": name, "position": position})
}

// handleBlob redeems locally signed download URLs. Cloud drivers sign URLs
// pointing at their own object stores, so this route only exists for the
// memory and file drivers.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		WriteFault(w, r, fault.NotFound("local blob URLs are not enabled"))
		return
	}
	key := r.PathValue("key")
	q := r.URL.Query()
	if err := s.signer.Verify(key, q.Get("exp"), q.Get("sig")); err != nil {
		WriteFault(w, r, err)
		return
	}
	data, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filenameFromKey(key)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}

	consumers := map[string]int64{}
	for _, name := range s.cfg.Consumers {
		position, err := s.queries.ConsumerPosition(r.Context(), name)
		if err != nil {
			health["status"] = "degraded"
			continue
		}
		consumers[name] = position
	}
	health["consumers"] = consumers

	poisoned := make([]string, 0)
	for id := range s.commands.Poisoned() {
		poisoned = append(poisoned, id)
	}
	if len(poisoned) > 0 {
		health["status"] = "degraded"
	}
	health["poisonedBills"] = poisoned

	writeJSON(w, http.StatusOK, health)
}

func (s *Server) contentTypeAllowed(ct string) bool {
	if len(s.cfg.AllowedContentTypes) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedContentTypes {
		if strings.EqualFold(allowed, ct) {
			return true
		}
	}
	return false
}

func (s *Server) knownConsumer(name string) bool {
	for _, c := range s.cfg.Consumers {
		if c == name {
			return true
		}
	}
	return false
}

// sanitizeFilename keeps the base name only; path separators in an uploaded
// filename must not influence the storage key.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}

func filenameFromKey(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
