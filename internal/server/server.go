package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/config"
	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/params"
	"github.com/example/go-rhvoice/internal/pool"
	"github.com/example/go-rhvoice/internal/text"
	"github.com/example/go-rhvoice/internal/tts"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Synthesizer is the part of tts.Service the HTTP layer depends on.
type Synthesizer interface {
	Say(ctx context.Context, text string, opts ...tts.SayOption) (*tts.Stream, error)
	Voices() []engine.Voice
	Info() tts.Info
	Params() map[string]any
	SetParams(updates map[string]any) (bool, error)
	Workers() int
	Busy() int
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextBytes   int
	requestTimeout time.Duration
	chunkSize      int
	metrics        http.Handler
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxTextBytes:   65536,
		requestTimeout: 600 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes for /tts.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithRequestTimeout sets the per-request synthesis deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithChunkSize sets the default chunk size used when a request names none.
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	synth Synthesizer
	opts  options
	log   *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /voices, /info,
// /params, /tts, /tts/ws and, when configured, /metrics.
func NewHandler(synth Synthesizer, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		synth: synth,
		opts:  opts,
		log:   opts.logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/voices", h.handleVoices)
	mux.HandleFunc("/info", h.handleInfo)
	mux.HandleFunc("/params", h.handleParams)
	mux.HandleFunc("/tts", h.handleTTS)
	mux.HandleFunc("/tts/ws", h.handleWS)
	if opts.metrics != nil {
		mux.Handle("/metrics", opts.metrics)
	}
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": buildVersion(),
		"workers": h.synth.Workers(),
		"busy":    h.synth.Busy(),
	})
}

func (h *handler) handleVoices(w http.ResponseWriter, _ *http.Request) {
	voices := h.synth.Voices()
	if voices == nil {
		voices = []engine.Voice{}
	}
	writeJSON(w, http.StatusOK, voices)
}

func (h *handler) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.synth.Info())
}

func (h *handler) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.synth.Params())
	case http.MethodPost, http.MethodPut:
		var updates map[string]any
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		changed, err := h.synth.SetParams(updates)
		if err != nil {
			h.log.WarnContext(r.Context(), "set params failed", slog.String("error", err.Error()))
			writeError(w, statusFor(err), err.Error())
			return
		}
		if changed {
			h.log.InfoContext(r.Context(), "params updated", slog.Any("params", updates))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"changed": changed,
			"params":  h.synth.Params(),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ttsRequest is the body of POST /tts and one message on /tts/ws. GET /tts
// takes the same fields as query parameters.
type ttsRequest struct {
	Text      string         `json:"text"`
	Voice     string         `json:"voice"`
	Format    string         `json:"format"`
	ChunkSize int            `json:"chunk_size"`
	Sentences int            `json:"sentence_chars"`
	Params    map[string]any `json:"params"`
}

func parseQuery(r *http.Request) (ttsRequest, error) {
	q := r.URL.Query()
	req := ttsRequest{
		Text:   q.Get("text"),
		Voice:  q.Get("voice"),
		Format: q.Get("format"),
	}
	if v := q.Get("chunk_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("chunk_size: %w", err)
		}
		req.ChunkSize = n
	}
	for _, key := range params.Keys() {
		if v := q.Get(key); v != "" {
			if req.Params == nil {
				req.Params = make(map[string]any)
			}
			req.Params[key] = queryValue(key, v)
		}
	}

	return req, nil
}

// queryValue turns numeric query values into numbers so parameter
// validation sees the same types as in a JSON body.
func queryValue(key, v string) any {
	if key == params.KeyVoiceProfile || key == params.KeyPunctuationList {
		return v
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// sayOptions validates req, cleans its text in place and builds the
// options for Say. The int is the HTTP status for a rejected request.
func (h *handler) sayOptions(req *ttsRequest) ([]tts.SayOption, int, error) {
	if req.Text == "" {
		return nil, http.StatusBadRequest, errors.New("text field is required")
	}
	if len(req.Text) > h.opts.maxTextBytes {
		return nil, http.StatusRequestEntityTooLarge,
			fmt.Errorf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes)
	}
	cleaned, err := text.Normalize(req.Text)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	req.Text = cleaned
	if req.ChunkSize < 0 {
		return nil, http.StatusBadRequest, errors.New("chunk_size must not be negative")
	}

	opts := []tts.SayOption{tts.WithVoice(req.Voice)}
	if req.Format != "" {
		f, err := audio.ParseFormat(req.Format)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		opts = append(opts, tts.WithFormat(f))
	}
	chunk := req.ChunkSize
	if chunk == 0 {
		chunk = h.opts.chunkSize
	}
	if chunk > 0 {
		opts = append(opts, tts.WithChunkSize(chunk))
	}
	if req.Sentences > 0 {
		opts = append(opts, tts.WithSentenceSplit(req.Sentences))
	}
	if len(req.Params) > 0 {
		opts = append(opts, tts.WithOverrides(req.Params))
	}

	return opts, 0, nil
}

func (h *handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	switch r.Method {
	case http.MethodPost:
		if r.Body == nil {
			writeError(w, http.StatusBadRequest, "request body is required")
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	case http.MethodGet:
		var err error
		if req, err = parseQuery(r); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sayOpts, status, err := h.sayOptions(&req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	format := audio.FormatWAV
	if req.Format != "" {
		format, _ = audio.ParseFormat(req.Format)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	logAttrs := func(extra ...slog.Attr) []any {
		attrs := []any{
			slog.String("voice", req.Voice),
			slog.String("format", format.String()),
			slog.Int("text_len", len(req.Text)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		for _, a := range extra {
			attrs = append(attrs, a)
		}
		return attrs
	}

	st, err := h.synth.Say(ctx, req.Text, sayOpts...)
	if err != nil {
		h.logFailure(r.Context(), err, logAttrs(slog.String("error", err.Error())))
		writeError(w, statusFor(err), errorMessage(err))
		return
	}
	defer st.Close()

	// The first chunk is read before the header so early failures still
	// get a proper status.
	first, err := st.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		h.logFailure(r.Context(), err, logAttrs(slog.String("error", err.Error())))
		writeError(w, statusFor(err), errorMessage(err))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("X-Request-Id", st.ID())
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	written := 0
	for chunk := first; len(chunk) > 0; {
		n, werr := w.Write(chunk)
		written += n
		if werr != nil {
			h.log.InfoContext(r.Context(), "client went away", logAttrs(slog.String("error", werr.Error()))...)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		chunk, err = st.Next()
		if err != nil {
			break
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		h.log.WarnContext(r.Context(), "stream ended early", logAttrs(slog.String("error", err.Error()))...)
		return
	}

	h.log.InfoContext(r.Context(), "synthesis complete", logAttrs(
		slog.String("request", st.ID()),
		slog.Int("bytes", written))...)
}

func (h *handler) logFailure(ctx context.Context, err error, attrs []any) {
	switch statusFor(err) {
	case http.StatusInternalServerError:
		h.log.ErrorContext(ctx, "synthesis failed", attrs...)
	default:
		h.log.WarnContext(ctx, "synthesis rejected", attrs...)
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrCapacity), errors.Is(err, tts.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrUnsupportedFormat), errors.Is(err, params.ErrInvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if statusFor(err) == http.StatusGatewayTimeout {
		return "synthesis timed out"
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	synth           Synthesizer
	metrics         http.Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

func New(cfg config.Config, synth Synthesizer) *Server {
	shutdown := 30 * time.Second
	if cfg.Server.ShutdownTimeout > 0 {
		shutdown = time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	}

	return &Server{
		cfg:             cfg,
		synth:           synth,
		logger:          slog.Default(),
		shutdownTimeout: shutdown,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// WithMetrics mounts the metrics handler at /metrics.
func (s *Server) WithMetrics(h http.Handler) *Server {
	s.metrics = h
	return s
}

func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

func (s *Server) handlerOptions() []Option {
	opts := []Option{
		WithChunkSize(s.cfg.Server.ChunkSize),
		WithLogger(s.logger),
	}
	if s.cfg.Server.MaxTextBytes > 0 {
		opts = append(opts, WithMaxTextBytes(s.cfg.Server.MaxTextBytes))
	}
	if s.cfg.Server.RequestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second))
	}
	if s.metrics != nil {
		opts = append(opts, WithMetricsHandler(s.metrics))
	}

	return opts
}

func (s *Server) Start(ctx context.Context) error {
	if s.synth == nil {
		return errors.New("server: no synthesizer")
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           NewHandler(s.synth, s.handlerOptions()...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("http server listening", slog.String("addr", s.cfg.Server.ListenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
