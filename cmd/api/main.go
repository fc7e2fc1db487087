// Package main implements the HTTP/SSE surface for the retrieval core:
// chat streaming, trace inspection, conversation CRUD,
// feedback, A/B preference, per-conversation document selection, and
// ingestion scheduling control.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sablehq/sable/engine/catalog"
	"github.com/sablehq/sable/engine/chatstore"
	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/engine/index"
	"github.com/sablehq/sable/engine/ingest"
	"github.com/sablehq/sable/engine/pipeline"
	"github.com/sablehq/sable/pkg/config"
	"github.com/sablehq/sable/pkg/llm"
	"github.com/sablehq/sable/pkg/mid"
	"github.com/sablehq/sable/pkg/resilience"
	"github.com/sablehq/sable/pkg/sse"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfgPath := config.DefaultPath()
	if v := os.Getenv("SABLE_CONFIG"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	mux := http.NewServeMux()
	deps.registerRoutes(mux)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel("sable-api"),
		mid.CORS(corsOrigin(cfg)),
	)

	addr := cfg.Services.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses must not be capped
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func corsOrigin(cfg *config.Config) string {
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		return v
	}
	return "*"
}

// server bundles every collaborator the HTTP handlers close over.
type server struct {
	cfg      *config.Config
	cat      *catalog.Catalog
	search   *index.HybridSearcher
	syncer   *index.Syncer
	embedder llm.EmbedProvider
	provider llm.Provider
	store    *chatstore.Store
	sched    *ingest.Scheduler
	safety   []pipeline.SafetyChecker
	logger   *slog.Logger

	cancelsMu sync.Mutex
	cancels   map[string]*pipeline.TurnCancel
}

func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server, error) {
	if err := os.MkdirAll(cfg.Global.DataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	cat, err := catalog.Open(cfg.Global.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	dm := cfg.DataManager
	metric := index.DistanceCosine
	switch dm.DistanceMetric {
	case "l2":
		metric = index.DistanceL2
	case "ip":
		metric = index.DistanceIP
	}
	vectorAddr := dm.VectorAddr
	if vectorAddr == "" {
		vectorAddr = "localhost:6334"
	}
	vector, err := index.NewVectorStore(vectorAddr, "sable", metric)
	if err != nil {
		return nil, fmt.Errorf("connect vector store: %w", err)
	}

	k1, b := dm.BM25K1, dm.BM25B
	if k1 == 0 {
		k1 = 0.5
	}
	if b == 0 {
		b = 0.75
	}
	lexer := index.NewLexicalIndex(k1, b)

	idxCfg := index.Config{
		EmbeddingModel:  dm.EmbeddingModel,
		EmbeddingDim:    dm.EmbeddingDim,
		ChunkSize:       dm.ChunkSize,
		ChunkOverlap:    dm.ChunkOverlap,
		DistanceMetric:  metric,
		BM25K1:          k1,
		BM25B:           b,
		ParallelWorkers: 4,
		HybridWeightLex: orDefault(dm.HybridWeightLex, 0.6),
		HybridWeightSem: orDefault(dm.HybridWeightSem, 0.4),
	}

	embedder, err := llm.NewEmbedder(llm.Config{
		Type:         cfg.Services.LLMProviderType,
		BaseURL:      cfg.Services.LLMBaseURL,
		DefaultModel: dm.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	syncer := index.NewSyncer(idxCfg, vector, lexer, embedder, cat.LoadBytes)
	search := index.NewHybridSearcher(idxCfg, vector, lexer)

	provider, err := llm.NewProvider(llm.Config{
		Type:         cfg.Services.LLMProviderType,
		BaseURL:      cfg.Services.LLMBaseURL,
		DefaultModel: cfg.Pipeline().Model,
	})
	if err != nil {
		return nil, fmt.Errorf("build chat provider: %w", err)
	}

	dsn := cfg.Services.ChatStoreDSN
	if dsn == "" {
		dsn = cfg.Global.DataRoot + "/chat.db"
	}
	store, err := chatstore.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}

	sched := ingest.NewScheduler(cat, syncer, logger)
	registerSources(sched, cfg, logger)

	var safety []pipeline.SafetyChecker
	if cfg.Utils.SafetyEnabled && len(cfg.Utils.SafetyBlocklist) > 0 {
		safety = append(safety, pipeline.BlocklistChecker{Terms: cfg.Utils.SafetyBlocklist})
	}

	return &server{
		cfg:      cfg,
		cat:      cat,
		search:   search,
		syncer:   syncer,
		embedder: embedder,
		provider: provider,
		store:    store,
		sched:    sched,
		safety:   safety,
		logger:   logger,
		cancels:  make(map[string]*pipeline.TurnCancel),
	}, nil
}

// registerSources builds and registers one collector per configured source,
// the effect of both startup and POST /ingest/reload-schedules.
func registerSources(sched *ingest.Scheduler, cfg *config.Config, logger *slog.Logger) {
	for _, w := range cfg.Sources.Web {
		c := ingest.NewWebCollector(w.Name, w.SeedURLs, w.MaxDepth, 2).
			WithMaxPages(w.MaxPages).
			WithGitRouter(ingest.DefaultGitRouter(cfg.Global.DataRoot + "/.git-cache"))
		if err := sched.Register(c, orSchedule(w.Schedule)); err != nil {
			logger.Error("register web source", "source", w.Name, "err", err)
		}
	}
	for _, g := range cfg.Sources.Git {
		c := ingest.NewGitCollector(g.Name, g.URL, g.Ref, cfg.Global.DataRoot+"/.git-cache/"+g.Name)
		if err := sched.Register(c, orSchedule(g.Schedule)); err != nil {
			logger.Error("register git source", "source", g.Name, "err", err)
		}
	}
	for _, t := range cfg.Sources.Tickets {
		fetcher := &ingest.RedmineFetcher{BaseURL: t.BaseURL}
		c := ingest.NewTicketCollector(t.Name, t.System, fetcher)
		if err := sched.Register(c, orSchedule(t.Schedule)); err != nil {
			logger.Error("register ticket source", "source", t.Name, "err", err)
		}
	}
}

func orSchedule(expr string) string {
	if expr == "" {
		return "*/30 * * * *"
	}
	return expr
}

func orDefault(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func (s *server) Close() {
	s.store.Close()
}

func (s *server) deps(breaker *resilience.Breaker, limiter *resilience.Limiter) pipeline.Deps {
	return pipeline.Deps{
		Provider: s.provider,
		Embedder: s.embedder,
		Search:   s.search,
		Budget: pipeline.TokenLimiter{
			MaxTokens: maxInt(s.cfg.Pipeline().MaxTokens, 1024),
			Reserved:  256,
			Provider:  s.provider,
		},
		Breaker: breaker,
		Limiter: limiter,
	}
}

func maxInt(v, min int) int {
	if v <= 0 {
		return min
	}
	return v
}

func (s *server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /chat/cancel", s.handleChatCancel)
	mux.HandleFunc("GET /trace/{trace_id}", s.handleGetTrace)
	mux.HandleFunc("GET /trace/by-message/{message_id}", s.handleGetTraceByMessage)
	mux.HandleFunc("POST /conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /conversations", s.handleListConversations)
	mux.HandleFunc("POST /conversations/load", s.handleLoadConversation)
	mux.HandleFunc("POST /conversations/delete", s.handleDeleteConversation)
	mux.HandleFunc("POST /feedback", s.handleFeedback)
	mux.HandleFunc("POST /ab/preference", s.handleABPreference)
	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("POST /documents/enable", s.handleSetDocument(true, false))
	mux.HandleFunc("POST /documents/disable", s.handleSetDocument(false, false))
	mux.HandleFunc("POST /documents/bulk-enable", s.handleSetDocument(true, true))
	mux.HandleFunc("POST /documents/bulk-disable", s.handleSetDocument(false, true))
	mux.HandleFunc("POST /documents/upload", s.handleUploadDocument)
	mux.HandleFunc("POST /ingest/reload-schedules", s.handleReloadSchedules)
	mux.HandleFunc("GET /ingestion/status", s.handleIngestionStatus)
	mux.HandleFunc("POST /admin/config", s.handleAdminConfig)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- chat streaming ---

type chatStreamRequest struct {
	ConversationID int64  `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Prompt         string `json:"prompt"`
	ConfigID       string `json:"config_id"`
	AB             *struct {
		ConfigA string `json:"config_a"`
		ConfigB string `json:"config_b"`
	} `json:"ab"`
}

// handleChatStream implements POST /chat/stream: it opens or
// reuses a conversation, serializes the turn under the conversation's
// per-turn lock, streams SSE events as the pipeline produces them, and
// commits the final assistant message and trace.
func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		return
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = "anonymous"
	}
	userID := r.Header.Get("X-User-ID")

	ctx := r.Context()
	conversationID := req.ConversationID
	if conversationID == 0 {
		id, err := s.store.CreateConversation(ctx, clientID, userID)
		if err != nil {
			http.Error(w, `{"error":"could not create conversation"}`, http.StatusInternalServerError)
			return
		}
		conversationID = id
	}

	unlock := s.store.Lock(conversationID)
	defer unlock()

	writer, err := sse.NewWriter(w)
	if err != nil {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	history, err := s.store.LoadConversation(ctx, conversationID)
	if err != nil {
		writer.Error(http.StatusInternalServerError, "could not load conversation")
		return
	}

	filter, err := s.store.Filter(ctx, conversationID, userID)
	if err != nil {
		writer.Error(http.StatusInternalServerError, "could not load document selection")
		return
	}

	userMsgID, err := s.store.AppendMessage(ctx, conversationID, chatstore.AppendMessageParams{
		Sender:  domain.SenderUser,
		Content: req.Prompt,
	})
	if err != nil {
		writer.Error(http.StatusInternalServerError, "could not persist user message")
		return
	}

	pipelineName := "qa"
	if req.ConfigID == "agent" {
		pipelineName = "agent"
	}
	if req.AB != nil {
		pipelineName = "ab"
	}

	traceID, err := s.store.StartTrace(ctx, conversationID, pipelineName, map[string]any{"config_id": req.ConfigID})
	if err != nil {
		writer.Error(http.StatusInternalServerError, "could not start trace")
		return
	}

	cancel := pipeline.NewTurnCancel()
	s.registerCancel(traceID, cancel)
	defer s.unregisterCancel(traceID)

	if blockedOut, blocked := s.checkSafety(ctx, req.Prompt); blocked {
		writer.Chunk(blockedOut.Text, fmt.Sprint(conversationID))
		assistantID, _ := s.store.AppendMessage(ctx, conversationID, chatstore.AppendMessageParams{
			Sender:       domain.SenderAssistant,
			Content:      blockedOut.Text,
			PipelineUsed: pipelineName,
			Context:      map[string]any{"metadata": blockedOut.Metadata},
		})
		s.store.FinishTrace(ctx, traceID, domain.TraceCompleted, assistantID, map[string]any{"safety_blocked": true})
		writer.Done(fmt.Sprint(conversationID), assistantID, userMsgID, traceID)
		return
	}

	req2 := pipeline.TurnRequest{
		ConversationID: conversationID,
		TraceID:        traceID,
		Question:       req.Prompt,
		History:        history,
		EnabledFilter:  filter,
	}

	var out pipeline.PipelineOutput
	var abRes pipeline.ABResult
	var runErr error
	breaker := resilience.NewBreaker(resilience.DefaultBreakerOpts)
	deps := s.deps(breaker, nil)

	if req.AB != nil {
		abRes, runErr = s.runABTurn(ctx, req2, deps, req.AB.ConfigA, req.AB.ConfigB, writer)
		out = abRes.A
	} else if req.ConfigID == "agent" {
		agent := pipeline.NewAgentPipeline(deps, pipeline.AgentConfig{Model: s.cfg.Pipeline().Model}, s.logger)
		sink := &turnSink{writer: writer, store: s.store, traceID: traceID, conversationID: conversationID, userMessageID: userMsgID}
		out, runErr = agent.Run(ctx, req2, sink, cancel)
	} else {
		qa := pipeline.NewQAPipeline(deps, s.cfg.Pipeline().Model, s.cfg.Pipeline().Model, s.cfg.Pipeline().RetrievalK, s.logger)
		sink := &turnSink{writer: writer, store: s.store, traceID: traceID, conversationID: conversationID, userMessageID: userMsgID}
		out, runErr = qa.Run(ctx, req2, sink)
	}

	if runErr != nil {
		if pipeline.IsInputSizeWarning(runErr) {
			writer.Error(http.StatusRequestEntityTooLarge, "INPUT_SIZE_WARNING")
			s.store.FinishTrace(ctx, traceID, domain.TraceFailed, 0, map[string]any{"reason": "input_size_warning"})
			return
		}
		writer.Error(http.StatusInternalServerError, "pipeline execution failed")
		s.store.FinishTrace(ctx, traceID, domain.TraceFailed, 0, map[string]any{"error": runErr.Error()})
		return
	}

	if cancel.Cancelled() {
		var assistantID int64
		if out.Text != "" {
			assistantID, _ = s.store.AppendMessage(ctx, conversationID, chatstore.AppendMessageParams{
				Sender:       domain.SenderAssistant,
				Content:      out.Text,
				ModelUsed:    s.cfg.Pipeline().Model,
				PipelineUsed: pipelineName,
				Partial:      true,
			})
		}
		s.store.FinishTrace(ctx, traceID, domain.TraceCancelled, assistantID, nil)
		return
	}

	contextJSON := map[string]any{"metadata": out.Metadata}
	assistantID, err := s.store.AppendMessage(ctx, conversationID, chatstore.AppendMessageParams{
		Sender:       domain.SenderAssistant,
		Content:      out.Text,
		ModelUsed:    s.cfg.Pipeline().Model,
		PipelineUsed: pipelineName,
		Context:      contextJSON,
		Partial:      out.Partial,
	})
	if err != nil {
		writer.Error(http.StatusInternalServerError, "could not persist assistant message")
		s.store.FinishTrace(ctx, traceID, domain.TraceFailed, 0, nil)
		return
	}

	if req.AB != nil {
		// Response B is persisted alongside the canonical message so the
		// comparison row can reference both; a later /ab/preference call
		// decides the winner.
		bID, err := s.store.AppendMessage(ctx, conversationID, chatstore.AppendMessageParams{
			Sender:       domain.SenderAssistant,
			Content:      abRes.B.Text,
			ModelUsed:    req.AB.ConfigB,
			PipelineUsed: pipelineName,
			Context:      map[string]any{"metadata": abRes.B.Metadata, "config_tag": "model_b"},
		})
		if err == nil {
			_, err = s.store.CreateABComparison(ctx, chatstore.CreateABComparisonParams{
				ConversationID:      conversationID,
				UserPromptMessageID: userMsgID,
				ResponseAMessageID:  assistantID,
				ResponseBMessageID:  bID,
				ConfigA:             req.AB.ConfigA,
				ConfigB:             req.AB.ConfigB,
				IsAFirst:            true,
			})
		}
		if err != nil {
			s.logger.Error("record ab comparison", "err", err)
		}
	}

	s.store.FinishTrace(ctx, traceID, domain.TraceCompleted, assistantID, map[string]any{
		"source_documents": len(out.SourceDocuments),
	})
	writer.Done(fmt.Sprint(conversationID), assistantID, userMsgID, traceID)
}

// runABTurn runs two QA pipeline variants in parallel,
// tagging their streamed events model_a/model_b. The caller persists both
// responses and the comparison row once the paired run returns.
func (s *server) runABTurn(ctx context.Context, req pipeline.TurnRequest, deps pipeline.Deps, modelA, modelB string, writer *sse.Writer) (pipeline.ABResult, error) {
	sinkA := &turnSink{writer: writer, conversationID: req.ConversationID, tag: "model_a"}
	sinkB := &turnSink{writer: writer, conversationID: req.ConversationID, tag: "model_b"}

	qaA := pipeline.NewQAPipeline(deps, modelA, modelA, s.cfg.Pipeline().RetrievalK, s.logger)
	qaB := pipeline.NewQAPipeline(deps, modelB, modelB, s.cfg.Pipeline().RetrievalK, s.logger)

	return pipeline.RunPaired(ctx, req,
		pipeline.Variant{ConfigTag: "model_a", Run: qaA.Run},
		pipeline.Variant{ConfigTag: "model_b", Run: qaB.Run},
		func(tag string) pipeline.Sink {
			if tag == "model_a" {
				return sinkA
			}
			return sinkB
		},
	)
}

// checkSafety applies the optional safety hook to the user prompt. A
// checker error fails open with a log line rather than blocking the turn
// — the hook guards content, not availability.
func (s *server) checkSafety(ctx context.Context, prompt string) (pipeline.PipelineOutput, bool) {
	if len(s.safety) == 0 {
		return pipeline.PipelineOutput{}, false
	}
	out, blocked, err := pipeline.ApplySafety(ctx, s.safety, prompt)
	if err != nil {
		s.logger.Error("safety check failed", "err", err)
		return pipeline.PipelineOutput{}, false
	}
	return out, blocked
}

func (s *server) registerCancel(traceID string, c *pipeline.TurnCancel) {
	s.cancelsMu.Lock()
	s.cancels[traceID] = c
	s.cancelsMu.Unlock()
}

func (s *server) unregisterCancel(traceID string) {
	s.cancelsMu.Lock()
	delete(s.cancels, traceID)
	s.cancelsMu.Unlock()
}

type chatCancelRequest struct {
	TraceID string `json:"trace_id"`
}

func (s *server) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	var req chatCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TraceID == "" {
		http.Error(w, `{"error":"trace_id is required"}`, http.StatusBadRequest)
		return
	}
	s.cancelsMu.Lock()
	c, ok := s.cancels[req.TraceID]
	s.cancelsMu.Unlock()
	if ok {
		c.Cancel()
	}
	s.store.CancelStream(r.Context(), req.TraceID, "client requested cancel")
	w.WriteHeader(http.StatusNoContent)
}

// --- trace inspection ---

func (s *server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	t, err := s.store.GetTrace(r.Context(), traceID)
	if err != nil {
		http.Error(w, `{"error":"trace not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleGetTraceByMessage(w http.ResponseWriter, r *http.Request) {
	var messageID int64
	if _, err := fmt.Sscanf(r.PathValue("message_id"), "%d", &messageID); err != nil {
		http.Error(w, `{"error":"invalid message_id"}`, http.StatusBadRequest)
		return
	}
	t, err := s.store.GetTraceByMessage(r.Context(), messageID)
	if err != nil {
		http.Error(w, `{"error":"trace not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- conversations ---

type createConversationRequest struct {
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id,omitempty"`
}

func (s *server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		http.Error(w, `{"error":"client_id is required"}`, http.StatusBadRequest)
		return
	}
	id, err := s.store.CreateConversation(r.Context(), req.ClientID, req.UserID)
	if err != nil {
		http.Error(w, `{"error":"could not create conversation"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"conversation_id": id})
}

func (s *server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, `{"error":"client_id is required"}`, http.StatusBadRequest)
		return
	}
	list, err := s.store.ListConversations(r.Context(), clientID)
	if err != nil {
		http.Error(w, `{"error":"could not list conversations"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type loadConversationRequest struct {
	ConversationID int64 `json:"conversation_id"`
}

func (s *server) handleLoadConversation(w http.ResponseWriter, r *http.Request) {
	var req loadConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	messages, err := s.store.LoadConversation(r.Context(), req.ConversationID)
	if err != nil {
		http.Error(w, `{"error":"unknown conversation"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type deleteConversationRequest struct {
	ConversationID int64  `json:"conversation_id"`
	ClientID       string `json:"client_id"`
}

func (s *server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	var req deleteConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := s.store.DeleteConversation(r.Context(), req.ConversationID, req.ClientID); err != nil {
		http.Error(w, `{"error":"unknown conversation"}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- feedback ---

type feedbackRequest struct {
	MessageID int64  `json:"message_id"`
	Kind      string `json:"kind"`
	Flags     struct {
		Incorrect     bool `json:"incorrect"`
		Unhelpful     bool `json:"unhelpful"`
		Inappropriate bool `json:"inappropriate"`
	} `json:"flags"`
	Text string `json:"text,omitempty"`
}

func (s *server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	err := s.store.RecordFeedback(r.Context(), req.MessageID, domain.FeedbackKind(req.Kind), chatstore.FeedbackFlags{
		Incorrect:     req.Flags.Incorrect,
		Unhelpful:     req.Flags.Unhelpful,
		Inappropriate: req.Flags.Inappropriate,
	}, req.Text)
	if err != nil {
		http.Error(w, `{"error":"could not record feedback"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- A/B preference ---

type abPreferenceRequest struct {
	ComparisonID string `json:"comparison_id"`
	Preference   string `json:"preference"`
}

func (s *server) handleABPreference(w http.ResponseWriter, r *http.Request) {
	var req abPreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	err := s.store.RecordABPreference(r.Context(), req.ComparisonID, domain.Preference(req.Preference))
	if err != nil {
		if errors.Is(err, domain.ErrPreferenceReplay) {
			http.Error(w, `{"error":"preference already recorded"}`, http.StatusBadRequest)
			return
		}
		http.Error(w, `{"error":"could not record preference"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- documents ---

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	var conversationID int64
	fmt.Sscanf(r.URL.Query().Get("conversation_id"), "%d", &conversationID)
	userID := r.Header.Get("X-User-ID")

	resources := s.cat.Snapshot()
	hashes := make([]string, 0, len(resources))
	for _, res := range resources {
		if res.Tombstoned {
			continue
		}
		hashes = append(hashes, res.Hash)
	}
	enabled, err := s.store.GetEnabledHashes(r.Context(), conversationID, userID, hashes)
	if err != nil {
		http.Error(w, `{"error":"could not load document selection"}`, http.StatusInternalServerError)
		return
	}

	type docView struct {
		Hash        string `json:"hash"`
		DisplayName string `json:"display_name"`
		SourceType  string `json:"source_type"`
		Enabled     bool   `json:"enabled"`
	}
	out := make([]docView, 0, len(resources))
	for _, res := range resources {
		if res.Tombstoned {
			continue
		}
		out = append(out, docView{
			Hash:        res.Hash,
			DisplayName: res.DisplayName,
			SourceType:  string(res.SourceType),
			Enabled:     enabled[res.Hash],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type setDocumentRequest struct {
	ConversationID int64    `json:"conversation_id"`
	DocumentID     string   `json:"document_id"`
	DocumentIDs    []string `json:"document_ids"`
}

func (s *server) handleSetDocument(enabled, bulk bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		var err error
		if bulk {
			err = s.store.BulkSetDocumentEnabled(r.Context(), req.ConversationID, req.DocumentIDs, enabled)
		} else {
			err = s.store.SetDocumentEnabled(r.Context(), req.ConversationID, req.DocumentID, enabled)
		}
		if err != nil {
			http.Error(w, `{"error":"could not update document selection"}`, http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleUploadDocument accepts a multipart file upload, persists it
// through the upload collector, and syncs the index so the document is
// retrievable immediately.
func (s *server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, `{"error":"invalid multipart form"}`, http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"error":"file field is required"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, `{"error":"could not read upload"}`, http.StatusBadRequest)
		return
	}

	uploader := ingest.NewUploadCollector()
	hash, err := uploader.Persist(s.cat, header.Filename, content, r.Header.Get("X-User-ID"))
	if err != nil {
		http.Error(w, `{"error":"could not persist upload"}`, http.StatusInternalServerError)
		return
	}
	if s.syncer != nil {
		if err := s.syncer.Sync(r.Context(), s.cat.Snapshot()); err != nil {
			s.logger.Error("sync after upload", "hash", hash, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": hash})
}

// --- admin ---

// handleAdminConfig overwrites the runtime-changeable pipeline section
// (model selection, temperature, top_p/top_k, retrieval k, prompt
// selection, verbosity); the change takes effect for subsequent turns.
// Static fields require a restart and are not reachable here. Auth is a
// bearer token matched against the env-injected admin key.
func (s *server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	keyEnv := s.cfg.Global.AdminKeyEnv
	if keyEnv == "" {
		keyEnv = "SABLE_ADMIN_KEY"
	}
	want, err := config.Secret(os.Getenv, keyEnv)
	if err != nil || want == "" {
		http.Error(w, `{"error":"admin endpoint disabled"}`, http.StatusForbidden)
		return
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	patch := s.cfg.Pipeline()
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	s.cfg.Apply(patch)
	s.logger.Info("runtime config updated", "model", patch.Model, "retrieval_k", patch.RetrievalK)
	w.WriteHeader(http.StatusNoContent)
}

// --- ingestion control ---

func (s *server) handleReloadSchedules(w http.ResponseWriter, r *http.Request) {
	s.sched.Reload()
	registerSources(s.sched, s.cfg, s.logger)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleIngestionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
