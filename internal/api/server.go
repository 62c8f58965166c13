package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TaskMesh-Chain/internal/directory"
	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/market"
	"TaskMesh-Chain/internal/observability/metrics"
	"TaskMesh-Chain/internal/oracle"
	"TaskMesh-Chain/internal/workflow"
)

// Server 负责暴露 REST 接口，供外部驱动任务市场与工作流编排。
type Server struct {
	addr      string
	market    *market.Service
	workflows *workflow.Service
	advisor   oracle.Advisor
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, marketSvc *market.Service, workflowSvc *workflow.Service, advisor oracle.Advisor) *Server {
	return &Server{addr: addr, market: marketSvc, workflows: workflowSvc, advisor: advisor}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/tasks", instrument("tasks", http.HandlerFunc(s.handleTasks)))
	mux.Handle("/api/v1/tasks/", instrument("task_detail", http.HandlerFunc(s.handleTaskDetail)))
	mux.Handle("/api/v1/workflows", instrument("workflows", http.HandlerFunc(s.handleWorkflows)))
	mux.Handle("/api/v1/workflows/", instrument("workflow_detail", http.HandlerFunc(s.handleWorkflowDetail)))
	mux.Handle("/api/v1/quotes", instrument("quotes", http.HandlerFunc(s.handleQuotes)))
	mux.Handle("/api/v1/stats", instrument("stats", http.HandlerFunc(s.handleStats)))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createTaskRequest struct {
	Requester            string   `json:"requester"`
	Title                string   `json:"title"`
	DescriptionRef       string   `json:"description_ref"`
	Capabilities         []string `json:"capabilities"`
	Reward               string   `json:"reward"`
	Deadline             int64    `json:"deadline"`
	RequiresVerification bool     `json:"requires_verification"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	requester, ok := parseAddress(req.Requester)
	if !ok {
		http.Error(w, "requester 不是合法地址", http.StatusBadRequest)
		return
	}
	reward, ok := parseAmount(req.Reward)
	if !ok {
		http.Error(w, "reward 不是十进制整数", http.StatusBadRequest)
		return
	}

	task, err := s.market.CreateTask(r.Context(), requester, market.CreateTaskInput{
		Title:                req.Title,
		DescriptionRef:       req.DescriptionRef,
		Capabilities:         req.Capabilities,
		Reward:               reward,
		Deadline:             time.Unix(req.Deadline, 0),
		RequiresVerification: req.RequiresVerification,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := market.ListOptions{Limit: parseLimit(r)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, value := range strings.Split(raw, ",") {
			status := market.Status(strings.TrimSpace(value))
			if !market.IsValidStatus(status) {
				http.Error(w, "未知任务状态: "+string(status), http.StatusBadRequest)
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	if raw := r.URL.Query().Get("requester"); raw != "" {
		requester, ok := parseAddress(raw)
		if !ok {
			http.Error(w, "requester 不是合法地址", http.StatusBadRequest)
			return
		}
		opts.Requester = &requester
	}
	opts.Capability = r.URL.Query().Get("capability")

	tasks, err := s.market.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTaskDetail 路由 /api/v1/tasks/{id} 及其子操作。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	taskID := common.HexToHash(parts[0])

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		task, err := s.market.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	action := parts[1]
	if action == "best-agent" {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		profile, score, err := s.market.BestAgent(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": profile, "score": score.String()})
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Caller         string `json:"caller"`
		AgentID        uint64 `json:"agent_id"`
		ResultRef      string `json:"result_ref"`
		Reason         string `json:"reason"`
		InFavorOfAgent bool   `json:"in_favor_of_agent"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && action != "release" {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
	}
	caller, callerOK := parseAddress(req.Caller)
	if action != "release" && !callerOK {
		http.Error(w, "caller 不是合法地址", http.StatusBadRequest)
		return
	}

	var (
		task *market.Task
		err  error
	)
	switch action {
	case "accept":
		task, err = s.market.AcceptTask(r.Context(), caller, taskID, directory.AgentID(req.AgentID))
	case "submit":
		task, err = s.market.SubmitResult(r.Context(), caller, taskID, req.ResultRef)
	case "approve":
		task, err = s.market.ApproveResult(r.Context(), caller, taskID)
	case "reject":
		task, err = s.market.RejectResult(r.Context(), caller, taskID, req.Reason)
	case "resolve":
		task, err = s.market.ResolveDispute(r.Context(), caller, taskID, req.InFavorOfAgent)
	case "cancel":
		task, err = s.market.CancelTask(r.Context(), caller, taskID)
	case "release":
		task, err = s.market.AutoRelease(r.Context(), taskID)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateWorkflow(w, r)
	case http.MethodGet:
		s.handleListWorkflows(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createWorkflowRequest struct {
	Creator     string `json:"creator"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Budget      string `json:"budget"`
	Deadline    int64  `json:"deadline"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	creator, ok := parseAddress(req.Creator)
	if !ok {
		http.Error(w, "creator 不是合法地址", http.StatusBadRequest)
		return
	}
	budget, ok := parseAmount(req.Budget)
	if !ok {
		http.Error(w, "budget 不是十进制整数", http.StatusBadRequest)
		return
	}

	created, err := s.workflows.CreateWorkflow(r.Context(), creator, workflow.CreateWorkflowInput{
		Name:        req.Name,
		Description: req.Description,
		Budget:      budget,
		Deadline:    time.Unix(req.Deadline, 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	opts := workflow.ListOptions{Limit: parseLimit(r)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, value := range strings.Split(raw, ",") {
			opts.Statuses = append(opts.Statuses, workflow.Status(strings.TrimSpace(value)))
		}
	}
	if raw := r.URL.Query().Get("creator"); raw != "" {
		creator, ok := parseAddress(raw)
		if !ok {
			http.Error(w, "creator 不是合法地址", http.StatusBadRequest)
			return
		}
		opts.Creator = &creator
	}

	workflows, err := s.workflows.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

// handleWorkflowDetail 路由 /api/v1/workflows/{id} 及其子操作。
func (s *Server) handleWorkflowDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	workflowID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		got, err := s.workflows.Get(r.Context(), workflowID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, got)
		return
	}

	switch parts[1] {
	case "ready":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		ready, err := s.workflows.ReadySteps(r.Context(), workflowID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": ready})
		return
	case "steps":
		if len(parts) == 2 {
			s.handleAddStep(w, r, workflowID)
			return
		}
		s.handleStepAction(w, r, workflowID, parts[2:])
		return
	case "start", "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Caller string `json:"caller"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		caller, ok := parseAddress(req.Caller)
		if !ok {
			http.Error(w, "caller 不是合法地址", http.StatusBadRequest)
			return
		}
		var (
			got *workflow.Workflow
			err error
		)
		if parts[1] == "start" {
			got, err = s.workflows.StartWorkflow(r.Context(), caller, workflowID)
		} else {
			got, err = s.workflows.CancelWorkflow(r.Context(), caller, workflowID)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, got)
		return
	default:
		http.NotFound(w, r)
	}
}

type addStepRequest struct {
	Caller       string   `json:"caller"`
	Name         string   `json:"name"`
	Capability   string   `json:"capability"`
	Reward       string   `json:"reward"`
	Type         string   `json:"type"`
	Dependencies []uint64 `json:"dependencies"`
	InputRef     string   `json:"input_ref"`
}

func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request, workflowID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req addStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "caller 不是合法地址", http.StatusBadRequest)
		return
	}
	reward, ok := parseAmount(req.Reward)
	if !ok {
		http.Error(w, "reward 不是十进制整数", http.StatusBadRequest)
		return
	}
	deps := make([]workflow.StepID, 0, len(req.Dependencies))
	for _, dep := range req.Dependencies {
		deps = append(deps, workflow.StepID(dep))
	}

	got, err := s.workflows.AddStep(r.Context(), caller, workflowID, workflow.AddStepInput{
		Name:         req.Name,
		Capability:   req.Capability,
		Reward:       reward,
		Type:         workflow.StepType(req.Type),
		Dependencies: deps,
		InputRef:     req.InputRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleStepAction(w http.ResponseWriter, r *http.Request, workflowID string, parts []string) {
	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST /steps/{id}/{action}", http.StatusMethodNotAllowed)
		return
	}
	rawStepID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "步骤编号必须是正整数", http.StatusBadRequest)
		return
	}
	stepID := workflow.StepID(rawStepID)

	var req struct {
		Caller    string `json:"caller"`
		AgentID   uint64 `json:"agent_id"`
		OutputRef string `json:"output_ref"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "caller 不是合法地址", http.StatusBadRequest)
		return
	}

	var got *workflow.Workflow
	switch parts[1] {
	case "accept":
		got, err = s.workflows.AcceptStep(r.Context(), caller, workflowID, stepID, directory.AgentID(req.AgentID))
	case "complete":
		got, err = s.workflows.CompleteStep(r.Context(), caller, workflowID, stepID, req.OutputRef)
	case "fail":
		got, err = s.workflows.FailStep(r.Context(), caller, workflowID, stepID, req.Reason)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.advisor == nil {
		http.Error(w, "报价服务未配置", http.StatusServiceUnavailable)
		return
	}
	capability := r.URL.Query().Get("capability")
	quote, ok := s.advisor.Suggest(capability)
	if !ok {
		http.Error(w, "没有该能力的报价", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	taskStats, err := s.market.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	workflowStats, err := s.workflows.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":     taskStats,
		"workflows": workflowStats,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按错误分类映射 HTTP 状态码，响应体携带错误码便于客户端判别。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindValidation:
		status = http.StatusBadRequest
	case xerrors.KindAuthorization:
		status = http.StatusForbidden
	case xerrors.KindState, xerrors.KindTiming:
		status = http.StatusConflict
	case xerrors.KindResource:
		status = http.StatusUnprocessableEntity
	}
	switch xerrors.CodeOf(err) {
	case market.CodeTaskNotFound, workflow.CodeWorkflowNotFound, workflow.CodeStepNotFound:
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAmount(raw string) (*big.Int, bool) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, false
	}
	return value, true
}

func parseLimit(r *http.Request) int {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

// instrument 记录每个接口的调用计数与耗时。
func instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
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

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
