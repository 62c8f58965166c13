package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TaskMesh-Chain/internal/directory"
	"TaskMesh-Chain/internal/escrow"
	"TaskMesh-Chain/internal/events"
	"TaskMesh-Chain/internal/ledger"
	"TaskMesh-Chain/internal/market"
	"TaskMesh-Chain/internal/oracle"
	"TaskMesh-Chain/internal/workflow"
)

var (
	testEscrowAccount   = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	testPlatformAccount = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	testArbitrator      = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	testRequester       = common.HexToAddress("0x0000000000000000000000000000000000000011")
)

func newTestServer(t *testing.T) (*Server, *market.Service) {
	t.Helper()

	accountant, err := escrow.NewAccountant(250, big.NewInt(1))
	if err != nil {
		t.Fatalf("new accountant: %v", err)
	}
	tokens := ledger.NewMemoryLedger(testEscrowAccount)
	tokens.Mint(testRequester, big.NewInt(100_000))
	agents := directory.NewMemoryDirectory()
	publisher := events.NewMemoryPublisher()

	marketSvc, err := market.NewService(market.NewMemoryStore(), accountant, tokens, agents, publisher, market.Params{
		EscrowAccount:   testEscrowAccount,
		PlatformAccount: testPlatformAccount,
		Arbitrator:      testArbitrator,
	})
	if err != nil {
		t.Fatalf("new market service: %v", err)
	}
	workflowSvc, err := workflow.NewService(workflow.NewMemoryStore(), accountant, tokens, agents, publisher, workflow.Params{
		EscrowAccount:   testEscrowAccount,
		PlatformAccount: testPlatformAccount,
	})
	if err != nil {
		t.Fatalf("new workflow service: %v", err)
	}

	advisor := oracle.NewStaticAdvisor([]oracle.Quote{
		{Capability: "translation", Floor: "100", Typical: "500", Ceiling: "2000"},
	})
	return NewServer(":0", marketSvc, workflowSvc, advisor), marketSvc
}

func TestCreateAndFetchTask(t *testing.T) {
	server, _ := newTestServer(t)

	deadline := time.Now().Add(24 * time.Hour).Unix()
	body := `{"requester":"` + testRequester.Hex() + `","title":"translate","capabilities":["translation"],"reward":"1000","deadline":` +
		intToString(deadline) + `}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleTasks(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var created market.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Status != market.StatusOpen {
		t.Fatalf("unexpected status %s", created.Status)
	}

	detail := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID.Hex(), nil)
	rec = httptest.NewRecorder()
	server.handleTaskDetail(rec, detail)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected detail status: %d", rec.Code)
	}
	var got market.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("unexpected task id: got %s want %s", got.ID.Hex(), created.ID.Hex())
	}
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	server, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"bad address", `{"requester":"nope","title":"t","capabilities":["x"],"reward":"10","deadline":9999999999}`, http.StatusBadRequest},
		{"bad reward", `{"requester":"` + testRequester.Hex() + `","title":"t","capabilities":["x"],"reward":"ten","deadline":9999999999}`, http.StatusBadRequest},
		{"validation", `{"requester":"` + testRequester.Hex() + `","title":"","capabilities":["x"],"reward":"10","deadline":9999999999}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		server.handleTasks(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: unexpected status %d, body %s", tc.name, rec.Code, rec.Body.String())
		}
	}
}

func TestTaskDetailErrorMapping(t *testing.T) {
	server, _ := newTestServer(t)

	// 不存在的任务映射为 404，响应体携带错误码。
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/0xdeadbeef", nil)
	rec := httptest.NewRecorder()
	server.handleTaskDetail(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["code"] != string(market.CodeTaskNotFound) {
		t.Fatalf("unexpected error code %q", payload["code"])
	}

	// 错误的方法。
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/0xdeadbeef", nil)
	rec = httptest.NewRecorder()
	server.handleTaskDetail(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestWorkflowEndToEndOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)

	deadline := time.Now().Add(24 * time.Hour).Unix()
	body := `{"creator":"` + testRequester.Hex() + `","name":"pipeline","budget":"100","deadline":` + intToString(deadline) + `}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleWorkflows(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create workflow: status %d body %s", rec.Code, rec.Body.String())
	}
	var created workflow.Workflow
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode workflow: %v", err)
	}

	stepBody := `{"caller":"` + testRequester.Hex() + `","name":"extract","capability":"translation","reward":"40"}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflows/"+created.ID+"/steps", strings.NewReader(stepBody))
	rec = httptest.NewRecorder()
	server.handleWorkflowDetail(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add step: status %d body %s", rec.Code, rec.Body.String())
	}

	startBody := `{"caller":"` + testRequester.Hex() + `"}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflows/"+created.ID+"/start", strings.NewReader(startBody))
	rec = httptest.NewRecorder()
	server.handleWorkflowDetail(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("start workflow: status %d body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows/"+created.ID+"/ready", nil)
	rec = httptest.NewRecorder()
	server.handleWorkflowDetail(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready set: status %d body %s", rec.Code, rec.Body.String())
	}
	var ready struct {
		Ready []workflow.StepID `json:"ready"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if len(ready.Ready) != 1 || ready.Ready[0] != 1 {
		t.Fatalf("unexpected ready set %v", ready.Ready)
	}
}

func TestQuotesEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quotes?capability=Translation", nil)
	rec := httptest.NewRecorder()
	server.handleQuotes(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var quote oracle.Quote
	if err := json.Unmarshal(rec.Body.Bytes(), &quote); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if quote.Typical != "500" {
		t.Fatalf("unexpected quote %+v", quote)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/quotes?capability=unknown", nil)
	rec = httptest.NewRecorder()
	server.handleQuotes(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, marketSvc := newTestServer(t)

	if _, err := marketSvc.CreateTask(context.Background(), testRequester, market.CreateTaskInput{
		Title:        "t",
		Capabilities: []string{"translation"},
		Reward:       big.NewInt(100),
		Deadline:     time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	server.handleStats(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var payload struct {
		Tasks market.Stats `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if payload.Tasks.Open != 1 {
		t.Fatalf("unexpected stats %+v", payload.Tasks)
	}
}

func intToString(value int64) string {
	return strconv.FormatInt(value, 10)
}
