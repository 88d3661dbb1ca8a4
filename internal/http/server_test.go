//nolint:hugeParam // test only
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/metrics"
	"tlogd/pkg/tlog"
	"tlogd/pkg/types"

	"github.com/google/uuid"
)

// fakeLogServer records what it was asked and answers from canned values
type fakeLogServer struct {
	mu       sync.Mutex
	commits  []tlog.CommitRequest
	pops     []tlog.PopRequest
	disabled string
	err      error
}

func (f *fakeLogServer) Recruit(_ context.Context, req tlog.InitializeRequest) (tlog.Interface, error) {
	if f.err != nil {
		return tlog.Interface{}, f.err
	}
	groups := make([]types.GroupID, 0, len(req.Groups))
	for _, g := range req.Groups {
		groups = append(groups, g.GroupID)
	}
	return tlog.Interface{LogID: req.RecruitmentID, Groups: groups, TransferModel: req.TransferModel}, nil
}

func (f *fakeLogServer) Recruitment(_ context.Context, id uuid.UUID) (tlog.Interface, error) {
	if f.err != nil {
		return tlog.Interface{}, f.err
	}
	return tlog.Interface{LogID: id, TransferModel: types.StorageServerActivelyPull}, nil
}

func (f *fakeLogServer) Commit(_ context.Context, req tlog.CommitRequest) (tlog.CommitReply, error) {
	if f.err != nil {
		return tlog.CommitReply{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, req)
	return tlog.CommitReply{Version: req.KnownCommittedVersion}, nil
}

func (f *fakeLogServer) Peek(_ context.Context, req tlog.PeekRequest) (tlog.PeekReply, error) {
	if f.err != nil {
		return tlog.PeekReply{}, f.err
	}
	return tlog.PeekReply{Data: []byte("batch"), Begin: req.BeginVersion, End: req.BeginVersion + 10}, nil
}

func (f *fakeLogServer) Pop(_ context.Context, req tlog.PopRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pops = append(f.pops, req)
	return f.err
}

func (f *fakeLogServer) Lock(_ context.Context, logID types.LogID) ([]tlog.LockResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []tlog.LockResult{{GroupID: logID, End: 42, KnownCommittedVersion: 40}}, nil
}

func (f *fakeLogServer) ConfirmRunning(types.LogID) error { return f.err }

func (f *fakeLogServer) QueuingMetrics() []tlog.QueuingMetrics {
	return []tlog.QueuingMetrics{{BytesInput: 10, BytesDurable: 4, Version: 7}}
}

func (f *fakeLogServer) DisablePop(uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = uid
	return f.err
}

func (f *fakeLogServer) EnablePop(uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled != uid {
		return dberrors.ErrOperationObsolete
	}
	f.disabled = ""
	return nil
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentTypeJSON)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, value any) Response {
	t.Helper()
	var raw struct {
		Response
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	if value != nil {
		if err := json.Unmarshal(raw.Value, value); err != nil {
			t.Fatalf("failed to decode value: %v, body=%s", err, rr.Body.String())
		}
	}
	return raw.Response
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(&fakeLogServer{}, nil, "", nil)

	rr := serve(s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr, nil); resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestCommitAndPeek(t *testing.T) {
	logs := &fakeLogServer{}
	s := NewServer(logs, nil, "", nil)
	team := uuid.New()

	body := fmt.Sprintf(`{"storageTeamId":%q,"prevVersion":10,"version":20,"knownCommittedVersion":5}`, team)
	rr := serve(s, http.MethodPost, "/v1/commit", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var reply tlog.CommitReply
	decodeResp(t, rr, &reply)
	if reply.Version != 5 {
		t.Fatalf("commit: expected version 5, got %d", reply.Version)
	}
	if len(logs.commits) != 1 || logs.commits[0].StorageTeamID != team || logs.commits[0].Version != 20 {
		t.Fatalf("commit: unexpected request %+v", logs.commits)
	}

	rr = serve(s, http.MethodPost, "/v1/peek", fmt.Sprintf(`{"storageTeamId":%q,"begin":30}`, team))
	if rr.Code != http.StatusOK {
		t.Fatalf("peek: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var peek tlog.PeekReply
	decodeResp(t, rr, &peek)
	if string(peek.Data) != "batch" || peek.Begin != 30 || peek.End != 40 {
		t.Fatalf("peek: unexpected reply %+v", peek)
	}
}

func TestErrorsCarryCodes(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("gen: %w", dberrors.ErrTLogStopped), http.StatusConflict, "tlog_stopped"},
		{dberrors.ErrTLogGroupNotFound, http.StatusNotFound, "tlog_group_not_found"},
		{dberrors.ErrUnknownRecruitment, http.StatusNotFound, "unknown_recruitment"},
		{dberrors.ErrProtocolViolation, http.StatusBadRequest, "protocol_violation"},
		{dberrors.ErrIOTimeout, http.StatusServiceUnavailable, "io_timeout"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			s := NewServer(&fakeLogServer{err: tt.err}, nil, "", nil)
			rr := serve(s, http.MethodPost, "/v1/confirm", fmt.Sprintf(`{"logId":%q}`, uuid.New()))
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
			resp := decodeResp(t, rr, nil)
			if resp.Status != StatusError || resp.Code != tt.code {
				t.Fatalf("expected code %s, got %+v", tt.code, resp)
			}
		})
	}
}

func TestRecruitmentLookup(t *testing.T) {
	id := uuid.New()
	s := NewServer(&fakeLogServer{}, nil, "", nil)

	rr := serve(s, http.MethodGet, "/v1/recruit/"+id.String(), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var iface tlog.Interface
	decodeResp(t, rr, &iface)
	if iface.LogID != id {
		t.Fatalf("expected log id %s, got %s", id, iface.LogID)
	}

	rr = serve(s, http.MethodGet, "/v1/recruit/not-a-uuid", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	s = NewServer(&fakeLogServer{err: dberrors.ErrUnknownRecruitment}, nil, "", nil)
	rr = serve(s, http.MethodGet, "/v1/recruit/"+id.String(), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr, nil); resp.Code != "unknown_recruitment" {
		t.Fatalf("expected unknown_recruitment, got %s", resp.Code)
	}
}

func TestPopControl(t *testing.T) {
	logs := &fakeLogServer{}
	s := NewServer(logs, nil, "", nil)

	if rr := serve(s, http.MethodPost, "/v1/pop/disable", `{"uid":"snap"}`); rr.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d", rr.Code)
	}
	rr := serve(s, http.MethodPost, "/v1/pop/enable", `{"uid":"other"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("enable other: expected 409, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr, nil); resp.Code != "operation_obsolete" {
		t.Fatalf("enable other: expected operation_obsolete, got %s", resp.Code)
	}
	if rr := serve(s, http.MethodPost, "/v1/pop/enable", `{"uid":"snap"}`); rr.Code != http.StatusOK {
		t.Fatalf("enable: expected 200, got %d", rr.Code)
	}
}

func TestLockAndQueuingMetrics(t *testing.T) {
	s := NewServer(&fakeLogServer{}, nil, "", nil)

	rr := serve(s, http.MethodPost, "/v1/lock", fmt.Sprintf(`{"logId":%q}`, uuid.New()))
	if rr.Code != http.StatusOK {
		t.Fatalf("lock: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var locks []tlog.LockResult
	decodeResp(t, rr, &locks)
	if len(locks) != 1 || locks[0].End != 42 {
		t.Fatalf("lock: unexpected reply %+v", locks)
	}

	rr = serve(s, http.MethodGet, "/v1/queuing-metrics", "")
	var qm []tlog.QueuingMetrics
	decodeResp(t, rr, &qm)
	if len(qm) != 1 || qm[0].BytesInput != 10 || qm[0].Version != 7 {
		t.Fatalf("queuing metrics: unexpected reply %+v", qm)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Commits.WithLabelValues("g").Inc()
	s := NewServer(&fakeLogServer{}, m.Handler(), "", nil)

	rr := serve(s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "tlogd_commits_total") {
		t.Fatalf("metrics: commit counter missing from\n%s", rr.Body.String())
	}
}

func TestBadRequestAndMethodNotAllowed(t *testing.T) {
	s := NewServer(&fakeLogServer{}, nil, "", nil)

	rr := serve(s, http.MethodPost, "/v1/commit", "{not json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad body: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr, nil); resp.Code != CodeBadRequest {
		t.Fatalf("bad body: expected code %s, got %s", CodeBadRequest, resp.Code)
	}

	rr = serve(s, http.MethodPost, "/health", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}
