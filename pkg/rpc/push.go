package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/tlog"
	"tlogd/pkg/types"

	"github.com/go-chi/chi/v5"
)

const pushPath = "/push"

type pushReply struct {
	Version types.Version `json:"version"`
}

// PushClient delivers pushed team data to a storage server that exposes PushHandler.
type PushClient struct {
	c *Client
}

func NewPushClient(baseURL string, timeout time.Duration) *PushClient {
	return &PushClient{c: NewClient(baseURL, timeout)}
}

// PushDialer builds push clients for the push targets named in recruitments.
func PushDialer(timeout time.Duration) func(url string) tlog.PushDestination {
	return func(url string) tlog.PushDestination {
		return NewPushClient(url, timeout)
	}
}

func (p *PushClient) Push(ctx context.Context, req tlog.PushRequest) (types.Version, error) {
	var reply pushReply
	if err := p.c.call(ctx, http.MethodPost, pushPath, req, &reply); err != nil {
		return 0, err
	}
	return reply.Version, nil
}

// PushHandler serves the receiving end of the push model: it hands every request to
// dest and replies with the version dest acknowledged.
func PushHandler(dest tlog.PushDestination, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Post(pushPath, func(w http.ResponseWriter, r *http.Request) {
		var req tlog.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, logger, http.StatusBadRequest, envelope{Status: "error", Error: err.Error(), Code: "bad_request"})
			return
		}
		acked, err := dest.Push(r.Context(), req)
		if err != nil {
			writeEnvelope(w, logger, http.StatusInternalServerError, envelope{Status: "error", Error: err.Error(), Code: dberrors.Code(err)})
			return
		}
		value, _ := json.Marshal(pushReply{Version: acked})
		writeEnvelope(w, logger, http.StatusOK, envelope{Status: "success", Value: value})
	})
	return r
}

func writeEnvelope(w http.ResponseWriter, logger *slog.Logger, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Warn("Error encoding response", "error", err)
	}
}
