package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twitchtv/twirp"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dcrodman/cerver/internal/cerver"
)

// PathPrefix is the prefix of every admin route, e.g. /twirp/cerver.admin.Admin/GetStats.
const PathPrefix = "/twirp/cerver.admin.Admin/"

const (
	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/protobuf"

	maxRequestBytes = 1 << 16
)

type method func(ctx context.Context) (*structpb.Struct, error)

// Handler routes admin RPCs to the service for a single Cerver.
type Handler struct {
	logger  logrus.FieldLogger
	methods map[string]method
}

func NewHandler(logger logrus.FieldLogger, c *cerver.Cerver) *Handler {
	s := &service{cerver: c}
	return &Handler{
		logger: logger,
		methods: map[string]method{
			"GetStats":    s.GetStats,
			"ListClients": s.ListClients,
			"ListLobbies": s.ListLobbies,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, twirp.NewError(twirp.BadRoute,
			fmt.Sprintf("unsupported method %q (only POST is allowed)", r.Method)))
		return
	}
	if !strings.HasPrefix(r.URL.Path, PathPrefix) {
		h.writeError(w, twirp.NewError(twirp.BadRoute, "no handler for path "+r.URL.Path))
		return
	}
	name := strings.TrimPrefix(r.URL.Path, PathPrefix)
	call, ok := h.methods[name]
	if !ok {
		h.writeError(w, twirp.NewError(twirp.BadRoute, "no such method "+name))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.TrimSpace(strings.ToLower(contentType))
	if contentType != contentTypeJSON && contentType != contentTypeProtobuf {
		h.writeError(w, twirp.NewError(twirp.BadRoute, "unexpected Content-Type: "+contentType))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		h.writeError(w, twirp.NewError(twirp.Malformed, "failed to read request body: "+err.Error()))
		return
	}
	// Every admin RPC takes an empty request.
	if len(body) > 0 {
		req := &emptypb.Empty{}
		if contentType == contentTypeJSON {
			err = protojson.Unmarshal(body, req)
		} else {
			err = proto.Unmarshal(body, req)
		}
		if err != nil {
			h.writeError(w, twirp.NewError(twirp.Malformed, "the request could not be decoded: "+err.Error()))
			return
		}
	}

	resp, err := call(r.Context())
	if err != nil {
		h.writeError(w, twirp.InternalErrorWith(err))
		return
	}

	var out []byte
	if contentType == contentTypeJSON {
		out, err = protojson.MarshalOptions{UseProtoNames: true}.Marshal(resp)
	} else {
		out, err = proto.Marshal(resp)
	}
	if err != nil {
		h.writeError(w, twirp.InternalErrorWith(err))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		h.logger.Debugf("failed to write admin %s response: %s", name, err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if writeErr := twirp.WriteError(w, err); writeErr != nil {
		h.logger.Debugf("failed to write admin error response: %s", writeErr)
	}
}

// Serve answers admin RPCs for c on listener until ctx is cancelled.
func Serve(ctx context.Context, logger logrus.FieldLogger, listener net.Listener, c *cerver.Cerver) error {
	server := &http.Server{
		Handler:           NewHandler(logger, c),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("admin API waiting for requests on %s", listener.Addr())
		errs <- server.Serve(listener)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("error serving admin API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down admin API: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("admin API exited")
	return nil
}
