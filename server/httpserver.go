package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/metrics"
	"github.com/scidatahub/catalogdb/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET("/stats", h.Stats, rpc.OptArgsQuery())
	rpc.GET("/metrics", h.Metrics)
	rpc.GET("/events/stream", h.StreamEvents, rpc.OptArgsQuery())

	return rpc.DefaultRouter
}

func (h *HttpServer) Stats(c *rpc.Context) {
	c.RespondJSON(h.Server.Stat())
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

type streamArgs struct {
	Resource        string `json:"resource"`
	IncludeChildren bool   `json:"include_children"`
}

// StreamEvents pushes live committed events over a websocket. Delivery is
// at least once; a client that needs gap-free history should pair the
// stream with a durable consumer and its cursor.
func (h *HttpServer) StreamEvents(c *rpc.Context) {
	args := new(streamArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	resource, err := proto.ParseID(args.Resource)
	if err != nil {
		c.RespondError(apierrors.ErrNotFound)
		return
	}

	span := trace.SpanFromContextSafe(c.Request.Context())

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		span.Warnf("websocket accept failed: %s", err.Error())
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()
	sub := h.Dispatcher().Subscribe(ctx, proto.ConsumerInfo{
		Resource:            resource,
		IncludeSubresources: args.IncludeChildren,
	})
	defer h.Dispatcher().Unsubscribe(sub.ID)

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				span.Warnf("websocket write failed: %s", err.Error())
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
