// Package snapshot serves the latest frame of every stream over HTTP along
// with receiver metrics.
package snapshot

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/framestore"
	"github.com/antmicro/farshow/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultWaitTimeout = 500 * time.Millisecond
	maxWaitTimeout     = 30 * time.Second
)

type Options struct {
	// WaitTimeout is used by the wait endpoint when the request gives none.
	WaitTimeout time.Duration
	Codec       codec.Codec
}

type Server struct {
	store   *framestore.Store
	metrics *metrics.FrameCollector
	codec   codec.Codec
	wait    time.Duration
	engine  *gin.Engine
}

type streamInfo struct {
	Stream     string    `json:"stream"`
	FrameID    uint32    `json:"frame_id"`
	Format     string    `json:"format"`
	Bytes      int       `json:"bytes"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	ReceivedAt time.Time `json:"received_at"`
	Version    uint64    `json:"version"`
	Published  uint64    `json:"published"`
	Replaced   uint64    `json:"replaced"`
}

func New(store *framestore.Store, mc *metrics.FrameCollector, opts Options) *Server {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	if opts.Codec == nil {
		opts.Codec = codec.NewImageCodec()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:   store,
		metrics: mc,
		codec:   opts.Codec,
		wait:    opts.WaitTimeout,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/streams", s.listStreams)
	s.engine.GET("/streams/:name/frame", s.frame)
	s.engine.GET("/wait", s.waitFrame)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
		s.engine.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.metrics.Snapshot())
		})
	}
}

func (s *Server) listStreams(c *gin.Context) {
	snap := s.store.Snapshot()
	out := make([]streamInfo, 0, len(snap))
	for _, name := range s.store.Streams() {
		e, ok := snap[name]
		if !ok || e.Frame == nil {
			continue
		}
		info := streamInfo{
			Stream:     name,
			FrameID:    e.Frame.FrameID,
			Format:     string(e.Frame.Format),
			Bytes:      len(e.Frame.Data),
			ReceivedAt: e.Frame.ReceivedAt,
			Version:    e.Version,
			Published:  e.Published,
			Replaced:   e.Replaced,
		}
		if e.Frame.Image != nil {
			b := e.Frame.Image.Bounds()
			info.Width, info.Height = b.Dx(), b.Dy()
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, out)
}

// frame returns the compressed bytes as received, or a re-encoding when the
// format query parameter asks for a different one.
func (s *Server) frame(c *gin.Context) {
	name := c.Param("name")
	frame, ok := s.store.Latest(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown stream " + strconv.Quote(name)})
		return
	}
	c.Header("X-Frame-Id", strconv.FormatUint(uint64(frame.FrameID), 10))

	want := frame.Format
	if q := c.Query("format"); q != "" {
		f, err := codec.ParseFormat(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		want = f
	}
	if want == frame.Format {
		c.Data(http.StatusOK, frame.Format.ContentType(), frame.Data)
		return
	}
	if frame.Image == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "frame has no decoded image"})
		return
	}

	opts := codec.DefaultEncodeOptions()
	opts.Format = want
	data, err := s.codec.Encode(framestore.ToRGBA(frame.Image), opts)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, want.ContentType(), data)
}

// waitFrame long-polls until a frame newer than ?since is published.
func (s *Server) waitFrame(c *gin.Context) {
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an unsigned integer"})
		return
	}
	timeout := s.wait
	if q := c.Query("timeout_ms"); q != "" {
		ms, err := strconv.Atoi(q)
		if err != nil || ms < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_ms must be a non-negative integer"})
			return
		}
		timeout = min(time.Duration(ms)*time.Millisecond, maxWaitTimeout)
	}

	version, changed := s.store.Wait(c.Request.Context(), since, timeout)
	c.JSON(http.StatusOK, gin.H{"version": version, "changed": changed})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		internal.Info("snapshot http server started", internal.Fields{
			internal.FieldAddr: ln.Addr().String(),
		})
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		internal.Error("snapshot http shutdown timed out", internal.Fields{
			internal.FieldError: err.Error(),
		})
		_ = srv.Close()
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if !internal.DebugEnabled() {
			return
		}
		internal.Debug("http request", internal.Fields{
			internal.FieldKey("method"):  c.Request.Method,
			internal.FieldKey("path"):    c.Request.URL.Path,
			internal.FieldKey("status"):  c.Writer.Status(),
			internal.FieldKey("latency"): time.Since(start).String(),
		})
	}
}
