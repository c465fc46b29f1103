// Package preview is a display surface that streams viewfinder frames as
// JPEG images to WebSocket and MJPEG viewers.
package preview

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wan-ghuan/camerax/internal/frame"
)

const (
	defaultQuality  = 70
	writeTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Config configures the preview server.
type Config struct {
	// Addr is the listen address, e.g. ":8090". Port 0 picks a free port.
	Addr string
	// Quality is the JPEG quality of preview images (default 70).
	Quality int
}

// Stats counts preview activity. Skipped counts images a viewer missed
// because it had not taken the previous one yet.
type Stats struct {
	Viewers  int
	Rendered uint64
	Dropped  uint64
	Skipped  uint64
	Sent     uint64
}

// Server renders preview frames to every connected viewer. A frame is
// encoded only when someone is watching and the previous frame is done;
// otherwise it is released immediately.
//
// Each viewer has its own writer with a one-image mailbox. A viewer that has
// not taken the previous image skips the next one, so a stalled viewer never
// holds up Render or the other viewers.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	engine   *gin.Engine

	connsMu     sync.Mutex
	viewers     map[*viewer]struct{}
	conns       map[*websocket.Conn]struct{}
	viewerCount atomic.Int32

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
	quit     chan struct{}

	busy atomic.Bool
	wg   sync.WaitGroup

	rendered atomic.Uint64
	dropped  atomic.Uint64
	skipped  atomic.Uint64
	sent     atomic.Uint64
}

// viewer is one connected client. frames holds at most the latest image.
type viewer struct {
	frames chan []byte
}

// NewServer creates a preview server. It does not listen until Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Quality == 0 {
		cfg.Quality = defaultQuality
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, fmt.Errorf("preview: invalid JPEG quality %d (must be 1-100)", cfg.Quality)
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		engine:  gin.New(),
		viewers: make(map[*viewer]struct{}),
		conns:   make(map[*websocket.Conn]struct{}),
		quit:    make(chan struct{}),
	}

	s.engine.Use(gin.Recovery(), requestLogger())
	s.engine.GET("/ws/preview", s.handleWebSocket)
	s.engine.GET("/stream.mjpeg", s.handleMJPEG)
	s.engine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "camerax preview: WebSocket /ws/preview, MJPEG /stream.mjpeg\n")
	})
	return s, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("preview: http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// Routes exposes the router so callers can add endpoints. Register routes
// before Start.
func (s *Server) Routes() gin.IRoutes { return s.engine }

// Handler returns the HTTP handler serving the preview and registered routes.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("preview: server is already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("preview: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.quit = make(chan struct{})
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("preview: HTTP server error", "error", err)
		}
	}()

	s.running = true
	slog.Info("preview: server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes viewers, shuts the HTTP server down and waits for a pending
// encode. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.running = false
	srv := s.server
	s.listener = nil
	close(s.quit)
	s.mu.Unlock()

	// Hijacked WebSocket connections are not closed by Shutdown.
	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)

	s.wg.Wait()
	slog.Info("preview: server stopped",
		"rendered", s.rendered.Load(),
		"dropped", s.dropped.Load(),
	)
	if err != nil {
		return fmt.Errorf("preview: shutdown: %w", err)
	}
	return nil
}

func (s *Server) quitChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quit
}

func (s *Server) addViewer() *viewer {
	v := &viewer{frames: make(chan []byte, 1)}
	s.connsMu.Lock()
	s.viewers[v] = struct{}{}
	s.connsMu.Unlock()
	s.viewerCount.Add(1)
	return v
}

func (s *Server) removeViewer(v *viewer) {
	s.connsMu.Lock()
	delete(s.viewers, v)
	s.connsMu.Unlock()
	s.viewerCount.Add(-1)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	remote := c.Request.RemoteAddr
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("preview: websocket upgrade failed", "remote", remote, "error", err)
		return
	}

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	v := s.addViewer()
	slog.Info("preview: viewer connected", "remote", remote, "viewers", s.Viewers())

	defer func() {
		s.removeViewer(v)
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		slog.Info("preview: viewer disconnected", "remote", remote)
	}()

	// Viewers only receive; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	quit := s.quitChan()
	for {
		select {
		case <-closed:
			return
		case <-quit:
			return
		case payload := <-v.frames:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				slog.Warn("preview: write to viewer failed, dropping viewer", "remote", remote, "error", err)
				return
			}
			s.sent.Add(1)
		}
	}
}

func (s *Server) handleMJPEG(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	remote := c.Request.RemoteAddr
	v := s.addViewer()
	slog.Info("preview: mjpeg viewer connected", "remote", remote, "viewers", s.Viewers())

	defer func() {
		s.removeViewer(v)
		slog.Info("preview: mjpeg viewer disconnected", "remote", remote)
	}()

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	quit := s.quitChan()
	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-quit:
			return
		case payload := <-v.frames:
			if _, err := fmt.Fprintf(c.Writer, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(payload)); err != nil {
				return
			}
			if _, err := c.Writer.Write(payload); err != nil {
				return
			}
			if _, err := c.Writer.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
			s.sent.Add(1)
		}
	}
}

// Viewers returns the number of connected WebSocket and MJPEG viewers.
func (s *Server) Viewers() int {
	return int(s.viewerCount.Load())
}

// Render takes ownership of f. It never blocks: with no viewers, or while the
// previous frame is still being encoded, f is released immediately.
func (s *Server) Render(f *frame.Frame) {
	if s.Viewers() == 0 || !s.busy.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		f.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)

		seq := f.Seq
		payload, err := s.encode(f)
		f.Close()
		if err != nil {
			s.dropped.Add(1)
			slog.Warn("preview: failed to encode frame", "seq", seq, "error", err)
			return
		}
		s.rendered.Add(1)
		s.broadcast(payload)
	}()
}

func (s *Server) encode(f *frame.Frame) ([]byte, error) {
	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("JPEG encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// broadcast hands payload to every viewer without waiting for any of them.
func (s *Server) broadcast(payload []byte) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	for v := range s.viewers {
		select {
		case v.frames <- payload:
		default:
			s.skipped.Add(1)
		}
	}
}

// Stats returns a snapshot of preview counters.
func (s *Server) Stats() Stats {
	return Stats{
		Viewers:  s.Viewers(),
		Rendered: s.rendered.Load(),
		Dropped:  s.dropped.Load(),
		Skipped:  s.skipped.Load(),
		Sent:     s.sent.Load(),
	}
}
