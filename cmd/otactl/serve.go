package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// imageServer answers GET and HEAD for one path with a firmware image.
type imageServer struct {
	path    string
	image   []byte
	chunk   int
	limiter *rate.Limiter
	log     *slog.Logger
}

// newImageServer returns a handler for image at path. A positive
// bytesPerSec throttles the body.
func newImageServer(path string, image []byte, chunk, bytesPerSec int, logger *slog.Logger) *imageServer {
	if chunk <= 0 {
		chunk = 1460
	}
	s := &imageServer{path: path, image: image, chunk: chunk, log: logger}
	if bytesPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(chunk, bytesPerSec))
	}
	return s
}

func (s *imageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	w.Header().Set("X-Request-Id", id)
	log := s.log.With(slog.String("request", id), slog.String("remote", r.RemoteAddr))

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		log.Warn("serve:method", slog.String("method", r.Method))
		return
	}
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		log.Warn("serve:not-found", slog.String("path", r.URL.Path))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.image)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		log.Info("serve:head", slog.Int("len", len(s.image)))
		return
	}

	start := time.Now()
	flusher, _ := w.(http.Flusher)
	sent := 0
	for sent < len(s.image) {
		n := min(s.chunk, len(s.image)-sent)
		if s.limiter != nil {
			if err := s.limiter.WaitN(r.Context(), n); err != nil {
				log.Warn("serve:cancelled", slog.Int("sent", sent), slog.String("err", err.Error()))
				return
			}
		}
		if _, err := w.Write(s.image[sent : sent+n]); err != nil {
			log.Warn("serve:write-error", slog.Int("sent", sent), slog.String("err", err.Error()))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		sent += n
	}
	log.Info("serve:done", slog.Int("len", sent), slog.Duration("took", time.Since(start)))
}

// listenImage starts serving on addr and returns the bound address.
func listenImage(ctx context.Context, addr string, h http.Handler) (net.Addr, func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve:error", slog.String("err", err.Error()))
		}
	}()
	stop := func() error {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
	return ln.Addr(), stop, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a firmware image over HTTP for devices to download",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Image == "" {
				return errors.New("serve: --image is required")
			}
			image, err := loadImage(cfg.Image)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			h := newImageServer(cfg.Path, image, cfg.Chunk, cfg.Rate, logger)
			addr, shutdown, err := listenImage(ctx, cfg.Listen, h)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printInfo(out, "Serving %s", cfg.Image)
			printDetail(out, "url", fmt.Sprintf("http://%s%s", addr, cfg.Path))
			printDetail(out, "size", fmt.Sprintf("%d bytes", len(image)))
			if cfg.Rate > 0 {
				printDetail(out, "rate", fmt.Sprintf("%d B/s", cfg.Rate))
			}
			<-ctx.Done()
			return shutdown()
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Listen, "listen", cfg.Listen, "listen address")
	f.StringVar(&cfg.Path, "path", cfg.Path, "URL path of the image")
	f.StringVar(&cfg.Image, "image", cfg.Image, "firmware image (raw or UF2)")
	f.IntVar(&cfg.Rate, "rate", cfg.Rate, "throttle the body to this many bytes per second")
	f.IntVar(&cfg.Chunk, "chunk", cfg.Chunk, "bytes per write")
	return cmd
}
