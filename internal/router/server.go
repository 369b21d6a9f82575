package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/parley/internal/transport"
	"github.com/1ureka/parley/internal/util"
)

// ServeListener accepts stream connections on l until ctx is cancelled or
// accepting fails, serving each on its own goroutine. It closes l.
func (r *Router) ServeListener(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.Close()

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go r.Serve(ctx, transport.NewStreamConn(c))
	}
}

// Handler serves the WebSocket and rtc signaling endpoints. Sessions it
// admits end when ctx is cancelled.
func (r *Router) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.PathWS, func(w http.ResponseWriter, req *http.Request) {
		conn, err := transport.Upgrade(w, req)
		if err != nil {
			util.LogDebug("ws upgrade from %s: %v", req.RemoteAddr, err)
			return
		}
		r.Serve(ctx, conn)
	})
	mux.HandleFunc(transport.PathRTC, func(w http.ResponseWriter, req *http.Request) {
		conn, err := transport.AcceptRTC(ctx, w, req, r.transportOpts)
		if err != nil {
			util.LogWarning("rtc negotiation with %s: %v", req.RemoteAddr, err)
			return
		}
		r.Serve(ctx, conn)
	})
	return mux
}

// ListenAndServe binds the TCP listener on tcpAddr and the HTTP endpoints on
// httpAddr, either of which may be empty to disable it, and serves until ctx
// is cancelled or one of them fails. It returns once every session has
// ended.
func (r *Router) ListenAndServe(ctx context.Context, tcpAddr, httpAddr string) error {
	if tcpAddr == "" && httpAddr == "" {
		return errors.New("no listen address")
	}

	var tcpL, httpL net.Listener
	if tcpAddr != "" {
		l, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", tcpAddr, err)
		}
		tcpL = l
	}
	if httpAddr != "" {
		l, err := net.Listen("tcp", httpAddr)
		if err != nil {
			if tcpL != nil {
				tcpL.Close()
			}
			return fmt.Errorf("listen %s: %w", httpAddr, err)
		}
		httpL = l
	}

	g, ctx := errgroup.WithContext(ctx)

	if tcpL != nil {
		util.LogSuccess("tcp sessions on %s", tcpL.Addr())
		g.Go(func() error { return r.ServeListener(ctx, tcpL) })
	}

	if httpL != nil {
		srv := &http.Server{Handler: r.Handler(ctx), ReadHeaderTimeout: 10 * time.Second}
		util.LogSuccess("ws sessions on ws://%s%s, rtc signaling on ws://%s%s",
			httpL.Addr(), transport.PathWS, httpL.Addr(), transport.PathRTC)

		g.Go(func() error {
			if err := srv.Serve(httpL); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	r.Wait()
	return err
}
