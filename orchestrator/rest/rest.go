// Package rest exposes the orchestrator's operator commands over HTTP, dreshard-cli is its
// client.
package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonas747/dreshard/orchestrator"
	"github.com/pkg/errors"
)

type RESTAPI struct {
	orchestrator *orchestrator.Orchestrator
	addr         string

	engine *gin.Engine
	server *http.Server
}

// NewRESTAPI creates the api, call Run to start serving it on addr
func NewRESTAPI(o *orchestrator.Orchestrator, addr string) *RESTAPI {
	gin.SetMode(gin.ReleaseMode)

	ra := &RESTAPI{
		orchestrator: o,
		addr:         addr,
		engine:       gin.New(),
	}
	ra.engine.Use(gin.Recovery())

	ra.engine.GET("/status", ra.handleGETStatus)
	ra.engine.GET("/collection", ra.handleGETCollection)
	ra.engine.POST("/reshard", ra.handlePOSTReshard)
	ra.engine.POST("/abort", ra.handlePOSTAbort)
	ra.engine.POST("/stepdown", ra.handlePOSTStepDown)
	ra.engine.POST("/stepup", ra.handlePOSTStepUp)

	return ra
}

// Handler returns the http handler serving the api
func (ra *RESTAPI) Handler() http.Handler {
	return ra.engine
}

// Run starts serving in the background
func (ra *RESTAPI) Run() error {
	ra.server = &http.Server{
		Addr:    ra.addr,
		Handler: ra.engine,
	}

	errC := make(chan error, 1)
	go func() {
		errC <- ra.server.ListenAndServe()
	}()

	// surface bind errors to the caller
	select {
	case err := <-errC:
		return errors.WithMessage(err, "ListenAndServe")
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (ra *RESTAPI) Stop(ctx context.Context) error {
	if ra.server == nil {
		return nil
	}
	return ra.server.Shutdown(ctx)
}
