package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/coordinator"
	"github.com/jonas747/dreshard/orchestrator"
	"github.com/pkg/errors"
)

type StatusResponse struct {
	*orchestrator.Status
}

func (ra *RESTAPI) handleGETStatus(c *gin.Context) {
	c.JSON(http.StatusOK, &StatusResponse{
		Status: ra.orchestrator.Status(),
	})
}

func (ra *RESTAPI) handleGETCollection(c *gin.Context) {
	ns := dreshard.Namespace(c.Query("namespace"))
	entry, err := ra.orchestrator.LookupCollection(c.Request.Context(), ns)
	if err != nil {
		sendBasicResponse(c, err, "")
		return
	}
	if entry == nil {
		sendBasicResponse(c, dreshard.NewError(dreshard.CodeNamespaceNotFound, "%s is not sharded", ns), "")
		return
	}

	c.JSON(http.StatusOK, entry)
}

type BasicResponse struct {
	Message string
	Error   bool
}

type ReshardResponse struct {
	BasicResponse
	OperationID string
}

func sendBasicResponse(c *gin.Context, err error, successMessage string) {
	status := http.StatusOK
	var resp interface{}

	if err != nil {
		resp = &BasicResponse{
			Error:   true,
			Message: err.Error(),
		}
		status = httpStatus(err)
	} else {
		resp = &BasicResponse{
			Message: successMessage,
		}
	}

	c.JSON(status, resp)
}

func httpStatus(err error) int {
	switch dreshard.CodeOf(err) {
	case dreshard.CodeBadValue:
		return http.StatusBadRequest
	case dreshard.CodeNamespaceNotFound:
		return http.StatusNotFound
	case dreshard.CodeConflictingOperationInProgress:
		return http.StatusConflict
	case dreshard.CodeNotPrimary:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (ra *RESTAPI) handlePOSTReshard(c *gin.Context) {
	ns, _ := c.GetPostForm("namespace")
	key, _ := c.GetPostForm("key")
	if ns == "" || key == "" {
		sendBasicResponse(c, dreshard.NewError(dreshard.CodeBadValue, "namespace or key not provided"), "")
		return
	}

	req := coordinator.Request{
		Namespace:     dreshard.Namespace(ns),
		ReshardingKey: dreshard.KeyPattern(strings.Split(key, ",")),
	}

	if s, ok := c.GetPostForm("num_initial_chunks"); ok && s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			sendBasicResponse(c, dreshard.NewError(dreshard.CodeBadValue, "parse num_initial_chunks: %v", err), "")
			return
		}
		req.NumInitialChunks = n
	}

	// chunks and zones are json encoded lists
	if s, ok := c.GetPostForm("chunks"); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &req.PresetReshardedChunks); err != nil {
			sendBasicResponse(c, dreshard.NewError(dreshard.CodeBadValue, "parse chunks: %v", err), "")
			return
		}
	}
	if s, ok := c.GetPostForm("zones"); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &req.Zones); err != nil {
			sendBasicResponse(c, dreshard.NewError(dreshard.CodeBadValue, "parse zones: %v", err), "")
			return
		}
	}

	opID, err := ra.orchestrator.StartResharding(c.Request.Context(), req)
	if err != nil {
		sendBasicResponse(c, errors.WithMessage(err, "StartResharding"), "")
		return
	}

	c.JSON(http.StatusOK, &ReshardResponse{
		BasicResponse: BasicResponse{Message: "started resharding " + ns + ", operation " + string(opID)},
		OperationID:   string(opID),
	})
}

func (ra *RESTAPI) handlePOSTAbort(c *gin.Context) {
	ns, _ := c.GetPostForm("namespace")
	if ns == "" {
		sendBasicResponse(c, dreshard.NewError(dreshard.CodeBadValue, "namespace not provided"), "")
		return
	}

	aborted, err := ra.orchestrator.AbortResharding(dreshard.Namespace(ns))
	msg := "aborting resharding of " + ns
	if !aborted {
		msg = "resharding of " + ns + " already passed the commit point"
	}
	sendBasicResponse(c, err, msg)
}

func (ra *RESTAPI) handlePOSTStepDown(c *gin.Context) {
	ra.orchestrator.StepDown()
	sendBasicResponse(c, nil, "stepped down")
}

func (ra *RESTAPI) handlePOSTStepUp(c *gin.Context) {
	err := ra.orchestrator.StepUp(c.Request.Context())
	sendBasicResponse(c, err, "stepped up")
}
