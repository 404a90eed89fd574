package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/petrijr/txflow/pkg/api"
)

func (s *Server) run(c *gin.Context) {
	var req RunRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	workflowID := c.Param("workflow_id")

	if s.worker != nil {
		txID, err := s.worker.EnqueueRun(c.Request.Context(), workflowID, req.TransactionID, req.Input)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, AcceptedResponse{WorkflowID: workflowID, TransactionID: txID})
		return
	}

	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}
	res, err := s.orch.Run(c.Request.Context(), workflowID, req.Input, api.RunOptions{
		TransactionID: req.TransactionID,
		ThrowOnError:  req.ThrowOnError,
	})
	s.respond(c, res, err)
}

func (s *Server) get(c *gin.Context) {
	tx, err := s.orch.GetRunningTransaction(c.Request.Context(), c.Param("workflow_id"), c.Param("transaction_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) cancel(c *gin.Context) {
	var req CancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	workflowID, txID := c.Param("workflow_id"), c.Param("transaction_id")

	if s.worker != nil {
		if err := s.worker.EnqueueCancel(c.Request.Context(), workflowID, txID, req.Reason); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, AcceptedResponse{WorkflowID: workflowID, TransactionID: txID})
		return
	}

	res, err := s.orch.Cancel(c.Request.Context(), workflowID, txID, req.Reason)
	s.respond(c, res, err)
}

func (s *Server) success(c *gin.Context) {
	var req SuccessRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := reportKey(c, req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.worker != nil {
		if err := s.worker.EnqueueStepSuccess(c.Request.Context(), key, req.Response); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, AcceptedResponse{WorkflowID: key.WorkflowID, TransactionID: key.TransactionID})
		return
	}

	res, err := s.orch.SetStepSuccess(c.Request.Context(), key, req.Response)
	s.respond(c, res, err)
}

func (s *Server) failure(c *gin.Context) {
	var req FailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := reportKey(c, req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cause := errors.New(req.Error)

	if s.worker != nil {
		if err := s.worker.EnqueueStepFailure(c.Request.Context(), key, cause); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, AcceptedResponse{WorkflowID: key.WorkflowID, TransactionID: key.TransactionID})
		return
	}

	res, err := s.orch.SetStepFailure(c.Request.Context(), key, cause)
	s.respond(c, res, err)
}

func (s *Server) subscribe(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := s.events.Subscribe(ctx, c.Query("workflow_id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("transaction", ev)
			return true
		}
	})
}

func reportKey(c *gin.Context, action api.Action) (api.IdempotencyKey, error) {
	if action == "" {
		action = api.ActionInvoke
	}
	if !action.Valid() {
		return api.IdempotencyKey{}, fmt.Errorf("unknown action %q", action)
	}
	return api.IdempotencyKey{
		WorkflowID:    c.Param("workflow_id"),
		TransactionID: c.Param("transaction_id"),
		StepID:        c.Param("step_id"),
		Action:        action,
	}, nil
}

// bindOptionalJSON binds the body into v. An empty body leaves v untouched.
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}

// respond writes the result of a facade call. A *TransactionError still
// carries the result, so clients see which steps failed.
func (s *Server) respond(c *gin.Context, res *api.RunResult, err error) {
	var txErr *api.TransactionError
	if err != nil && !(errors.As(err, &txErr) && res != nil) {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if txErr != nil {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, toRunResponse(res))
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request_failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, api.ErrDefinitionNotFound),
		errors.Is(err, api.ErrTransactionNotFound),
		errors.Is(err, api.ErrStepNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrConcurrentModification),
		errors.Is(err, api.ErrDefinitionMismatch):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}
