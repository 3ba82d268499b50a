package api

import (
	"errors"
	"net/http"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/usecase"
	xhttp "QuantLab/pkg/http"
	xlogger "QuantLab/pkg/logger"
	"QuantLab/pkg/queue"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// JobAccepted is the reply to an async run submission.
type JobAccepted struct {
	RunID  string       `json:"run_id"`
	Status queue.Status `json:"status"`
}

// KillSwitchState is the reply of the kill switch endpoints.
type KillSwitchState struct {
	Armed bool `json:"armed"`
}

// BacktestEchoHandler serves walk-forward runs, the kill switch and the live
// event stream.
type BacktestEchoHandler struct {
	logger *xlogger.Logger
	wf     *usecase.WalkForward
	jobs   queue.Publisher
	hub    *StreamHub
}

// NewBacktestEchoHandler builds the handler. jobs and hub may be nil, which
// disables async runs and streaming.
func NewBacktestEchoHandler(logger *xlogger.Logger, wf *usecase.WalkForward, jobs queue.Publisher, hub *StreamHub) *BacktestEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &BacktestEchoHandler{logger: logger, wf: wf, jobs: jobs, hub: hub}
}

func (h *BacktestEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api")
	g.POST("/walkforward", h.RunWalkForward)
	g.POST("/walkforward/jobs", h.SubmitWalkForward)
	g.GET("/walkforward/jobs/:id", h.JobStatus)
	g.GET("/runs/:id", h.GetRun)
	g.GET("/killswitch", h.GetKillSwitch)
	g.POST("/killswitch", h.SetKillSwitch)
	if h.hub != nil {
		g.GET("/stream", h.hub.Serve)
	}
}

func (h *BacktestEchoHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"status":      "ok",
		"kill_switch": h.wf.KillSwitch().Armed(),
	})
}

// RunWalkForward runs synchronously and replies with the report.
func (h *BacktestEchoHandler) RunWalkForward(c echo.Context) error {
	req := &models.WalkForwardRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	params, err := h.wf.FromRequest(*req)
	if err != nil {
		return xhttp.AppErrorResponse(c, h.appError(err))
	}
	if err := h.checkRunID(c, params.RunID); err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	report, err := h.wf.Run(c.Request().Context(), params)
	if err != nil && report.RunID == "" {
		h.logger.Error("walk-forward usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, h.appError(err))
	}
	if err != nil {
		// the run finished; only persisting it failed
		h.logger.Warn("walk-forward persisted partially", xlogger.String("run_id", report.RunID), xlogger.Error(err))
	}
	return xhttp.SuccessResponse(c, report)
}

// SubmitWalkForward queues a run. The returned run ID fetches the report
// once the job is done.
func (h *BacktestEchoHandler) SubmitWalkForward(c echo.Context) error {
	if h.jobs == nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("async runs need redis"))
	}
	req := &models.WalkForwardRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	params, err := h.wf.FromRequest(*req)
	if err != nil {
		return xhttp.AppErrorResponse(c, h.appError(err))
	}
	if params.RunID == "" {
		params.RunID = uuid.NewString()
	} else if err := h.checkRunID(c, params.RunID); err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	if err := h.jobs.Enqueue(c.Request().Context(), usecase.JobTypeWalkForward, params.RunID, params); err != nil {
		h.logger.Error("enqueue walk-forward failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("queue unavailable").WithError(err))
	}
	return xhttp.AcceptedResponse(c, JobAccepted{RunID: params.RunID, Status: queue.StatusQueued})
}

func (h *BacktestEchoHandler) JobStatus(c echo.Context) error {
	if h.jobs == nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("async runs need redis"))
	}
	req := &models.RunRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	st, err := h.jobs.Status(c.Request().Context(), req.ID)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.InternalErrorf("job status").WithError(err))
	}
	if st == queue.StatusUnknown {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("job %s not found", req.ID))
	}
	return xhttp.SuccessResponse(c, JobAccepted{RunID: req.ID, Status: st})
}

func (h *BacktestEchoHandler) GetRun(c echo.Context) error {
	req := &models.RunRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	report, err := h.wf.Get(c.Request().Context(), req.ID)
	if err != nil {
		return xhttp.AppErrorResponse(c, h.appError(err))
	}
	return xhttp.SuccessResponse(c, report)
}

func (h *BacktestEchoHandler) GetKillSwitch(c echo.Context) error {
	return xhttp.SuccessResponse(c, KillSwitchState{Armed: h.wf.KillSwitch().Armed()})
}

// SetKillSwitch arms or disarms the switch shared by every running fold.
func (h *BacktestEchoHandler) SetKillSwitch(c echo.Context) error {
	req := &models.KillSwitchRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ks := h.wf.KillSwitch()
	if *req.Armed {
		ks.Arm()
	} else {
		ks.Disarm()
	}
	h.logger.Warn("kill switch changed", xlogger.Bool("armed", *req.Armed), xlogger.String("remote", c.RealIP()))
	return xhttp.SuccessResponse(c, KillSwitchState{Armed: ks.Armed()})
}

// checkRunID refuses a client supplied run ID that already names a finished
// run or a live job. A failed job may be resubmitted under its ID.
func (h *BacktestEchoHandler) checkRunID(c echo.Context, id string) error {
	if id == "" {
		return nil
	}
	ctx := c.Request().Context()
	if _, err := h.wf.Get(ctx, id); err == nil {
		return xhttp.ConflictErrorf("run %s already exists", id)
	}
	if h.jobs == nil {
		return nil
	}
	st, err := h.jobs.Status(ctx, id)
	if err != nil {
		return xhttp.UnavailableErrorf("job status").WithError(err)
	}
	if st != queue.StatusUnknown && st != queue.StatusFailed {
		return xhttp.ConflictErrorf("run %s is %s", id, st)
	}
	return nil
}

// appError maps domain errors onto API errors.
func (h *BacktestEchoHandler) appError(err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidConfig):
		return xhttp.BadRequestErrorf("%s", err.Error()).WithError(err)
	case errors.Is(err, models.ErrNotFound):
		return xhttp.NotFoundErrorf("%s", err.Error()).WithError(err)
	case errors.Is(err, models.ErrNoMarketData):
		return xhttp.NewAppError("ERR_NO_DATA", "symbols", err.Error(), http.StatusUnprocessableEntity).WithError(err)
	}
	return xhttp.InternalErrorf("walk-forward failed").WithError(err)
}
