package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"davomat/internal/apiclient"
	"davomat/internal/attendance"
	"davomat/internal/clock"
	"davomat/internal/recognition"
	"davomat/internal/report"
	"davomat/internal/roster"
)

const xlsxType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *handler) roster(c *gin.Context, name string) (Roster, bool) {
	r, ok := h.Rosters[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown collection %q", name)})
	}
	return r, ok
}

func (h *handler) getRoster(c *gin.Context) {
	r, ok := h.roster(c, c.Param("collection"))
	if !ok {
		return
	}
	body := gin.H{
		"collection": c.Param("collection"),
		"state":      r.State(),
		"threshold":  r.Threshold(),
		"entries":    r.Entries(),
		"lastError":  nil,
	}
	if d := r.Date(); !d.IsZero() {
		body["date"] = clock.DayKey(d)
	}
	if err := r.LastError(); err != nil {
		body["lastError"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// reloadRoster asks for an immediate reload, e.g. the retry action after a
// failed first load. The reload runs in the roster's own loop.
func (h *handler) reloadRoster(c *gin.Context) {
	r, ok := h.roster(c, c.Param("collection"))
	if !ok {
		return
	}
	r.RequestReload()
	c.JSON(http.StatusAccepted, gin.H{"state": r.State()})
}

// evaluate derives the status of one raw check-in against the roster's
// threshold.
func (h *handler) evaluate(c *gin.Context) {
	r, ok := h.roster(c, c.Param("collection"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, attendance.EvaluateString(c.Query("checkIn"), r.Threshold(), h.Location))
}

func (h *handler) dailyReport(c *gin.Context) {
	r, ok := h.roster(c, c.DefaultQuery("collection", "staff"))
	if !ok {
		return
	}
	if r.State() != roster.Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": roster.ErrNotReady.Error()})
		return
	}
	rep := report.Build(r.Entries(), r.Threshold(), r.Date())

	switch c.DefaultQuery("format", "json") {
	case "json":
		c.JSON(http.StatusOK, rep)
	case "xlsx":
		c.Header("Content-Type", xlsxType)
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="davomat-%s.xlsx"`, rep.Date))
		c.Status(http.StatusOK)
		if err := report.WriteXLSX(c.Writer, rep); err != nil {
			h.log.Errorf("write xlsx: %v", err)
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or xlsx"})
	}
}

func (h *handler) getSettings(c *gin.Context) {
	s, err := h.Settings.Get(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handler) putLateThreshold(c *gin.Context) {
	var req struct {
		LateThreshold string `json:"lateThreshold" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tod, err := clock.ParseTimeOfDay(req.LateThreshold)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Settings.SetLateThreshold(c.Request.Context(), tod); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, r := range h.Rosters {
		r.SetThreshold(tod)
	}
	h.log.Infof("late threshold set to %s", tod)
	h.getSettings(c)
}

func (h *handler) putEmployee(c *gin.Context) {
	var patch apiclient.EmployeePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.Employees.UpdateEmployee(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		c.JSON(upstreamStatus(err), gin.H{"error": err.Error()})
		return
	}
	// The edit may move the person between rosters.
	for _, r := range h.Rosters {
		r.RequestReload()
	}
	c.JSON(http.StatusOK, p)
}

func (h *handler) postRecognition(c *gin.Context) {
	var req struct {
		PersonID string `json:"personId"`
		ImageURL string `json:"imageUrl" binding:"omitempty,url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PersonID == "" && req.ImageURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "personId or imageUrl required"})
		return
	}
	rec, err := h.Recognition.Recognize(c.Request.Context(), req.PersonID, req.ImageURL)
	switch {
	case errors.Is(err, recognition.ErrUnknownPerson):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, recognition.ErrNoMatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case err != nil:
		h.log.Warnf("recognition: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "recognition failed"})
	default:
		c.JSON(http.StatusAccepted, rec)
	}
}

// upstreamStatus maps an upstream call error to a response code.
func upstreamStatus(err error) int {
	var (
		se *apiclient.StatusError
		ve validator.ValidationErrors
	)
	switch {
	case errors.Is(err, apiclient.ErrEmptyPatch), errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &se) && se.Code >= 400 && se.Code < 500:
		return se.Code
	default:
		return http.StatusBadGateway
	}
}
