package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/practice-measure-engine/internal/domain"
	"github.com/practice-measure-engine/internal/engine"
	"github.com/practice-measure-engine/internal/formula"
)

// serviceActor attributes writes the engine makes without a named trigger.
const serviceActor = "engine"

// requestActor resolves the acting user behind a request: an explicit body
// field wins, then the X-Actor header, then the service identity.
func requestActor(c *gin.Context, preferred string) string {
	if preferred != "" {
		return preferred
	}
	if actor := c.GetHeader("X-Actor"); actor != "" {
		return actor
	}
	return serviceActor
}

// recordMeasurementRequest is the payload for recording a raw observation.
type recordMeasurementRequest struct {
	Measure    string    `json:"measure" binding:"required"`
	Value      float64   `json:"value"`
	MeasuredAt time.Time `json:"measured_at"`
	RecordedBy string    `json:"recorded_by"`
}

// recordMeasurementResponse reports the stored measurement and everything
// the cascade recalculated from it.
type recordMeasurementResponse struct {
	Measurement  *domain.Measurement   `json:"measurement"`
	Cascade      *engine.CascadeResult `json:"cascade,omitempty"`
	CascadeError string                `json:"cascade_error,omitempty"`
}

// updateFormulaRequest is the payload for the administrative formula edit.
type updateFormulaRequest struct {
	Formula       string   `json:"formula" binding:"required"`
	Dependencies  []string `json:"dependencies" binding:"required"`
	DecimalPlaces int      `json:"decimal_places"`
	UpdatedBy     string   `json:"updated_by"`
}

// handleRecordMeasurement stores a raw measurement and cascades dependent
// calculated measures. The raw write is the contract with the client; a
// cascade failure is reported in the response body but never fails the
// request once the measurement is stored.
func (s *Server) handleRecordMeasurement(c *gin.Context) {
	patientID, err := uuid.Parse(c.Param("patientID"))
	if err != nil {
		badRequest(c, "patientID", "must be a valid UUID")
		return
	}

	var req recordMeasurementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	if req.MeasuredAt.IsZero() {
		req.MeasuredAt = time.Now().UTC()
	}

	ctx := c.Request.Context()
	def, err := s.catalog.FindDefinitionByName(ctx, req.Measure)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			notFound(c, "measure "+req.Measure)
			return
		}
		internalError(c, s.log, err, "looking up measure")
		return
	}
	if def.IsCalculated() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "calculated measures cannot be recorded directly",
			"code":  domain.ErrCodeValidation,
		})
		return
	}
	if !def.Active {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "measure is inactive",
			"code":  domain.ErrCodeValidation,
		})
		return
	}

	actor := requestActor(c, req.RecordedBy)
	m := &domain.Measurement{
		PatientID:  patientID,
		MeasureID:  def.ID,
		MeasuredAt: req.MeasuredAt,
		Value:      req.Value,
		RecordedBy: actor,
	}
	if err := s.store.Upsert(ctx, m); err != nil {
		internalError(c, s.log, err, "storing measurement")
		return
	}

	resp := recordMeasurementResponse{Measurement: m}
	cascade, err := s.engine.RecalculateDependents(ctx, patientID, def.Name, req.MeasuredAt, actor)
	if err != nil {
		// The raw value is already durable; surface the partial cascade.
		s.log.WithError(err).WithFields(logrus.Fields{
			"patient_id": patientID,
			"measure":    def.Name,
		}).Error("Cascade recalculation failed after measurement write")
		resp.CascadeError = "dependent recalculation incomplete"
	}
	resp.Cascade = cascade

	c.JSON(http.StatusCreated, resp)
}

// handleUpdateFormula updates a calculated measure's formula and kicks off
// an asynchronous historical backfill.
func (s *Server) handleUpdateFormula(c *gin.Context) {
	measureID, err := uuid.Parse(c.Param("measureID"))
	if err != nil {
		badRequest(c, "measureID", "must be a valid UUID")
		return
	}

	var req updateFormulaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	if req.DecimalPlaces < 0 {
		badRequest(c, "decimal_places", "must not be negative")
		return
	}
	for _, token := range req.Dependencies {
		if _, err := domain.ParseDependencyRef(token); err != nil {
			badRequest(c, "dependencies", err.Error())
			return
		}
	}
	if _, err := formula.Parse(req.Formula); err != nil {
		badRequest(c, "formula", err.Error())
		return
	}

	ctx := c.Request.Context()
	if err := s.catalog.UpdateFormula(ctx, measureID, req.Formula, req.Dependencies, req.DecimalPlaces); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			notFound(c, "calculated measure "+measureID.String())
			return
		}
		internalError(c, s.log, err, "updating formula")
		return
	}
	s.engine.ClearCache()

	actor := requestActor(c, req.UpdatedBy)

	// Backfill runs detached from the request; progress lands in the logs.
	go func() {
		result, err := s.engine.RecalculateAllValuesForMeasure(context.Background(), measureID, actor)
		if err != nil {
			s.log.WithError(err).WithField("measure_id", measureID).Error("Backfill after formula update failed")
			return
		}
		s.log.WithFields(logrus.Fields{
			"measure_id":        measureID,
			"patients_affected": result.PatientsAffected,
			"values_calculated": result.ValuesCalculated,
		}).Info("Backfill after formula update completed")
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status":     "formula updated, backfill started",
		"measure_id": measureID,
	})
}

// handleRecalculate runs a full historical backfill synchronously. Intended
// for administrative use and smaller datasets; formula edits use the
// asynchronous path.
func (s *Server) handleRecalculate(c *gin.Context) {
	measureID, err := uuid.Parse(c.Param("measureID"))
	if err != nil {
		badRequest(c, "measureID", "must be a valid UUID")
		return
	}

	result, err := s.engine.RecalculateAllValuesForMeasure(c.Request.Context(), measureID, requestActor(c, ""))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			notFound(c, "measure "+measureID.String())
		case errors.Is(err, domain.ErrNotCalculated):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": "measure is not a calculated measure",
				"code":  domain.ErrCodeValidation,
			})
		default:
			internalError(c, s.log, err, "recalculating measure history")
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleListMeasures returns the calculated measure definitions currently
// served by the cache.
func (s *Server) handleListMeasures(c *gin.Context) {
	defs, err := s.engine.ListCalculatedDefinitions(c.Request.Context())
	if err != nil {
		internalError(c, s.log, err, "listing calculated measures")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"measures": defs,
		"count":    len(defs),
	})
}

func badRequest(c *gin.Context, field, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": domain.NewValidationError(field, message, nil).Error(),
		"code":  domain.ErrCodeValidation,
	})
}

func notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error": what + " not found",
	})
}

func internalError(c *gin.Context, log *logrus.Logger, err error, action string) {
	log.WithError(err).Error("Request failed while " + action)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "internal error",
		"code":  domain.ErrCodeStore,
	})
}
