package handlers

import (
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"net/http"
	"strconv"

	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/predlog"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/service"
	"github.com/labstack/echo/v4"
)

// PredictRequest is the canvas payload: rows x columns x channels, 0-255.
type PredictRequest struct {
	ImageData [][][]float64 `json:"image_data"`
}

// LogRequest is the body of POST /log-prediction. TrueLabel may be null.
type LogRequest struct {
	PredictedDigit *int     `json:"predicted_digit"`
	Confidence     *float64 `json:"confidence"`
	TrueLabel      *int     `json:"true_label"`
}

type StatusResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Handler struct {
	svc *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts every endpoint on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.POST("/predict", h.Predict)
	e.POST("/predict/image", h.PredictFromImage)
	e.POST("/log-prediction", h.LogPrediction)
	e.GET("/prediction-history", h.History)
}

// httpError maps service errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, preprocess.ErrMalformedImage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, service.ErrBlankCanvas):
		return echo.NewHTTPError(http.StatusBadRequest, "canvas is blank, draw a digit first").SetInternal(err)
	case errors.Is(err, predlog.ErrInvalidRecord):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, predlog.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "prediction log unavailable").SetInternal(err)
	case errors.Is(err, model.ErrInputShape):
		return echo.NewHTTPError(http.StatusInternalServerError, "model input mismatch").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "prediction failed").SetInternal(err)
	}
}

func (h *Handler) Health(c echo.Context) error {
	if err := h.svc.Health(c.Request().Context()); err != nil {
		log.Printf("health check failed: %v", err)
		return c.JSON(http.StatusServiceUnavailable, StatusResponse{Status: "unhealthy", Detail: err.Error()})
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "healthy"})
}

func (h *Handler) Predict(c echo.Context) error {
	var req PredictRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON").SetInternal(err)
	}
	if req.ImageData == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "image_data is required")
	}

	result, err := h.svc.PredictArray(c.Request().Context(), req.ImageData)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) PredictFromImage(c echo.Context) error {
	header, err := c.FormFile("image")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no image file provided, use 'image' as the form field name").SetInternal(err)
	}
	file, err := header.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read upload").SetInternal(err)
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid image format, supported: JPEG, PNG").SetInternal(err)
	}
	c.Logger().Debugf("image %s: %s %dx%d", header.Filename, format, img.Bounds().Dx(), img.Bounds().Dy())

	result, err := h.svc.PredictImage(c.Request().Context(), img)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) LogPrediction(c echo.Context) error {
	var req LogRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON").SetInternal(err)
	}
	if req.PredictedDigit == nil || req.Confidence == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "predicted_digit and confidence are required")
	}

	if _, err := h.svc.Log(c.Request().Context(), service.LogRequest{
		PredictedDigit: *req.PredictedDigit,
		Confidence:     *req.Confidence,
		TrueLabel:      req.TrueLabel,
	}); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "success"})
}

func (h *Handler) History(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer").SetInternal(err)
		}
		limit = n
	}
	return c.JSON(http.StatusOK, h.svc.History(c.Request().Context(), limit))
}
