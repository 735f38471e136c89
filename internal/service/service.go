// Package service turns canvases into predictions and keeps the prediction
// log. HTTP handlers and the CLI both go through it.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/predlog"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBlankCanvas is returned for an image with no ink on it.
var ErrBlankCanvas = errors.New("blank canvas")

// History limits used when none are configured.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

type Service struct {
	normalizer preprocess.Normalizer
	classifier model.Classifier
	store      predlog.Store

	defaultLimit int
	maxLimit     int

	tracer trace.Tracer
	now    func() time.Time
}

// Options tune a Service. Zero values take the defaults.
type Options struct {
	DefaultHistoryLimit int
	MaxHistoryLimit     int
}

// New builds a Service. store may be nil for prediction-only use (the CLI);
// log and history calls then fail with predlog.ErrUnavailable.
func New(norm preprocess.Normalizer, classifier model.Classifier, store predlog.Store, opts Options) *Service {
	s := &Service{
		normalizer:   norm,
		classifier:   classifier,
		store:        store,
		defaultLimit: opts.DefaultHistoryLimit,
		maxLimit:     opts.MaxHistoryLimit,
		tracer:       telemetry.Tracer(),
		now:          time.Now,
	}
	if s.maxLimit <= 0 {
		s.maxLimit = MaxHistoryLimit
	}
	if s.defaultLimit <= 0 {
		s.defaultLimit = DefaultHistoryLimit
	}
	if s.defaultLimit > s.maxLimit {
		s.defaultLimit = s.maxLimit
	}
	return s
}

func (s *Service) span(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name)
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Predict classifies a grayscale canvas. A canvas with every pixel zero is
// rejected with ErrBlankCanvas.
func (s *Service) Predict(ctx context.Context, gray *image.Gray) (model.Prediction, error) {
	ctx, span := s.span(ctx, "Predict")
	defer span.End()

	if gray == nil || gray.Bounds().Empty() {
		return model.Prediction{}, fail(span, fmt.Errorf("%w: empty image", preprocess.ErrMalformedImage))
	}
	if preprocess.IsBlank(gray) {
		return model.Prediction{}, fail(span, ErrBlankCanvas)
	}
	input, err := s.normalizer.Tensor(gray)
	if err != nil {
		return model.Prediction{}, fail(span, err)
	}
	pred, err := s.classifier.Classify(ctx, input)
	if err != nil {
		return model.Prediction{}, fail(span, fmt.Errorf("classify: %w", err))
	}
	span.SetAttributes(
		attribute.Int("digit.predicted", pred.Digit),
		attribute.Float64("digit.confidence", pred.Confidence),
	)
	return pred, nil
}

// PredictArray classifies an H x W x C pixel array as sent by the canvas.
func (s *Service) PredictArray(ctx context.Context, data [][][]float64) (model.Prediction, error) {
	gray, err := preprocess.FromArray(data)
	if err != nil {
		return model.Prediction{}, err
	}
	return s.Predict(ctx, gray)
}

// PredictImage classifies a decoded image of any color model.
func (s *Service) PredictImage(ctx context.Context, img image.Image) (model.Prediction, error) {
	if img == nil {
		return model.Prediction{}, fmt.Errorf("%w: no image", preprocess.ErrMalformedImage)
	}
	return s.Predict(ctx, preprocess.Grayscale(img))
}

// LogRequest is a prediction the user confirmed or corrected.
type LogRequest struct {
	PredictedDigit int
	Confidence     float64
	TrueLabel      *int
}

// Log appends the request to the prediction log, stamped with the current
// UTC time.
func (s *Service) Log(ctx context.Context, req LogRequest) (predlog.Record, error) {
	ctx, span := s.span(ctx, "Log")
	defer span.End()

	r := predlog.Record{
		Timestamp:      s.now().UTC(),
		PredictedDigit: req.PredictedDigit,
		TrueLabel:      req.TrueLabel,
		Confidence:     req.Confidence,
	}
	if err := r.Validate(); err != nil {
		return predlog.Record{}, fail(span, err)
	}
	if s.store == nil {
		return predlog.Record{}, fail(span, fmt.Errorf("%w: no store configured", predlog.ErrUnavailable))
	}
	stored, err := s.store.Append(ctx, r)
	if err != nil {
		return predlog.Record{}, fail(span, err)
	}
	return stored, nil
}

// Limit resolves a requested history size: non-positive means the default,
// anything above the maximum is capped.
func (s *Service) Limit(requested int) int {
	switch {
	case requested <= 0:
		return s.defaultLimit
	case requested > s.maxLimit:
		return s.maxLimit
	default:
		return requested
	}
}

// History returns the most recent predictions, newest first. A failing
// store yields an empty list; the error is only logged.
func (s *Service) History(ctx context.Context, limit int) []predlog.Record {
	ctx, span := s.span(ctx, "History")
	defer span.End()

	limit = s.Limit(limit)
	span.SetAttributes(attribute.Int("history.limit", limit))
	if s.store == nil {
		return []predlog.Record{}
	}
	records, err := s.store.ListRecent(ctx, limit)
	if err != nil {
		fail(span, err)
		log.Printf("prediction history unavailable: %v", err)
		return []predlog.Record{}
	}
	if records == nil {
		records = []predlog.Record{}
	}
	return records
}

// Health reports whether the prediction log is reachable.
func (s *Service) Health(ctx context.Context) error {
	ctx, span := s.span(ctx, "Health")
	defer span.End()

	if s.store == nil {
		return fail(span, fmt.Errorf("%w: no store configured", predlog.ErrUnavailable))
	}
	return fail(span, s.store.Ping(ctx))
}
