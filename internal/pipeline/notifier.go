package pipeline

import (
	"context"
	"errors"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// ProgressNotifier receives a status snapshot after every step
type ProgressNotifier interface {
	Notify(ctx context.Context, invocationID string, status models.ProcessingStatus) error
}

// NotifierFunc adapts a function to ProgressNotifier
type NotifierFunc func(ctx context.Context, invocationID string, status models.ProcessingStatus) error

func (f NotifierFunc) Notify(ctx context.Context, invocationID string, status models.ProcessingStatus) error {
	return f(ctx, invocationID, status)
}

// NopNotifier drops every update
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, models.ProcessingStatus) error { return nil }

// Notifiers fans an update out to every notifier and joins their errors
type Notifiers []ProgressNotifier

func (ns Notifiers) Notify(ctx context.Context, invocationID string, status models.ProcessingStatus) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, invocationID, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
