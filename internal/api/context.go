package api

import (
	"context"

	"github.com/terra-clan/pitchsync/internal/models"
)

type contextKey string

const presenterContextKey contextKey = "presenter"

// PresenterFromContext extracts the authenticated presenter from context
func PresenterFromContext(ctx context.Context) *models.Presenter {
	presenter, ok := ctx.Value(presenterContextKey).(*models.Presenter)
	if !ok {
		return nil
	}
	return presenter
}

// ContextWithPresenter adds the presenter to context
func ContextWithPresenter(ctx context.Context, presenter *models.Presenter) context.Context {
	return context.WithValue(ctx, presenterContextKey, presenter)
}
