package admin

import (
	"context"

	"github.com/google/uuid"
)

func withHotel(ctx context.Context, hotelID uuid.UUID) context.Context {
	return context.WithValue(ctx, contextKeyHotel, hotelID)
}

func hotelFrom(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(contextKeyHotel).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}
