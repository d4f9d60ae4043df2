package composite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/domain/model"
	"autotrade/internal/infrastructure/storage"
)

type failing struct{ *storage.Memory }

func (f *failing) RecordFill(context.Context, model.Fill) error { return errors.New("disk full") }

func TestFanOutKeepsGoingAfterError(t *testing.T) {
	mem := storage.NewMemory(0)
	r := New(nil, &failing{Memory: storage.NewMemory(0)}, mem)
	assert.Equal(t, 2, r.Len())

	err := r.RecordFill(context.Background(), model.Fill{ID: "f1", OrderID: "o1", Instrument: "005930", Quantity: 1, Price: 10})
	require.EqualError(t, err, "disk full")
	assert.Len(t, mem.Fills(), 1)

	require.NoError(t, r.RecordOrder(context.Background(), &model.Order{ID: "o1", Instrument: "005930"}))
	_, ok := mem.Order("o1")
	assert.True(t, ok)
	require.NoError(t, r.Close())
}
