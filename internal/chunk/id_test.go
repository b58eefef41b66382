package chunk

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_Validate(t *testing.T) {
	assert.NoError(t, New("eth", 0, 1).Validate())
	assert.Error(t, New("", 0, 1).Validate())
	assert.Error(t, New("eth", 5, 5).Validate())
	assert.Error(t, New("eth", 6, 5).Validate())
}

func TestID_Intersects(t *testing.T) {
	id := New("eth", 100, 200)

	tests := []struct {
		from, to uint64
		want     bool
	}{
		{0, 100, false},
		{0, 101, true},
		{150, 160, true},
		{199, 300, true},
		{200, 300, false},
		{50, 250, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-%d", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, id.Intersects(tt.from, tt.to))
		})
	}
}

func TestParseRange(t *testing.T) {
	id := New("eth", 17, 42)
	got, err := ParseRange("eth", id.RangeString())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, bad := range []string{"", "12", "a-b", "5-5", "9-3"} {
		_, err := ParseRange("eth", bad)
		assert.Error(t, err, bad)
	}
}

func TestSetDiff(t *testing.T) {
	a := NewSet(New("eth", 0, 100), New("eth", 100, 200), New("eth", 200, 300))
	b := NewSet(New("eth", 100, 200))

	assert.Equal(t, []ID{New("eth", 0, 100), New("eth", 200, 300)}, a.Diff(b))
	assert.Empty(t, b.Diff(a))
}

func TestSortOrdersByDatasetThenBlock(t *testing.T) {
	ids := []ID{New("sol", 0, 10), New("eth", 100, 200), New("eth", 0, 100)}
	Sort(ids)
	assert.Equal(t, []ID{New("eth", 0, 100), New("eth", 100, 200), New("sol", 0, 10)}, ids)
}

func TestTransient(t *testing.T) {
	base := errors.New("connection reset")
	err := Transient(base)
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, Transient(err))
	assert.Nil(t, Transient(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient(errors.New("x"))))
	assert.True(t, IsRetryable(ErrCorruption))
	assert.False(t, IsRetryable(fmt.Errorf("disk full: %w", ErrFatal)))
	assert.False(t, IsRetryable(ErrSuperseded))
}

func TestNotReadyError(t *testing.T) {
	var err error = &NotReadyError{Missing: []ID{New("eth", 0, 100)}}
	var nr *NotReadyError
	require.ErrorAs(t, fmt.Errorf("lease: %w", err), &nr)
	assert.Len(t, nr.Missing, 1)
	assert.Contains(t, err.Error(), "eth/0000000000-0000000100")
}
