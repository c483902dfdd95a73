package pagination

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 99, 12345} {
		token := Encode(offset)
		got, err := Decode(token)
		require.NoError(t, err)
		assert.Equal(t, offset, got)
	}
}

func TestDecodeEmptyTokenIsStart(t *testing.T) {
	offset, err := Decode("")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)
}

func TestDecodeMalformedToken(t *testing.T) {
	for _, token := range []string{"not base64!!", "bm90IGpzb24", Encode(-1)} {
		_, err := Decode(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestSliceWalksWholeListing(t *testing.T) {
	items := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		items = append(items, fmt.Sprintf("item-%02d", i))
	}

	var collected []string
	token := ""
	pages := 0
	for {
		page, next, more, err := Slice(items, 10, token)
		require.NoError(t, err)
		collected = append(collected, page...)
		pages++
		if !more {
			assert.Empty(t, next)
			break
		}
		require.NotEmpty(t, next)
		token = next
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, items, collected)
}

func TestSliceSinglePage(t *testing.T) {
	page, next, more, err := Slice([]int{1, 2, 3}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, page)
	assert.Empty(t, next)
	assert.False(t, more)
}

func TestSliceZeroLimitUsesDefault(t *testing.T) {
	items := make([]int, DefaultLimit+1)
	page, _, more, err := Slice(items, 0, "")
	require.NoError(t, err)
	assert.Len(t, page, DefaultLimit)
	assert.True(t, more)
}

func TestSliceLimitCapped(t *testing.T) {
	items := make([]int, MaxLimit+10)
	page, _, more, err := Slice(items, MaxLimit*2, "")
	require.NoError(t, err)
	assert.Len(t, page, MaxLimit)
	assert.True(t, more)
}

func TestSliceOffsetPastEnd(t *testing.T) {
	page, next, more, err := Slice([]int{1, 2}, 10, Encode(50))
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, next)
	assert.False(t, more)
}

func TestSliceMalformedCursor(t *testing.T) {
	_, _, _, err := Slice([]int{1}, 10, "garbage!")
	assert.Error(t, err)
}

func TestSliceEmptyListing(t *testing.T) {
	page, next, more, err := Slice([]int{}, 10, "")
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, next)
	assert.False(t, more)
}
