package v4l2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFourCC(t *testing.T) {
	assert.Equal(t, PixelFormat(0x56595559), PixelFormatYUYV)
	assert.Equal(t, "YUYV", PixelFormatYUYV.String())
	assert.Equal(t, "RGB ", FourCC("RGB").String())
}

func TestParseField(t *testing.T) {
	tests := []struct {
		in      string
		want    Field
		wantErr bool
	}{
		{"", FieldAny, false},
		{"interlaced", FieldInterlaced, false},
		{"progressive", FieldNone, false},
		{"none", FieldNone, false},
		{"top", FieldTop, false},
		{"sideways", FieldAny, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseField(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "capture", Capture.String())
	assert.Equal(t, "output", Output.String())
	assert.Equal(t, "direction(7)", Direction(7).String())
}
