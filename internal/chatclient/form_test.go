package chatclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFormData(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		want string
	}{
		{
			name: "empty",
			data: map[string]interface{}{},
			want: "",
		},
		{
			name: "scalar values in sorted key order",
			data: map[string]interface{}{
				"vehicle_type": "SUV",
				"budget":       45000,
				"financing":    true,
			},
			want: "budget: 45000\nfinancing: true\nvehicle_type: SUV",
		},
		{
			name: "non-scalar values rendered as json",
			data: map[string]interface{}{
				"features": []string{"sunroof", "awd"},
			},
			want: `features: ["sunroof","awd"]`,
		},
		{
			name: "nil value renders empty",
			data: map[string]interface{}{
				"trade_in": nil,
			},
			want: "trade_in: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatFormData(tt.data))
		})
	}
}
