package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{
			name: "full checkout summary",
			raw: "Seller: Luckin Coffee\nItem price: ¥9.9\nPackaging fee: ¥1\n" +
				"Delivery fee: ¥2.5\nTotal: ¥13.4",
			want: map[string]string{
				"seller":       "Luckin Coffee",
				"price":        "9.9",
				"pack_fee":     "1",
				"delivery_fee": "2.5",
				"total":        "13.4",
			},
		},
		{
			name: "total only",
			raw:  "Checkout shows amount due: 25.00 after coupon.",
			want: map[string]string{"total": "25.00"},
		},
		{
			name: "minimum order requirement",
			raw:  "price: 8, minimum order: 20, the cart cannot check out yet",
			want: map[string]string{"price": "8", "minimum": "20"},
		},
		{
			name: "no price information",
			raw:  "The item was out of stock at every nearby store.",
			want: nil,
		},
		{
			name: "empty output",
			raw:  "  ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Fields(tt.raw))
		})
	}
}
