package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableside/internal/microservices/order/domain"
)

func TestQuantity(t *testing.T) {
	valid := map[string]int{`3`: 3, `"4"`: 4, `" 5 "`: 5, `2.0`: 2}
	for raw, want := range valid {
		var q Quantity
		require.NoError(t, json.Unmarshal([]byte(raw), &q), raw)
		assert.True(t, q.Set)
		assert.Equal(t, want, q.Value)
	}

	for _, raw := range []string{`0`, `-1`, `1.5`, `"abc"`, `true`, `"1e12"`} {
		var q Quantity
		assert.Error(t, json.Unmarshal([]byte(raw), &q), raw)
	}

	var item ItemRequest
	require.NoError(t, json.Unmarshal([]byte(`{"menuItemId":"A","quantity":null}`), &item))
	assert.False(t, item.Quantity.Set)
}

func TestFlexString(t *testing.T) {
	var req SubmitItemsRequest
	require.NoError(t, json.Unmarshal([]byte(`{"tableId":12,"sessionId":"abc","items":[{"menuItemId":99}]}`), &req))
	assert.Equal(t, FlexString("12"), req.TableID)
	assert.Equal(t, FlexString("99"), req.Items[0].MenuItemID)

	var f FlexString
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &f))
}

func TestSubmitItemsRequest_ToDomain(t *testing.T) {
	var req SubmitItemsRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"tableId": "t1",
		"sessionId": "s1",
		"customerName": "Ravi",
		"idempotencyKey": "body-key",
		"items": [{"menuItemId": "A", "quantity": 2, "priceAtOrder": 120.5}, {"menuItemId": "B"}]
	}`), &req))

	got := req.ToDomain("restro10", "")
	assert.Equal(t, domain.Key{TenantID: "restro10", TableID: "t1", SessionID: "s1"}, got.Key)
	assert.Equal(t, "body-key", got.IdempotencyKey)
	require.Len(t, got.Items, 2)
	assert.Equal(t, 2, got.Items[0].Quantity)
	assert.Equal(t, "120.5", got.Items[0].PriceAtOrder.String())
	assert.Equal(t, 0, got.Items[1].Quantity)
	assert.Nil(t, got.Items[1].PriceAtOrder)

	assert.Equal(t, "header-key", req.ToDomain("restro10", "header-key").IdempotencyKey)
}

func TestBillingRequest_ToDomain(t *testing.T) {
	var req BillingRequest
	require.NoError(t, json.Unmarshal([]byte(`{"paymentStatus":"PAID","totalAmount":"99.90","status":"served"}`), &req))
	u, err := req.ToDomain()
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, *u.PaymentStatus)
	assert.Equal(t, domain.StatusServed, *u.Status)
	assert.Equal(t, "99.9", u.TotalAmount.String())
	assert.Nil(t, u.Subtotal)

	bad := BillingRequest{Status: new(string)}
	*bad.Status = "eaten"
	_, err = bad.ToDomain()
	assert.True(t, domain.IsKind(err, domain.KindInvalidRequest))
}
