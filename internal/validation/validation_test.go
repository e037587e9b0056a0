package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"admin-1", true},
		{"ops.lead@example.com", true},
		{"svc:treasury", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidIdentifier(tc.id), "id %q", tc.id)
	}
}

func TestIsValidTransactionID(t *testing.T) {
	assert.True(t, IsValidTransactionID("tx_0123456789abcdef01234567"))
	assert.False(t, IsValidTransactionID("tx_0123456789ABCDEF01234567"))
	assert.False(t, IsValidTransactionID("tx_123"))
	assert.False(t, IsValidTransactionID("evt_0123456789abcdef01234567"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("signer", ""),
		ValidIdentifier("actor", "bad actor"),
		ValidTimestamp("start", "yesterday"),
		OneOf("format", "xml", "json", "csv"),
		ValidAmount("amount", "-5"),
		MaxLength("reason", "abcdef", 3),
	)
	assert.Len(t, errs, 6)
	assert.Equal(t, "signer: is required", errs.Error())

	assert.Empty(t, Validate(
		Required("signer", "a"),
		ValidIdentifier("actor", ""),
		ValidTimestamp("start", "2026-03-10T12:00:00Z"),
		OneOf("format", "csv", "json", "csv"),
		ValidAmount("amount", "12.5"),
	))
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"1", true},
		{"0.000001", true},
		{"0", false},
		{"0.0", false},
		{"1.1234567", false},
		{"abc", false},
		{"1e5", false},
	}
	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		assert.Equal(t, tc.ok, err == nil, "value %q", tc.value)
	}
}

func TestTransactionIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/tx/:id", TransactionIDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/tx/tx_0123456789abcdef01234567", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/tx/not-an-id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_transaction_id")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"amount":"1234567890"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
