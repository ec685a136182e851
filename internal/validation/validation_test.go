package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidEntityID(t *testing.T) {
	valid := []string{
		"off_a1b2c3d4e5f6a1b2c3d4e5f6",
		"ord_000000000000000000000000",
		"lst_abcdefabcdefabcdefabcdef",
	}
	for _, id := range valid {
		if !IsValidEntityID(id) {
			t.Errorf("IsValidEntityID(%q) = false, want true", id)
		}
	}

	invalid := []string{
		"",
		"off_",
		"off_a1b2",                          // too short
		"off_a1b2c3d4e5f6a1b2c3d4e5f6ff",   // too long
		"OFF_a1b2c3d4e5f6a1b2c3d4e5f6",     // uppercase prefix
		"off_A1B2C3D4E5F6A1B2C3D4E5F6",     // uppercase hex
		"offer_a1b2c3d4e5f6a1b2c3d4e5",     // prefix too long
		"off-a1b2c3d4e5f6a1b2c3d4e5f6",     // wrong separator
		"off_a1b2c3d4e5f6a1b2c3d4e5zz",     // non-hex
		"'; DROP TABLE offers; --",
	}
	for _, id := range invalid {
		if IsValidEntityID(id) {
			t.Errorf("IsValidEntityID(%q) = true, want false", id)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello  ", 100); got != "hello" {
		t.Errorf("trim: got %q", got)
	}
	if got := SanitizeString("abc\x00def", 100); got != "abcdef" {
		t.Errorf("null bytes: got %q", got)
	}
	if got := SanitizeString(strings.Repeat("x", 50), 10); len(got) != 10 {
		t.Errorf("truncation: len = %d, want 10", len(got))
	}
}

func TestIDParamMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/things/:id", IDParamMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})
	r.GET("/plain", IDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/things/off_a1b2c3d4e5f6a1b2c3d4e5f6", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/things/not-an-id", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed id: status = %d, want 400", w.Code)
	}

	// Routes without an :id param pass through untouched
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/plain", nil))
	if w.Code != http.StatusOK {
		t.Errorf("no id param: status = %d, want 200", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.POST("/", RequestSizeMiddleware(16), func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"a":1}`)))
	if w.Code != http.StatusOK {
		t.Errorf("small body: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	big := `{"a":"` + strings.Repeat("x", 100) + `"}`
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(big)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize body: status = %d, want 413", w.Code)
	}
}

func TestValidateHelpers(t *testing.T) {
	errs := Validate(
		Required("title", ""),
		Required("sellerId", "usr_abc"),
		PositiveAmount("amount", 0),
		PositiveAmount("askingPrice", 5000),
	)
	if len(errs) != 2 {
		t.Fatalf("error count = %d, want 2", len(errs))
	}
	if errs[0].Field != "title" || errs[1].Field != "amount" {
		t.Errorf("unexpected fields: %+v", errs)
	}
	if errs.Error() == "" {
		t.Error("Error() should describe the first failure")
	}

	if clean := Validate(Required("x", "y")); len(clean) != 0 {
		t.Errorf("expected no errors, got %+v", clean)
	}
}
