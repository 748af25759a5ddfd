package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"secondlayer/internal/views"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		code   string
		status int
	}{
		{CodeStreamNotFound, http.StatusNotFound},
		{CodeViewNotFound, http.StatusNotFound},
		{CodeRowNotFound, http.StatusNotFound},
		{CodeInvalidColumn, http.StatusBadRequest},
		{CodeValidationError, http.StatusBadRequest},
		{CodeLimitExceeded, http.StatusTooManyRequests},
		{CodeAuthenticationError, http.StatusUnauthorized},
		{CodeAuthorizationError, http.StatusForbidden},
		{CodeRateLimitError, http.StatusTooManyRequests},
		{CodeInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.code, "boom")
		if rec.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.code, rec.Code, tc.status)
		}
		body := decodeError(t, rec)
		if body["code"] != tc.code || body["error"] != "boom" {
			t.Errorf("%s: body = %v", tc.code, body)
		}
	}
}

func TestWriteQueryErrorMapping(t *testing.T) {
	rec := httptest.NewRecorder()
	writeQueryError(rec, views.ErrViewNotFound)
	if body := decodeError(t, rec); body["code"] != CodeViewNotFound {
		t.Errorf("view not found mapped to %s", body["code"])
	}

	rec = httptest.NewRecorder()
	writeQueryError(rec, views.ErrTableNotFound)
	if body := decodeError(t, rec); body["code"] != CodeTableNotFound {
		t.Errorf("table not found mapped to %s", body["code"])
	}

	rec = httptest.NewRecorder()
	writeQueryError(rec, views.ErrRowNotFound)
	if body := decodeError(t, rec); body["code"] != CodeRowNotFound {
		t.Errorf("row not found mapped to %s", body["code"])
	}

	rec = httptest.NewRecorder()
	writeQueryError(rec, &views.InvalidColumnError{Column: "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid column status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body["code"] != CodeInvalidColumn {
		t.Errorf("invalid column mapped to %s", body["code"])
	}
}
