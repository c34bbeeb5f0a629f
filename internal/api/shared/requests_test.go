package shared

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitBody struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantErr     error
		errContains string
	}{
		{name: "valid", body: `{"name": "a", "count": 2}`},
		{name: "syntax error", body: `{"name": "a",}`, errContains: "invalid character"},
		{name: "empty body", body: "", wantErr: ErrEmptyBody},
		{name: "unknown field", body: `{"name": "a", "extra": 1}`, errContains: "unknown field"},
		{name: "trailing data", body: `{"name": "a"} {"name": "b"}`, errContains: "unexpected data"},
		{
			name:        "oversized",
			body:        `{"name": "` + strings.Repeat("x", MaxRequestBodyBytes) + `"}`,
			errContains: "request body too large",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tc.body))
			w := httptest.NewRecorder()

			var got submitBody
			err := DecodeJSON(w, req, &got)

			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.errContains != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errContains)
			default:
				require.NoError(t, err)
				assert.Equal(t, submitBody{Name: "a", Count: 2}, got)
			}
		})
	}
}

type selfValidating struct{ ok bool }

func (s selfValidating) Validate() error {
	if !s.ok {
		return errors.New("not ok")
	}
	return nil
}

func TestValidateRequest(t *testing.T) {
	assert.NoError(t, ValidateRequest(&submitBody{Name: "a"}))

	err := ValidateRequest(&submitBody{Count: -1})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)

	assert.NoError(t, ValidateRequest(selfValidating{ok: true}))
	assert.EqualError(t, ValidateRequest(selfValidating{}), "not ok")
}
