package internal

import (
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

func Test_validateClientSecret(t *testing.T) {
	tests := []struct {
		name         string
		clientSecret string
		wantJSON     *util.JSONResponse
	}{
		{
			name:         "valid secret",
			clientSecret: "this_is.a-valid=secret",
		},
		{
			name:         "empty secret",
			clientSecret: "",
			wantJSON:     &util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam("Invalid client_secret provided")},
		},
		{
			name:         "secret with invalid characters",
			clientSecret: "abc def",
			wantJSON:     &util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam("Invalid client_secret provided")},
		},
		{
			name:         "secret too long",
			clientSecret: strings.Repeat("a", maxClientSecretLength+1),
			wantJSON:     &util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam("Invalid client_secret provided")},
		},
		{
			name:         "secret at maximum length",
			clientSecret: strings.Repeat("a", maxClientSecretLength),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotJSON := ValidateClientSecret(tt.clientSecret)
			if !reflect.DeepEqual(gotJSON, tt.wantJSON) {
				t.Errorf("got = %+v, want %+v", gotJSON, tt.wantJSON)
			}
		})
	}
}

func Test_isValidServerName(t *testing.T) {
	tests := map[string]bool{
		"example.com":       true,
		"example.com:8448":  true,
		"1.2.3.4":           true,
		"1.2.3.4:443":       true,
		"[::1]":             true,
		"[::1]:8448":        true,
		"localhost":         true,
		"example.com#":      false,
		"":                  false,
		"example.com:":      false,
		"example.com:0":     false,
		"example.com:70000": false,
		"[::1":              false,
		"[1.2.3.4]":         false,
		"[::1]8448":         false,
		"exa mple.com":      false,
	}
	for serverName, want := range tests {
		if got := IsValidServerName(serverName); got != want {
			t.Errorf("IsValidServerName(%q) = %v, want %v", serverName, got, want)
		}
	}
}

func TestGenerateDigits(t *testing.T) {
	for i := 0; i < 20; i++ {
		token, err := GenerateDigits(6)
		if err != nil {
			t.Fatal(err)
		}
		if len(token) != 6 || strings.Trim(token, "0123456789") != "" {
			t.Fatalf("unexpected token %q", token)
		}
	}
}

func TestGenerateAlphanumeric(t *testing.T) {
	token, err := GenerateAlphanumeric(32)
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != 32 || strings.Trim(token, alphanumerics) != "" {
		t.Fatalf("unexpected token %q", token)
	}
}
