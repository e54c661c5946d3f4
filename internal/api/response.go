// Package api implements the HTTP surface of the identity provider under
// /auth/v1, using Chi as the router. Programmatic clients receive RFC 6749
// shaped JSON errors; browser flows receive a branded HTML error page sized
// to the HTTP status. 5xx responses never leak internal detail.
package api

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/auth"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// rfcError is the RFC 6749 §5.2 error shape used for programmatic clients.
type rfcError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteError maps an error to its JSON response. OAuth protocol errors keep
// their RFC code; kinded errors map kind -> status with the caller-safe
// message; anything else is an opaque 500.
func WriteError(w http.ResponseWriter, err error) {
	if oauthErr, ok := err.(*auth.OAuthError); ok {
		JSON(w, oauthErr.Status, rfcError{Error: oauthErr.Code, ErrorDescription: oauthErr.Description})
		return
	}

	kind := apperr.KindOf(err)
	status := kind.Status()
	if status >= 500 {
		JSON(w, status, rfcError{Error: "server_error"})
		return
	}
	JSON(w, status, rfcError{Error: kind.String(), ErrorDescription: apperr.MessageOf(err)})
}

// errorPage is the branded HTML error shell for browser flows.
var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Status}} - Veridian</title>
<style>
body{font-family:sans-serif;background:#101418;color:#e6e6e6;display:flex;align-items:center;justify-content:center;height:100vh;margin:0}
main{text-align:center;max-width:28rem;padding:2rem}
h1{font-size:4rem;margin:0;color:#6ea8fe}
p{color:#9aa4af}
</style>
</head>
<body>
<main>
<h1>{{.Status}}</h1>
<p>{{.Message}}</p>
</main>
</body>
</html>
`))

// WriteErrorHTML renders the branded error page for browser flows.
// Internal errors keep their message out of the page.
func WriteErrorHTML(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := kind.Status()

	message := apperr.MessageOf(err)
	if status >= 500 {
		message = "an internal error occurred"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if tmplErr := errorPage.Execute(w, struct {
		Status  int
		Message string
	}{status, message}); tmplErr != nil {
		fmt.Fprintf(w, "%d", status)
	}
}

// decodeJSON decodes the request body into dst and runs struct validation.
// Returns false and writes the error response if either step fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		WriteError(w, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		WriteError(w, apperr.Wrap(apperr.BadRequest, err.Error(), err))
		return false
	}
	return true
}
