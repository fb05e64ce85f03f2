package main

import (
	"html/template"
	"net/http"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/authorize"
)

var pages = template.Must(template.New("consent").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>{{.ClientName}} wants to access your account</h1>
{{if .Scopes}}<p>It is requesting:</p>
<ul>{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
{{else}}<p>It is requesting your account identifier only.</p>{{end}}
<form method="post" action="/oauth/authorize/">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="response_type" value="code">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="state" value="{{.State}}">
<button type="submit" name="allow" value="true">Allow</button>
<button type="submit" name="allow" value="false">Deny</button>
</form>
</body>
</html>
`))

func init() {
	template.Must(pages.New("error").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Authorization error</title></head>
<body>
<h1>Authorization error</h1>
<p><code>{{.Code}}</code>: {{.Description}}</p>
</body>
</html>
`))
}

// scopeLabels are the consent-page descriptions of each scope.
var scopeLabels = map[string]string{
	"username":    "your username",
	"email":       "your email address",
	"permissions": "your portal permissions",
}

func (a *App) renderConsent(w http.ResponseWriter, v *authorize.Validated) {
	labels := make([]string, 0, 3)
	for _, name := range v.Scope.Names() {
		labels = append(labels, scopeLabels[name])
	}
	data := struct {
		ClientName, ClientID, RedirectURI, Scope, State string
		Scopes                                          []string
	}{v.Client.Name, v.Client.ID, v.RedirectURI, v.Scope.String(), v.State, labels}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pages.ExecuteTemplate(w, "consent", data); err != nil {
		a.log.Errorw("render consent page", "error", err)
	}
}

// renderError shows an authorization error to the user instead of redirecting.
func (a *App) renderError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	if kind == apierr.ServerError {
		a.log.Errorw("authorization failed", "error", err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(kind.Status())
	data := struct{ Code, Description string }{string(kind), apierr.Description(err)}
	if err := pages.ExecuteTemplate(w, "error", data); err != nil {
		a.log.Errorw("render error page", "error", err)
	}
}
