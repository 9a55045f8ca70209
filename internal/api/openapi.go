// SPDX-License-Identifier: MIT

package api

import (
	"context"
	_ "embed"
	"errors"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

//go:embed openapi.yaml
var openapiSpec []byte

// openAPIValidator validates incoming requests against the embedded contract
// and serves the contract itself.
type openAPIValidator struct {
	doc    *openapi3.T
	router routers.Router
	json   []byte
}

func newOpenAPIValidator() (*openAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, err
	}
	rendered, err := doc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return &openAPIValidator{doc: doc, router: router, json: rendered}, nil
}

// serveDocument returns the contract as JSON.
func (v *openAPIValidator) serveDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(v.json)
}

// middleware rejects requests that do not match the contract. Paths the
// document does not know are passed through untouched.
func (v *openAPIValidator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
				next.ServeHTTP(w, r)
				return
			}
			writeBadRequest(w, err.Error())
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: func(context.Context, *openapi3filter.AuthenticationInput) error {
					return nil
				},
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			var reqErr *openapi3filter.RequestError
			if errors.As(err, &reqErr) {
				writeBadRequest(w, reqErr.Error())
				return
			}
			writeBadRequest(w, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
