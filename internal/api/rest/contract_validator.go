package rest

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

//go:embed openapi.yaml
var openAPIDocument []byte

// ContractValidator validates HTTP requests against the embedded OpenAPI document
type ContractValidator struct {
	doc    *openapi3.T
	router routers.Router
}

// NewContractValidator loads and validates the embedded document
func NewContractValidator(ctx context.Context) (*ContractValidator, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	doc, err := loader.LoadFromData(openAPIDocument)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create contract router: %w", err)
	}

	return &ContractValidator{doc: doc, router: router}, nil
}

// ValidateRequest checks req against its documented operation. Requests
// that match no documented route return routers.ErrPathNotFound or
// routers.ErrMethodNotAllowed.
func (cv *ContractValidator) ValidateRequest(req *http.Request) error {
	route, pathParams, err := cv.router.FindRoute(req)
	if err != nil {
		return err
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError: true,
			// multipart uploads are streamed by the handler, never buffered here
			ExcludeRequestBody: isMultipart(req),
		},
	}
	return openapi3filter.ValidateRequest(req.Context(), input)
}

// ContractValidationMiddleware rejects requests that violate the contract with 400
func ContractValidationMiddleware(cv *ContractValidator, base *BaseHandler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			if !isMultipart(r) && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
			}

			err := cv.ValidateRequest(r)
			switch {
			case err == nil:
			case stderrors.Is(err, routers.ErrPathNotFound), stderrors.Is(err, routers.ErrMethodNotAllowed):
				// let the mux answer 404/405
			default:
				base.WriteErrorResponse(w, r, contractFieldErrors(err), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// contractFieldErrors flattens kin-openapi errors into field errors
func contractFieldErrors(err error) error {
	var maxBytes *http.MaxBytesError
	if stderrors.As(err, &maxBytes) {
		return maxBytes
	}

	var errs []error
	var multi openapi3.MultiError
	if stderrors.As(err, &multi) {
		errs = multi
	} else {
		errs = []error{err}
	}

	out := &ValidationError{Fields: make([]FieldError, 0, len(errs))}
	for _, e := range errs {
		out.Fields = append(out.Fields, contractFieldError(e))
	}
	return out
}

func contractFieldError(err error) FieldError {
	field := "request"
	var reqErr *openapi3filter.RequestError
	if stderrors.As(err, &reqErr) {
		switch {
		case reqErr.Parameter != nil:
			field = reqErr.Parameter.Name
		case reqErr.RequestBody != nil:
			field = "body"
		}
	}

	message := err.Error()
	var schemaErr *openapi3.SchemaError
	if stderrors.As(err, &schemaErr) {
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			field = strings.Join(ptr, ".")
		}
		message = schemaErr.Reason
	} else if reqErr != nil && reqErr.Reason != "" {
		message = reqErr.Reason
	}
	return FieldError{Field: field, Message: message}
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}
