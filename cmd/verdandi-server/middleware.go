package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sre-norns/verdandi/pkg/auth"
	"github.com/sre-norns/verdandi/pkg/dbstore"
	"github.com/sre-norns/verdandi/pkg/task"
)

var (
	ErrUnsupportedMediaType = fmt.Errorf("unsupported content type request")
	ErrResourceNotFound     = fmt.Errorf("requested resource not found")
)

const (
	responseMarshalKey = "responseMarshal"
	resourceIdKey      = "resourceId"
	queryKey           = "query"
)

func filterFlags(content string) string {
	for i, char := range content {
		if char == ' ' || char == ';' {
			return content[:i]
		}
	}
	return content
}

func selectAcceptedType(header http.Header) []string {
	accepts := header.Values("Accept")
	result := make([]string, 0, len(accepts))
	for _, a := range accepts {
		result = append(result, filterFlags(a))
	}

	return result
}

type responseHandler func(code int, obj any)

func replyWithAcceptedType(c *gin.Context) (responseHandler, error) {
	accepted := selectAcceptedType(c.Request.Header)
	if len(accepted) == 0 {
		return c.JSON, nil
	}

	for _, contentType := range accepted {
		switch contentType {
		case "", "*/*", gin.MIMEJSON:
			return c.JSON, nil
		case gin.MIMEYAML, "text/yaml", "application/yaml", "text/x-yaml":
			return c.YAML, nil
		}
	}

	return nil, ErrUnsupportedMediaType
}

func marshalResponse(ctx *gin.Context, code int, responseValue any) {
	marshalResponse := ctx.MustGet(responseMarshalKey).(responseHandler)
	marshalResponse(code, responseValue)
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrNoSchedule),
		errors.Is(err, dbstore.ErrUnexpectedSelectorOperator),
		errors.Is(err, dbstore.ErrNoRequirementsValueProvided):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrAlreadyFinished):
		return http.StatusConflict
	case errors.Is(err, task.ErrNoScheduler):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(ctx *gin.Context, code int, errValue error) {
	var apiError *task.ErrorResponse
	if errors.As(errValue, &apiError) {
		ctx.AbortWithStatusJSON(apiError.Code, apiError)
		return
	}

	ctx.AbortWithStatusJSON(code, task.NewErrorResponse(code, errValue))
}

func abortWithServiceError(ctx *gin.Context, err error) {
	abortWithError(ctx, statusFor(err), err)
}

func contentTypeApi() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		// select response encoder base of accept-type:
		marshalResponse, err := replyWithAcceptedType(ctx)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusNotAcceptable, task.NewErrorResponse(http.StatusNotAcceptable, err))
			return
		}

		ctx.Set(responseMarshalKey, marshalResponse)
		ctx.Next()
	}
}

func resourceIdApi() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var resourceRequest task.ResourceRequest
		if err := ctx.BindUri(&resourceRequest); err != nil {
			abortWithError(ctx, http.StatusNotFound, err)
			return
		}

		ctx.Set(resourceIdKey, resourceRequest)
		ctx.Next()
	}
}

func requireResourceId(ctx *gin.Context) task.ResourceRequest {
	return ctx.MustGet(resourceIdKey).(task.ResourceRequest)
}

// queryApi binds URL query parameters into T, clamping pagination when T has it
func queryApi[T any]() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var query T
		if err := ctx.ShouldBindQuery(&query); err != nil {
			abortWithError(ctx, http.StatusBadRequest, err)
			return
		}

		ctx.Set(queryKey, query)
		ctx.Next()
	}
}

func requireQuery[T any](ctx *gin.Context) T {
	return ctx.MustGet(queryKey).(T)
}

// Monkey-patch GIN to respect other spelling of yaml mime-type
func bindingFor(method, contentType string) binding.Binding {
	switch contentType {
	case gin.MIMEYAML, "text/yaml", "application/yaml", "text/x-yaml":
		return binding.YAML
	case "", "*/*", gin.MIMEJSON:
		return binding.JSON
	default:
		return binding.Default(method, contentType)
	}
}

func bindBody(ctx *gin.Context, dest any) bool {
	if err := ctx.ShouldBindWith(dest, bindingFor(ctx.Request.Method, ctx.ContentType())); err != nil {
		abortWithError(ctx, http.StatusBadRequest, err)
		return false
	}
	return true
}

// requireRole admits tokens of given roles. Without an authority every request is admitted.
func requireRole(authority *auth.Authority, roles ...auth.Role) gin.HandlerFunc {
	if authority == nil {
		return func(ctx *gin.Context) { ctx.Next() }
	}
	return authority.Middleware(roles...)
}

func metricsApi(registry prometheus.Registerer) gin.HandlerFunc {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verdandi_http_requests_total",
		Help: "Number of API requests served",
	}, []string{"method", "route", "code"})
	registry.MustRegister(requests)

	return func(ctx *gin.Context) {
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requests.WithLabelValues(ctx.Request.Method, route, fmt.Sprint(ctx.Writer.Status())).Inc()
	}
}
