package main

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sre-norns/verdandi/pkg/auth"
	"github.com/sre-norns/verdandi/pkg/cookies"
	"github.com/sre-norns/verdandi/pkg/dbstore"
	"github.com/sre-norns/verdandi/pkg/logstream"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

const netscapeMimeType = "text/plain"

var ErrNoCookieVault = fmt.Errorf("cookie vault is not configured")

type (
	nextRunsQuery struct {
		Count int `form:"count"`
	}

	sinceQuery struct {
		Since *time.Time `form:"since" time_format:"unix"`
	}

	purgeQuery struct {
		Before *time.Time `form:"before" time_format:"unix" binding:"required"`
	}

	cookiesQuery struct {
		Domain    string `form:"domain"`
		Account   string `form:"account"`
		Format    string `form:"format"`
		Overwrite bool   `form:"overwrite"`
	}

	streamQuery struct {
		After uint `form:"after"`
	}
)

type apiServer struct {
	service   *task.Service
	vault     *cookies.Vault
	hub       *logstream.Hub
	authority *auth.Authority
	registry  *prometheus.Registry
	logger    log.Logger
}

func (s *apiServer) sinceOrZero(q sinceQuery) time.Time {
	if q.Since == nil {
		return time.Time{}
	}
	return *q.Since
}

// backlog reads all stored entries of an execution after an id
func (s *apiServer) backlog(ctx context.Context, id wyrd.ResourceID, afterID uint) ([]task.LogEntry, error) {
	var result []task.LogEntry
	for {
		page, err := s.service.ListLogs(ctx, task.LogQuery{
			Pagination:  task.Pagination{Limit: dbstore.PaginationLimit},
			ExecutionID: id,
			AfterID:     afterID,
		})
		if err != nil {
			return result, err
		}
		result = append(result, page...)
		if len(page) < dbstore.PaginationLimit {
			return result, nil
		}
		afterID = page[len(page)-1].ID
	}
}

// finished re-reads the execution, as it may have ended after the stream request was checked
func (s *apiServer) finished(ctx context.Context, id wyrd.ResourceID) (bool, error) {
	exec, exists, err := s.service.GetExecution(ctx, id)
	if err != nil {
		return false, err
	}
	return !exists || exec.Status.IsFinal(), nil
}

func apiRoutes(srv *apiServer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), metricsApi(srv.registry))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{})))

	operator := requireRole(srv.authority, auth.RoleOperator)
	reader := requireRole(srv.authority, auth.RoleOperator, auth.RoleWorker)
	worker := reader

	streamer := logstream.NewHandler(srv.hub, srv.backlog, srv.finished)

	vaultApi := func(ctx *gin.Context) {
		if srv.vault == nil {
			abortWithError(ctx, http.StatusServiceUnavailable, ErrNoCookieVault)
			return
		}
		ctx.Next()
	}

	v1 := router.Group("api/v1")
	{
		v1.GET("/version", func(ctx *gin.Context) {
			bi, ok := debug.ReadBuildInfo()
			if !ok {
				ctx.JSON(http.StatusOK, gin.H{
					"version": "unknown",
					"kinds":   prob.Kinds(),
				})
				return
			}

			ctx.JSON(http.StatusOK, gin.H{
				"version":   bi.Main.Version,
				"goVersion": bi.GoVersion,
				"kinds":     prob.Kinds(),
			})
		})

		//------------
		// Tasks API
		//------------
		v1.GET("/tasks", reader, queryApi[task.SearchQuery](), contentTypeApi(), func(ctx *gin.Context) {
			searchQuery := requireQuery[task.SearchQuery](ctx)

			results, err := srv.service.ListTasks(ctx.Request.Context(), searchQuery)
			if err != nil {
				abortWithError(ctx, http.StatusBadRequest, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, task.NewPaginatedResponse(results, searchQuery.Pagination))
		})

		v1.POST("/tasks", operator, contentTypeApi(), func(ctx *gin.Context) {
			var req task.TaskRequest
			if !bindBody(ctx, &req) {
				return
			}

			result, err := srv.service.CreateTask(ctx.Request.Context(), req)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			ctx.Header("Location", fmt.Sprintf("%v/%v", ctx.Request.URL.Path, result.ID))
			marshalResponse(ctx, http.StatusCreated, result)
		})

		v1.GET("/tasks/:id", reader, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)

			resource, exists, err := srv.service.GetTask(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			marshalResponse(ctx, http.StatusOK, resource)
		})

		v1.PUT("/tasks/:id", operator, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)
			var req task.TaskRequest
			if !bindBody(ctx, &req) {
				return
			}

			result, exists, err := srv.service.UpdateTask(ctx.Request.Context(), resourceId.ID, req)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			marshalResponse(ctx, http.StatusOK, result)
		})

		v1.DELETE("/tasks/:id", operator, resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)

			existed, err := srv.service.DeleteTask(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !existed {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			ctx.Status(http.StatusNoContent)
		})

		v1.POST("/tasks/:id/toggle", operator, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)

			result, exists, err := srv.service.ToggleTask(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			marshalResponse(ctx, http.StatusOK, result)
		})

		v1.POST("/tasks/:id/duplicate", operator, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)

			result, exists, err := srv.service.DuplicateTask(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			ctx.Header("Location", fmt.Sprintf("/api/v1/tasks/%v", result.ID))
			marshalResponse(ctx, http.StatusCreated, result)
		})

		v1.GET("/tasks/:id/next-runs", reader, contentTypeApi(), resourceIdApi(), queryApi[nextRunsQuery](), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)
			query := requireQuery[nextRunsQuery](ctx)

			result, exists, err := srv.service.NextRuns(ctx.Request.Context(), resourceId.ID, query.Count)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			marshalResponse(ctx, http.StatusOK, result)
		})

		v1.POST("/tasks/:id/run", operator, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)
			var req task.TriggerRequest
			if ctx.Request.ContentLength != 0 && !bindBody(ctx, &req) {
				return
			}

			result, exists, err := srv.service.Trigger(ctx.Request.Context(), resourceId.ID, task.TriggerManual, req)
			if !exists && err == nil {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			ctx.Header("Location", fmt.Sprintf("/api/v1/executions/%v", result.ID))
			marshalResponse(ctx, http.StatusAccepted, result)
		})

		v1.GET("/tasks/:id/stats", reader, contentTypeApi(), resourceIdApi(), queryApi[sinceQuery](), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)
			query := requireQuery[sinceQuery](ctx)

			result, err := srv.service.Stats(ctx.Request.Context(), resourceId.ID, srv.sinceOrZero(query))
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, result)
		})

		v1.GET("/stats", reader, contentTypeApi(), queryApi[sinceQuery](), func(ctx *gin.Context) {
			query := requireQuery[sinceQuery](ctx)

			result, err := srv.service.Stats(ctx.Request.Context(), 0, srv.sinceOrZero(query))
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, result)
		})

		//------------
		// Executions API
		//------------
		v1.GET("/executions", reader, queryApi[task.ExecutionQuery](), contentTypeApi(), func(ctx *gin.Context) {
			query := requireQuery[task.ExecutionQuery](ctx)

			results, err := srv.service.ListExecutions(ctx.Request.Context(), query)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, task.NewPaginatedResponse(results, query.Pagination))
		})

		v1.DELETE("/executions", operator, contentTypeApi(), queryApi[purgeQuery](), func(ctx *gin.Context) {
			query := requireQuery[purgeQuery](ctx)

			deleted, err := srv.service.PurgeExecutions(ctx.Request.Context(), *query.Before)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, gin.H{"deleted": deleted})
		})

		v1.GET("/executions/:id", reader, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)

			resource, exists, err := srv.service.GetExecution(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			marshalResponse(ctx, http.StatusOK, resource)
		})

		v1.POST("/executions/:id/begin", worker, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)
			var req task.BeginRequest
			if !bindBody(ctx, &req) {
				return
			}
			if req.Worker == "" {
				if claims, ok := auth.ClaimsFrom(ctx); ok {
					req.Worker = claims.Subject
				}
			}

			result, exists, err := srv.service.Begin(ctx.Request.Context(), resourceId.ID, req)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			marshalResponse(ctx, http.StatusOK, result)
		})

		v1.POST("/executions/:id/finish", worker, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)
			var req task.FinishRequest
			if !bindBody(ctx, &req) {
				return
			}

			result, exists, err := srv.service.Finish(ctx.Request.Context(), resourceId.ID, req)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			marshalResponse(ctx, http.StatusOK, result)
		})

		v1.POST("/executions/:id/cancel", operator, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)

			result, exists, err := srv.service.Cancel(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			marshalResponse(ctx, http.StatusOK, result)
		})

		v1.GET("/executions/:id/logs", reader, contentTypeApi(), resourceIdApi(), queryApi[task.LogQuery](), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)
			query := requireQuery[task.LogQuery](ctx)
			query.ExecutionID = resourceId.ID

			results, err := srv.service.ListLogs(ctx.Request.Context(), query)
			if err != nil {
				abortWithError(ctx, http.StatusBadRequest, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, task.NewPaginatedResponse(results, query.Pagination))
		})

		v1.POST("/executions/:id/logs", worker, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)
			var entries []task.LogEntry
			if !bindBody(ctx, &entries) {
				return
			}

			exists, err := srv.service.AppendLog(ctx.Request.Context(), resourceId.ID, entries)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			marshalResponse(ctx, http.StatusAccepted, gin.H{"count": len(entries)})
		})

		v1.GET("/executions/:id/logs/stream", reader, resourceIdApi(), queryApi[streamQuery](), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)
			query := requireQuery[streamQuery](ctx)

			exec, exists, err := srv.service.GetExecution(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			streamer.Serve(ctx.Writer, ctx.Request, exec.ID, query.After)
		})

		v1.GET("/executions/:id/artifacts", reader, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)

			results, err := srv.service.ListArtifacts(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, task.NewPaginatedResponse(results, task.Pagination{}))
		})

		//------------
		// Artifacts API
		//------------
		v1.GET("/artifacts/:id", reader, contentTypeApi(), resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)

			resource, exists, err := srv.service.GetArtifact(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			resource.Content = nil
			marshalResponse(ctx, http.StatusOK, resource)
		})

		v1.GET("/artifacts/:id/content", reader, resourceIdApi(), func(ctx *gin.Context) {
			resourceId := requireResourceId(ctx)

			resource, exists, err := srv.service.GetArtifact(ctx.Request.Context(), resourceId.ID)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !exists {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			ctx.Data(http.StatusOK, resource.MimeType, resource.Content)
		})

		//------------
		// Cookies API
		//------------
		v1.GET("/cookies", operator, vaultApi, contentTypeApi(), queryApi[cookiesQuery](), func(ctx *gin.Context) {
			query := requireQuery[cookiesQuery](ctx)

			results, err := srv.vault.List(ctx.Request.Context(), query.Domain)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, results)
		})

		v1.GET("/cookies/export", operator, vaultApi, contentTypeApi(), queryApi[cookiesQuery](), func(ctx *gin.Context) {
			query := requireQuery[cookiesQuery](ctx)

			bundles, err := srv.vault.Export(ctx.Request.Context(), query.Domain)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			ctx.Header("Cache-Control", "no-store")
			if query.Format == "netscape" {
				var all []cookies.Bundle
				for _, b := range bundles {
					if query.Account == "" || b.Account == query.Account {
						all = append(all, b)
					}
				}

				ctx.Header("Content-Type", netscapeMimeType)
				ctx.Status(http.StatusOK)
				for _, b := range all {
					if err := cookies.EncodeNetscape(ctx.Writer, b.Cookies); err != nil {
						_ = ctx.Error(err)
						return
					}
				}
				return
			}

			marshalResponse(ctx, http.StatusOK, bundles)
		})

		v1.POST("/cookies/import", operator, vaultApi, contentTypeApi(), queryApi[cookiesQuery](), func(ctx *gin.Context) {
			query := requireQuery[cookiesQuery](ctx)

			var bundles []cookies.Bundle
			if ctx.ContentType() == netscapeMimeType {
				if query.Domain == "" {
					abortWithError(ctx, http.StatusBadRequest, fmt.Errorf("domain is required to import cookies.txt"))
					return
				}
				parsed, err := cookies.DecodeNetscape(ctx.Request.Body)
				if err != nil {
					abortWithError(ctx, http.StatusBadRequest, err)
					return
				}
				bundles = []cookies.Bundle{{Domain: query.Domain, Account: query.Account, Cookies: parsed}}
			} else if !bindBody(ctx, &bundles) {
				return
			}

			result, err := srv.vault.Import(ctx.Request.Context(), bundles, query.Overwrite)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, result)
		})

		v1.DELETE("/cookies", operator, vaultApi, queryApi[cookiesQuery](), func(ctx *gin.Context) {
			query := requireQuery[cookiesQuery](ctx)
			if query.Domain == "" {
				abortWithError(ctx, http.StatusBadRequest, fmt.Errorf("domain is required"))
				return
			}

			existed, err := srv.vault.Delete(ctx.Request.Context(), query.Domain, query.Account)
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}
			if !existed {
				abortWithError(ctx, http.StatusNotFound, ErrResourceNotFound)
				return
			}

			ctx.Status(http.StatusNoContent)
		})

		v1.POST("/cookies/clean", operator, vaultApi, contentTypeApi(), func(ctx *gin.Context) {
			removed, err := srv.vault.CleanExpired(ctx.Request.Context())
			if err != nil {
				abortWithServiceError(ctx, err)
				return
			}

			marshalResponse(ctx, http.StatusOK, gin.H{"removed": removed})
		})
	}

	return router
}
