package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/authz"
	"github.com/scopeq/scopeq/internal/executor"
	"github.com/scopeq/scopeq/internal/fields"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/authclaims"
	"github.com/scopeq/scopeq/pkg/middleware"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
	"github.com/scopeq/scopeq/pkg/storage"
)

// maxRequestBytes bounds a request body.
const maxRequestBytes = 1 << 20 // 1 MB

// handleQuery executes one operation against one model.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		serverErrors.EncodeJSON(w, err)
		return
	}

	result, err := s.execute(r.Context(), r.PathValue("model"), env)
	if err != nil {
		s.logError(r.Context(), err)
		serverErrors.EncodeJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// execute runs the full request pipeline for one operation: field maps,
// policy-narrowed base query, then the executor.
func (s *Server) execute(ctx context.Context, modelName string, env *ast.Envelope) (*executor.Result, error) {
	model, ok := s.graph.Model(modelName)
	if !ok {
		return nil, serverErrors.UnknownModel(modelName)
	}

	actor := authclaims.ActorFromContext(ctx)
	scopeToken, _ := middleware.ScopeTokenFromContext(ctx)
	requestID, _ := middleware.RequestIDFromContext(ctx)

	readMap, createMap, updateMap, err := s.fieldMaps(ctx, actor, model, env)
	if err != nil {
		return nil, err
	}

	base, err := s.authorizer.FilterQueryset(ctx, actor, storage.NewQuery(model))
	if err != nil {
		return nil, serverErrors.HandleError(model.Name, err)
	}

	exec, err := executor.New(executor.Params{
		Store:               s.store,
		Serializer:          s.serializer,
		Authorizer:          s.authorizer,
		Model:               model,
		BaseQuery:           base,
		ReadMap:             readMap,
		CreateMap:           createMap,
		UpdateMap:           updateMap,
		Actor:               actor,
		ScopeToken:          scopeToken,
		RequestID:           requestID,
		Cache:               s.cache,
		Emitter:             s.emitter,
		Logger:              s.logger,
		DefaultPageSize:     s.opts.DefaultPageSize,
		MaxPageSize:         s.opts.MaxPageSize,
		StatementTimeout:    s.opts.StatementTimeout,
		PrefetchConcurrency: s.opts.PrefetchConcurrency,
	})
	if err != nil {
		return nil, serverErrors.NewInternalError("", err)
	}

	return exec.Execute(ctx, env)
}

// fieldMaps resolves the three per-operation maps for the request. The read
// map honors the requested serializer fields and depth; the write maps are
// always depth 0.
func (s *Server) fieldMaps(ctx context.Context, actor *authclaims.AuthClaims, model *modelgraph.Model, env *ast.Envelope) (readMap, createMap, updateMap fields.Map, err error) {
	depth := 0
	if env.SerializerOptions.Depth != nil {
		depth = *env.SerializerOptions.Depth
	}

	readMap, err = s.resolver.Resolve(ctx, actor, model, depth, env.SerializerOptions.Fields, authz.ActionRead)
	if err != nil {
		return nil, nil, nil, serverErrors.HandleError(model.Name, err)
	}
	createMap, err = s.resolver.Resolve(ctx, actor, model, 0, nil, authz.ActionCreate)
	if err != nil {
		return nil, nil, nil, serverErrors.HandleError(model.Name, err)
	}
	updateMap, err = s.resolver.Resolve(ctx, actor, model, 0, nil, authz.ActionUpdate)
	if err != nil {
		return nil, nil, nil, serverErrors.HandleError(model.Name, err)
	}
	return readMap, createMap, updateMap, nil
}

// decodeEnvelope reads and strictly decodes the request body.
func decodeEnvelope(r *http.Request) (*ast.Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return nil, serverErrors.InvalidQuery("failed to read request body")
	}

	env, err := ast.DecodeRequest(body)
	if err != nil {
		return nil, serverErrors.InvalidQuery(err.Error())
	}
	return env, nil
}
