package fields

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scopeq/scopeq/internal/authz"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/authclaims"
)

var tracer = otel.Tracer("scopeq/internal/fields")

// MaxDepth caps relation traversal regardless of the requested depth or the
// longest requested field path.
const MaxDepth = 10

// Resolver computes permission-scoped field maps over the model graph. It
// holds only startup-immutable state and is safe for concurrent use.
type Resolver struct {
	graph      *modelgraph.Graph
	authorizer *authz.Authorizer
}

// NewResolver returns a resolver over the graph and the bound policies.
func NewResolver(graph *modelgraph.Graph, authorizer *authz.Authorizer) *Resolver {
	return &Resolver{graph: graph, authorizer: authorizer}
}

// Resolve builds the field map for one operation. Dotted requested paths
// derive the traversal depth (max segment count + 1); create and update maps
// never traverse relations since nested writes are unsupported. Models the
// policies deny are absent from the map rather than raising: absence is the
// signal.
func (r *Resolver) Resolve(ctx context.Context, actor *authclaims.AuthClaims, root *modelgraph.Model, depth int, requestedPaths []string, action authz.Action) (Map, error) {
	if root == nil {
		return nil, fmt.Errorf("fields: resolve requires a root model")
	}

	ctx, span := tracer.Start(ctx, "fields.Resolve", trace.WithAttributes(
		attribute.String("model", root.Name),
		attribute.String("action", string(action)),
	))
	defer span.End()

	if action == authz.ActionCreate || action == authz.ActionUpdate {
		depth = 0
		requestedPaths = nil
	}

	paths := splitPaths(requestedPaths)
	if len(paths) > 0 {
		depth = derivedDepth(paths)
	}
	if depth < 0 {
		depth = 0
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}
	span.SetAttributes(attribute.Int("depth", depth))

	base := r.traverse(ctx, actor, root, depth, action)
	if len(paths) == 0 {
		return base, nil
	}
	return refine(base, root, paths), nil
}

type queueEntry struct {
	model *modelgraph.Model
	depth int
}

// traverse walks the graph breadth-first up to the depth bound, recording
// every field the policies grant for the action. A (model, depth) pair is
// visited at most once; a model whose policies deny the action is pruned
// without descending into it.
func (r *Resolver) traverse(ctx context.Context, actor *authclaims.AuthClaims, root *modelgraph.Model, bound int, action authz.Action) Map {
	type visit struct {
		model string
		depth int
	}
	visited := make(map[visit]struct{})
	result := make(Map)

	queue := []queueEntry{{model: root, depth: 0}}
	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]

		key := visit{model: entry.model.Name, depth: entry.depth}
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}

		if !r.authorizer.Allows(ctx, actor, entry.model.Name, action) {
			continue
		}

		allowed := r.authorizer.FieldsFor(ctx, actor, entry.model.Name, action)
		for _, field := range entry.model.Fields {
			if !allowed.Has(field.Name) {
				continue
			}
			result.add(entry.model.Name, field.Name)
			if field.IsRelation() && entry.depth < bound {
				queue = append(queue, queueEntry{model: field.Rel.To, depth: entry.depth + 1})
			}
		}
	}
	return result
}

// refine narrows the depth-based map to the requested paths. The root keeps
// its full entry; related models keep only what the paths name, with a
// terminal relation segment expanding to every already-allowed field of its
// target. A segment the base map does not grant cuts the path there.
func refine(base Map, root *modelgraph.Model, paths [][]string) Map {
	result := make(Map)
	if rootSet, ok := base.Lookup(root.Name); ok {
		result.add(root.Name, rootSet.Names()...)
	}

	for _, path := range paths {
		current := root
		for i, segment := range path {
			if !base.Allows(current.Name, segment) {
				break
			}
			result.add(current.Name, segment)

			field := current.Field(segment)
			if field == nil || !field.IsRelation() {
				break
			}
			if i == len(path)-1 {
				if related, ok := base.Lookup(field.Rel.To.Name); ok {
					result.add(field.Rel.To.Name, related.Names()...)
				}
				break
			}
			current = field.Rel.To
		}
	}
	return result
}

func splitPaths(requested []string) [][]string {
	paths := make([][]string, 0, len(requested))
	for _, raw := range requested {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		paths = append(paths, strings.Split(trimmed, "."))
	}
	return paths
}

// derivedDepth is max(segment count) + 1 across the requested paths.
func derivedDepth(paths [][]string) int {
	longest := 0
	for _, p := range paths {
		if len(p) > longest {
			longest = len(p)
		}
	}
	return longest + 1
}
