package hostcall

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/plinthworks/plinth/pkg/cache"
	"github.com/plinthworks/plinth/pkg/identity"
	"github.com/plinthworks/plinth/pkg/kvstore"
	"github.com/plinthworks/plinth/pkg/manifest"
	"github.com/plinthworks/plinth/pkg/query"
	"github.com/plinthworks/plinth/pkg/storage"
)

// Handler services one module's host calls for one request. The sandbox
// engine hands raw envelope bytes in and gets raw result bytes back; a
// Handler never returns an error because every failure must reach the guest
// as a typed Result.
type Handler interface {
	Call(ctx context.Context, req []byte) []byte
}

// Invoker resolves inter-module calls inside the calling request's execution
// context. Implemented by the per-request context; declared here so the
// bridge does not depend on it.
type Invoker interface {
	InvokeModule(ctx context.Context, module, export string, payload []byte) ([]byte, *Error)
}

// maxInvokeDepth caps module→module call chains. A→B→A ping-pong burns a
// pool slot per hop, so the cap is small.
const maxInvokeDepth = 8

type depthKey struct{}

// Services are the process-wide backends capabilities run against.
type Services struct {
	Store  *storage.Store
	Cache  *cache.Cache
	KV     *kvstore.Store
	Logger *slog.Logger

	// Host calls per second one instance may issue; zero disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// Bridge is the immutable, process-wide capability surface. Bind ties it to
// one module within one request.
type Bridge struct {
	services Services
	schemas  map[string]*jsonschema.Schema
}

// New compiles the payload schemas and wraps the backends.
func New(services Services) (*Bridge, error) {
	if services.Logger == nil {
		services.Logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Bridge{services: services, schemas: schemas}, nil
}

// Binding is the per-module, per-request view of the bridge.
type Binding struct {
	bridge   *Bridge
	module   *manifest.Manifest
	identity *identity.Identity
	invoker  Invoker
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// Bind creates the Handler for one module within one request.
func (b *Bridge) Bind(m *manifest.Manifest, id *identity.Identity, inv Invoker) *Binding {
	if id == nil {
		id = identity.Anonymous
	}
	var limiter *rate.Limiter
	if b.services.RatePerSecond > 0 {
		burst := b.services.RateBurst
		if burst <= 0 {
			burst = int(b.services.RatePerSecond)
			if burst == 0 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(b.services.RatePerSecond), burst)
	}
	return &Binding{
		bridge:   b,
		module:   m,
		identity: id,
		invoker:  inv,
		limiter:  limiter,
		logger:   b.services.Logger.With("module", m.Name),
	}
}

// Call is the wire entry point: envelope bytes in, result bytes out.
func (bd *Binding) Call(ctx context.Context, req []byte) []byte {
	var env Envelope
	var res Result
	if err := json.Unmarshal(req, &env); err != nil {
		res = fail(ErrBadPayload, "envelope is not JSON: "+err.Error())
	} else {
		res = bd.Dispatch(ctx, env)
	}
	out, err := json.Marshal(res)
	if err != nil {
		// Result marshalling only fails on exotic Data; report, never trap.
		out, _ = json.Marshal(fail(ErrInternal, "encode result: "+err.Error()))
	}
	return out
}

// Dispatch validates and routes one envelope.
func (bd *Binding) Dispatch(ctx context.Context, env Envelope) Result {
	schema, known := bd.bridge.schemas[env.Op]
	if !known {
		return fail(ErrUnknownOp, "no capability implements "+env.Op)
	}

	// Cooperative suspension: Wait parks the calling goroutine, it does not
	// spin a worker.
	if bd.limiter != nil {
		if err := bd.limiter.Wait(ctx); err != nil {
			return fail(ErrRateLimited, "host-call budget exhausted: "+err.Error())
		}
	}

	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fail(ErrBadPayload, env.Op+": payload is not JSON: "+err.Error())
	}
	if err := schema.Validate(decoded); err != nil {
		return fail(ErrBadPayload, env.Op+": "+err.Error())
	}

	switch env.Op {
	case "storage.query":
		return bd.storageQuery(ctx, payload)
	case "storage.insert":
		return bd.storageInsert(ctx, payload)
	case "storage.update":
		return bd.storageUpdate(ctx, payload)
	case "storage.delete":
		return bd.storageDelete(ctx, payload)
	case "storage.raw":
		return bd.storageRaw(ctx, payload)
	case "cache.get":
		return bd.cacheGet(ctx, payload)
	case "cache.set":
		return bd.cacheSet(ctx, payload)
	case "cache.delete":
		return bd.cacheDelete(ctx, payload)
	case "cache.invalidate_tag":
		return bd.cacheInvalidateTag(ctx, payload)
	case "cache.flush":
		return bd.cacheFlush(ctx)
	case "identity.whoami":
		return ok(bd.identity)
	case "identity.has_permission":
		return bd.identityHasPermission(payload)
	case "identity.has_role":
		return bd.identityHasRole(payload)
	case "log.write":
		return bd.logWrite(payload)
	case "kv.get":
		return bd.kvGet(ctx, payload)
	case "kv.set":
		return bd.kvSet(ctx, payload)
	case "kv.delete":
		return bd.kvDelete(ctx, payload)
	case "kv.keys":
		return bd.kvKeys(ctx)
	case "invoke.call":
		return bd.invokeCall(ctx, payload)
	}
	return fail(ErrUnknownOp, "no capability implements "+env.Op)
}

// --- storage ---

func (bd *Binding) storageQuery(ctx context.Context, payload json.RawMessage) Result {
	var d query.Descriptor
	if err := json.Unmarshal(payload, &d); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	rows, err := bd.bridge.services.Store.Query(ctx, &d)
	if err != nil {
		return storageFail(err)
	}
	return ok(map[string]any{"rows": rows})
}

func (bd *Binding) storageInsert(ctx context.Context, payload json.RawMessage) Result {
	var m query.Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	id, err := bd.bridge.services.Store.Insert(ctx, &m)
	if err != nil {
		return storageFail(err)
	}
	return ok(map[string]any{"id": id})
}

func (bd *Binding) storageUpdate(ctx context.Context, payload json.RawMessage) Result {
	var m query.Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	n, err := bd.bridge.services.Store.Update(ctx, &m)
	if err != nil {
		return storageFail(err)
	}
	return ok(map[string]any{"affected": n})
}

func (bd *Binding) storageDelete(ctx context.Context, payload json.RawMessage) Result {
	var m query.Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	n, err := bd.bridge.services.Store.Delete(ctx, &m)
	if err != nil {
		return storageFail(err)
	}
	return ok(map[string]any{"affected": n})
}

func (bd *Binding) storageRaw(ctx context.Context, payload json.RawMessage) Result {
	if !bd.module.HasGrant(manifest.GrantRawSQL) {
		return fail(ErrNotGranted, "storage.raw requires the storage.raw manifest grant")
	}
	var req struct {
		SQL  string `json:"sql"`
		Args []any  `json:"args"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	bd.logger.Warn("raw SQL host call", "op", "storage.raw")
	rows, err := bd.bridge.services.Store.QueryRaw(ctx, req.SQL, req.Args...)
	if err != nil {
		return fail(ErrInternal, err.Error())
	}
	return ok(map[string]any{"rows": rows})
}

// storageFail maps descriptor validation failures to their own codes so the
// guest can tell a rejected identifier from a backend fault.
func storageFail(err error) Result {
	if qerr, isQuery := err.(*query.Error); isQuery {
		return fail(qerr.Code, qerr.Message)
	}
	return fail(ErrInternal, err.Error())
}

// --- cache ---

func (bd *Binding) cacheGet(ctx context.Context, payload json.RawMessage) Result {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	val, hit, err := bd.bridge.services.Cache.Get(ctx, bd.module.Name, req.Key)
	if err != nil {
		return fail(ErrInternal, err.Error())
	}
	return ok(map[string]any{"hit": hit, "value": string(val)})
}

func (bd *Binding) cacheSet(ctx context.Context, payload json.RawMessage) Result {
	var req struct {
		Key   string   `json:"key"`
		Value string   `json:"value"`
		TTLMs int64    `json:"ttl_ms"`
		Tags  []string `json:"tags"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	err := bd.bridge.services.Cache.Set(ctx, bd.module.Name, req.Key, []byte(req.Value),
		time.Duration(req.TTLMs)*time.Millisecond, req.Tags)
	if err != nil {
		return fail(ErrInternal, err.Error())
	}
	return ok(nil)
}

func (bd *Binding) cacheDelete(ctx context.Context, payload json.RawMessage) Result {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	if err := bd.bridge.services.Cache.Delete(ctx, bd.module.Name, req.Key); err != nil {
		return fail(ErrInternal, err.Error())
	}
	return ok(nil)
}

func (bd *Binding) cacheInvalidateTag(ctx context.Context, payload json.RawMessage) Result {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	n, err := bd.bridge.services.Cache.InvalidateTag(ctx, req.Tag)
	if err != nil {
		return fail(ErrInternal, err.Error())
	}
	return ok(map[string]any{"invalidated": n})
}

func (bd *Binding) cacheFlush(ctx context.Context) Result {
	if !bd.module.HasGrant(manifest.GrantCacheFlush) {
		return fail(ErrNotGranted, "cache.flush requires the cache.flush manifest grant")
	}
	if err := bd.bridge.services.Cache.Flush(ctx); err != nil {
		return fail(ErrInternal, err.Error())
	}
	return ok(nil)
}

// --- identity ---

func (bd *Binding) identityHasPermission(payload json.RawMessage) Result {
	var req struct {
		Permission string `json:"permission"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	return ok(map[string]any{"granted": bd.identity.HasPermission(req.Permission)})
}

func (bd *Binding) identityHasRole(payload json.RawMessage) Result {
	var req struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	return ok(map[string]any{"granted": bd.identity.HasRole(req.Role)})
}

// --- log ---

func (bd *Binding) logWrite(payload json.RawMessage) Result {
	var req struct {
		Level   string         `json:"level"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	attrs := make([]any, 0, len(req.Fields)*2)
	for k, v := range req.Fields {
		attrs = append(attrs, k, v)
	}
	switch req.Level {
	case "debug":
		bd.logger.Debug(req.Message, attrs...)
	case "warn":
		bd.logger.Warn(req.Message, attrs...)
	case "error":
		bd.logger.Error(req.Message, attrs...)
	default:
		bd.logger.Info(req.Message, attrs...)
	}
	return ok(nil)
}

// --- kv ---

func (bd *Binding) kvGet(ctx context.Context, payload json.RawMessage) Result {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	val, found, err := bd.bridge.services.KV.Get(ctx, bd.module.Name, req.Key)
	if err != nil {
		return fail(ErrInternal, err.Error())
	}
	if !found {
		return ok(map[string]any{"found": false})
	}
	return ok(map[string]any{"found": true, "value": json.RawMessage(val)})
}

func (bd *Binding) kvSet(ctx context.Context, payload json.RawMessage) Result {
	var req struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	if err := bd.bridge.services.KV.Set(ctx, bd.module.Name, req.Key, req.Value); err != nil {
		return fail(ErrInternal, err.Error())
	}
	return ok(nil)
}

func (bd *Binding) kvDelete(ctx context.Context, payload json.RawMessage) Result {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}
	if err := bd.bridge.services.KV.Delete(ctx, bd.module.Name, req.Key); err != nil {
		return fail(ErrInternal, err.Error())
	}
	return ok(nil)
}

func (bd *Binding) kvKeys(ctx context.Context) Result {
	keys, err := bd.bridge.services.KV.Keys(ctx, bd.module.Name)
	if err != nil {
		return fail(ErrInternal, err.Error())
	}
	if keys == nil {
		keys = []string{}
	}
	return ok(map[string]any{"keys": keys})
}

// --- invoke ---

func (bd *Binding) invokeCall(ctx context.Context, payload json.RawMessage) Result {
	if bd.invoker == nil {
		return fail(ErrInternal, "inter-module invocation is not wired for this request")
	}
	var req struct {
		Module  string          `json:"module"`
		Export  string          `json:"export"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(ErrBadPayload, err.Error())
	}

	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxInvokeDepth {
		return fail(ErrInternal, "inter-module call depth limit reached")
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	out, herr := bd.invoker.InvokeModule(ctx, req.Module, req.Export, req.Payload)
	if herr != nil {
		return failErr(herr)
	}
	return ok(map[string]any{"result": json.RawMessage(normalizeJSON(out))})
}

// normalizeJSON makes arbitrary guest output embeddable in a Result.
func normalizeJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	if json.Valid(raw) {
		return raw
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return []byte("null")
	}
	return quoted
}
