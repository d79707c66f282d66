package execctx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plinthworks/plinth/pkg/hostcall"
	"github.com/plinthworks/plinth/pkg/identity"
	"github.com/plinthworks/plinth/pkg/loader"
	"github.com/plinthworks/plinth/pkg/manifest"
	"github.com/plinthworks/plinth/pkg/runtime/sandbox"
)

type fixture struct {
	engine  *sandbox.NativeEngine
	pool    *sandbox.Pool
	bridge  *hostcall.Bridge
	modules map[string]*loader.Module
}

func newFixture(t *testing.T, slots int) *fixture {
	t.Helper()

	engine := sandbox.NewNativeEngine()
	engine.Register("greeter", "handle_content_render", func(_ context.Context, call *sandbox.NativeCall) ([]byte, error) {
		n, _ := call.State["calls"].(int)
		n++
		call.State["calls"] = n
		return []byte(fmt.Sprintf(`{"calls":%d}`, n)), nil
	})
	engine.Register("caller", "handle_relay", func(ctx context.Context, call *sandbox.NativeCall) ([]byte, error) {
		req, err := json.Marshal(hostcall.Envelope{
			Op:      "invoke.call",
			Payload: json.RawMessage(`{"module":"greeter","export":"handle_content_render","payload":{}}`),
		})
		if err != nil {
			return nil, err
		}
		return call.Host.Call(ctx, req), nil
	})

	modules := map[string]*loader.Module{
		"greeter": {Manifest: &manifest.Manifest{
			Name:    "greeter",
			Version: "1.0.0",
			ExtensionPoints: []manifest.ExtensionPoint{
				{Point: "content.render", Weight: 0, Export: "handle_content_render"},
			},
		}},
		"caller": {Manifest: &manifest.Manifest{
			Name:    "caller",
			Version: "1.0.0",
			ExtensionPoints: []manifest.ExtensionPoint{
				{Point: "content.render", Weight: 10, Export: "handle_relay"},
			},
		}},
		// Declares an export its artifact never provides.
		"hollow": {Manifest: &manifest.Manifest{
			Name:    "hollow",
			Version: "1.0.0",
			ExtensionPoints: []manifest.ExtensionPoint{
				{Point: "content.render", Weight: 20, Export: "handle_ghost"},
			},
		}},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bridge, err := hostcall.New(hostcall.Services{Logger: logger})
	require.NoError(t, err)

	return &fixture{
		engine:  engine,
		pool:    sandbox.NewPool(slots, 20*time.Millisecond),
		bridge:  bridge,
		modules: modules,
	}
}

func (f *fixture) newContext() *Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f.engine, f.pool, f.bridge, f.modules, identity.Anonymous, logger)
}

func TestInstanceIsLazyAndSticky(t *testing.T) {
	f := newFixture(t, 4)
	ec := f.newContext()
	defer ec.Close(context.Background())

	require.False(t, ec.Live("greeter"))

	out, err := ec.Invoke(context.Background(), "greeter", "handle_content_render", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"calls":1}`, string(out))
	require.True(t, ec.Live("greeter"))

	// Same instance, same private state.
	out, err = ec.Invoke(context.Background(), "greeter", "handle_content_render", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"calls":2}`, string(out))
}

func TestCloseDropsInstances(t *testing.T) {
	f := newFixture(t, 4)
	ec := f.newContext()

	_, err := ec.Invoke(context.Background(), "greeter", "handle_content_render", nil)
	require.NoError(t, err)

	ec.Close(context.Background())
	_, err = ec.Invoke(context.Background(), "greeter", "handle_content_render", nil)
	require.ErrorIs(t, err, ErrClosed)

	// A later request starts from nothing.
	ec2 := f.newContext()
	defer ec2.Close(context.Background())
	out, err := ec2.Invoke(context.Background(), "greeter", "handle_content_render", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"calls":1}`, string(out))
}

func TestCloseReturnsPoolSlots(t *testing.T) {
	f := newFixture(t, 1)

	ec := f.newContext()
	_, err := ec.Invoke(context.Background(), "greeter", "handle_content_render", nil)
	require.NoError(t, err)

	// The single slot is held until the request ends.
	ec2 := f.newContext()
	defer ec2.Close(context.Background())
	_, err = ec2.Invoke(context.Background(), "greeter", "handle_content_render", nil)
	require.ErrorIs(t, err, sandbox.ErrPoolExhausted)

	ec.Close(context.Background())
	_, err = ec2.Invoke(context.Background(), "greeter", "handle_content_render", nil)
	require.NoError(t, err)
}

func TestUnknownModule(t *testing.T) {
	f := newFixture(t, 4)
	ec := f.newContext()
	defer ec.Close(context.Background())

	_, err := ec.Invoke(context.Background(), "phantom", "handle_content_render", nil)
	require.ErrorContains(t, err, "phantom")
}

func TestInvokeModuleFailureCodes(t *testing.T) {
	f := newFixture(t, 4)
	ec := f.newContext()
	defer ec.Close(context.Background())

	_, herr := ec.InvokeModule(context.Background(), "phantom", "handle_content_render", nil)
	require.NotNil(t, herr)
	require.Equal(t, hostcall.ErrInvokeNoModule, herr.Code)

	// greeter exists but never declared this export.
	_, herr = ec.InvokeModule(context.Background(), "greeter", "secret_backdoor", nil)
	require.NotNil(t, herr)
	require.Equal(t, hostcall.ErrInvokeNotDeclared, herr.Code)

	// hollow declares handle_ghost but the artifact does not provide it.
	_, herr = ec.InvokeModule(context.Background(), "hollow", "handle_ghost", nil)
	require.NotNil(t, herr)
	require.Equal(t, hostcall.ErrInvokeNoExport, herr.Code)

	out, herr := ec.InvokeModule(context.Background(), "greeter", "handle_content_render", nil)
	require.Nil(t, herr)
	require.JSONEq(t, `{"calls":1}`, string(out))
}

func TestInterModuleCallSharesTheRequestContext(t *testing.T) {
	f := newFixture(t, 4)
	ec := f.newContext()
	defer ec.Close(context.Background())

	// Warm greeter so the relayed call observes existing state.
	_, err := ec.Invoke(context.Background(), "greeter", "handle_content_render", nil)
	require.NoError(t, err)

	out, err := ec.Invoke(context.Background(), "caller", "handle_relay", nil)
	require.NoError(t, err)

	var res hostcall.Result
	require.NoError(t, json.Unmarshal(out, &res))
	require.True(t, res.OK)
	require.JSONEq(t, `{"result":{"calls":2}}`, string(res.Data))
	require.True(t, ec.Live("greeter"))
	require.True(t, ec.Live("caller"))
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	f := newFixture(t, 128)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ec := f.newContext()
			defer ec.Close(context.Background())
			for want := 1; want <= 3; want++ {
				out, err := ec.Invoke(context.Background(), "greeter", "handle_content_render", nil)
				if err != nil {
					errs <- err
					return
				}
				if string(out) != fmt.Sprintf(`{"calls":%d}`, want) {
					errs <- fmt.Errorf("cross-request state leak: got %s", out)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
